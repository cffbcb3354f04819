// Package config loads pyringe settings.
//
// Settings come from built-in defaults, then an optional TOML or YAML file,
// then PYRINGE_* environment variables, then explicit Set calls (command
// line flags). Later sources win. Paths are dot-separated, e.g.
// "session.timeout".
//
//	cfg := config.New(config.WithFile("~/.config/pyringe/config.toml"))
//	if err := cfg.Load(ctx); err != nil {
//		return err
//	}
//	s, err := cfg.Settings()
package config
