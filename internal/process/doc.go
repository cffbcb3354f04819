// Package process supervises the child processes pyringe spawns.
//
// Every child gets pollable stdout and stderr pipes (plain *os.File read
// ends) so that callers can multiplex them with poll(2) instead of parking a
// goroutine per stream. The Supervisor tracks children by a uuid and can cap
// how many may run at once:
//
//	sup := process.NewSupervisor(process.WithMaxProcesses(1))
//	defer sup.Shutdown(time.Second)
//
//	proc, err := sup.Start("gdb-service", exec.Command("pyringe", "serve"))
//	if errors.Is(err, process.ErrProcessLimit) {
//	    // one is already running
//	}
//
// Both Supervisor and Process are safe for concurrent use.
package process
