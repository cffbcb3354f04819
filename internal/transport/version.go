package transport

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Version is a gdb version. Unknown components are -1, which orders
// below every known value.
type Version struct {
	Major, Minor, Micro int
}

func (v Version) String() string {
	parts := []int{v.Major, v.Minor, v.Micro}
	var out []string
	for _, p := range parts {
		if p < 0 {
			break
		}
		out = append(out, strconv.Itoa(p))
	}
	if len(out) == 0 {
		return "unknown"
	}
	return strings.Join(out, ".")
}

// Less compares component by component.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Micro < o.Micro
}

var (
	minSupported = Version{Major: 7, Minor: 4, Micro: -1}
	minNoHome    = Version{Major: 7, Minor: 6, Micro: 1}
	nonDigitRe   = regexp.MustCompile(`[^0-9]`)
)

// ParseVersion reads the first line of `gdb --version`. Distributions
// decorate the version freely, so every whitespace separated token is
// tried and later tokens overwrite what earlier ones found:
//
//	GNU gdb (GDB) 7.7
//	GNU gdb (GDB) 7.6.2 (Debian 7.6.2-1)
//	GNU gdb (GDB) 7.4.1-debian
func ParseVersion(output string) Version {
	first, _, _ := strings.Cut(output, "\n")
	v := Version{Major: -1, Minor: -1, Micro: -1}
	for _, token := range strings.Fields(first) {
		parts := nonDigitRe.Split(token, -1)
		dst := []*int{&v.Major, &v.Minor, &v.Micro}
		for i, p := range dst {
			if i >= len(parts) {
				break
			}
			if n, err := strconv.Atoi(parts[i]); err == nil {
				*p = n
			}
		}
	}
	return v
}

// VersionProbe returns the raw output of `<gdb> --version`.
type VersionProbe func(ctx context.Context, gdbPath string) (string, error)

// ExecVersionProbe runs gdb to ask for its version.
func ExecVersionProbe(ctx context.Context, gdbPath string) (string, error) {
	out, err := exec.CommandContext(ctx, gdbPath, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", gdbPath, err)
	}
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	if sc.Scan() {
		return sc.Text(), nil
	}
	return "", fmt.Errorf("%s --version printed nothing", gdbPath)
}
