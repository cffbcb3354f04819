package service

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const sourceUnavailable = "<file not available>"

// archiveSuffixes are path components that name zip archives whose
// members hold the source.
var archiveSuffixes = []string{".zip", ".par"}

// sourceLine returns the text of line in file as seen by the target.
// Relative paths resolve against the target's working directory.
// When that fails the frame's __file__ global is tried.
func (s *Service) sourceLine(ctx context.Context, frame ref, pid int, file string, line int) string {
	if text, err := readSourceLine(targetPath(pid, file), line); err == nil {
		return orUnavailable(text)
	}

	alt, err := s.frameFileGlobal(ctx, frame)
	if err != nil || alt == "" {
		return sourceUnavailable
	}
	if strings.HasSuffix(alt, ".pyc") {
		alt = strings.TrimSuffix(alt, "c")
	}
	if text, err := readSourceLine(alt, line); err == nil {
		return orUnavailable(text)
	}
	return sourceUnavailable
}

func orUnavailable(text string) string {
	if strings.TrimSpace(text) == "" {
		return sourceUnavailable
	}
	return text
}

// targetPath maps a path from the target's point of view onto ours.
func targetPath(pid int, file string) string {
	if rest, ok := strings.CutPrefix(file, "/dev/fd/"); ok {
		return fmt.Sprintf("/proc/%d/fd/%s", pid, rest)
	}
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(fmt.Sprintf("/proc/%d/cwd", pid), file)
}

func (s *Service) frameFileGlobal(ctx context.Context, frame ref) (string, error) {
	globals, err := s.ptrField(ctx, frame, "f_globals", "PyDictObject")
	if err != nil || globals.isNull() {
		return "", err
	}
	addr, ok, err := s.dictLookup(ctx, globals, "__file__")
	if err != nil || !ok {
		return "", err
	}
	v, err := s.pyValue(ctx, addr, decodeOpts{depth: 1})
	if err != nil {
		return "", err
	}
	name, _ := v.(string)
	return name, nil
}

// openSource opens path, reaching into a zip archive when a path
// component ends in one of archiveSuffixes.
func openSource(path string) (io.ReadCloser, error) {
	for _, suffix := range archiveSuffixes {
		archive, member, ok := strings.Cut(path, suffix+"/")
		if !ok {
			continue
		}
		zr, err := zip.OpenReader(archive + suffix)
		if err != nil {
			return nil, err
		}
		f, err := zr.Open(strings.Trim(member, "/"))
		if err != nil {
			zr.Close()
			return nil, err
		}
		return &archiveMember{ReadCloser: f, archive: zr}, nil
	}
	return os.Open(path)
}

type archiveMember struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (m *archiveMember) Close() error {
	err := m.ReadCloser.Close()
	if cerr := m.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

// readSourceLine returns line n (1-based) of the file at path.
func readSourceLine(path string, n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("line %d out of range", n)
	}
	f, err := openSource(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var text string
	for i := 0; i < n; i++ {
		text, err = r.ReadString('\n')
		if err != nil {
			if err == io.EOF && text != "" && i == n-1 {
				break
			}
			return "", fmt.Errorf("%s has fewer than %d lines", path, n)
		}
	}
	return strings.TrimRight(text, "\r\n"), nil
}
