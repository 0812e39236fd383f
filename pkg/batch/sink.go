package batch

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Mode selects what happens to response bodies.
type Mode int

const (
	// ModePrint writes bodies to the configured writer.
	ModePrint Mode = iota
	// ModeOutdir writes each body to its own file.
	ModeOutdir
	// ModeDrop only counts bytes.
	ModeDrop
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModePrint:
		return "print"
	case ModeOutdir:
		return "outdir"
	case ModeDrop:
		return "drop"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ErrNoOutdir is returned for ModeOutdir without a directory.
var ErrNoOutdir = errors.New("output directory required")

// sink stores response bodies according to the mode.
type sink struct {
	mode           Mode
	dir            string
	withRepetition bool

	mu  sync.Mutex
	out io.Writer
}

func newSink(mode Mode, dir string, out io.Writer, withRepetition bool) (*sink, error) {
	if mode == ModeOutdir {
		if dir == "" {
			return nil, ErrNoOutdir
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("can't create dir or its parents: %s: %w", dir, err)
		}
	}
	if out == nil {
		out = os.Stdout
	}
	return &sink{mode: mode, dir: dir, out: out, withRepetition: withRepetition}, nil
}

// store handles one body.
func (s *sink) store(ref Ref, status int, body []byte) error {
	switch s.mode {
	case ModeDrop:
		return nil
	case ModeOutdir:
		return s.storeFile(ref, status, body)
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.out.Write(body); err != nil {
			return fmt.Errorf("writing to stdout: %w", err)
		}
		if status != http.StatusOK {
			if _, err := io.WriteString(s.out, "\n"); err != nil {
				return fmt.Errorf("writing to stdout: %w", err)
			}
		}
		return nil
	}
}

// storeFile writes DIR/<name>, then renames it to DIR/<name>.<status>.
// Empty 200 responses leave no file.
func (s *sink) storeFile(ref Ref, status int, body []byte) error {
	path := filepath.Join(s.dir, ref.FileName(s.withRepetition))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if len(body) == 0 && status == http.StatusOK {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing output file %s: %w", path, err)
		}
		return nil
	}
	final := path + "." + strconv.Itoa(status)
	if err := os.Rename(path, final); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", path, final, err)
	}
	return nil
}
