package runlog

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"sync"
)

// Writer appends records to a CSV log. It is safe for concurrent use.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	buf      *bufio.Writer
	csv      *csv.Writer
	extended bool
	err      error
}

// Create opens path and writes the header. Without overwrite an existing
// file is an error. Extended logs carry the query string column.
func Create(path string, overwrite, extended bool) (*Writer, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s for writing: %w", path, err)
	}

	buf := bufio.NewWriter(f)
	w := &Writer{path: path, file: f, buf: buf, csv: csv.NewWriter(buf), extended: extended}

	cols := header
	if extended {
		cols = append(append([]string(nil), header...), queryColumn)
	}
	if err := w.csv.Write(cols); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing to CSV log file %s: %w", path, err)
	}
	return w, nil
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// Write appends r. After the first failure every call returns that error.
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if err := w.csv.Write(r.row(w.extended)); err != nil {
		w.err = fmt.Errorf("writing to CSV log file %s: %w", w.path, err)
	}
	return w.err
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.csv.Flush()
	err := w.err
	if err == nil {
		err = w.csv.Error()
	}
	if err == nil {
		err = w.buf.Flush()
	}
	if cerr := w.file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("flushing CSV log file %s: %w", w.path, err)
	}
	return nil
}
