package runlog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
)

// Records reads the log at path. Each row error is yielded with its line
// number and ends the sequence.
func Records(path string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Record{}, fmt.Errorf("opening %s for reading: %w", path, err))
			return
		}
		defer f.Close()

		r := csv.NewReader(bufio.NewReader(f))
		r.FieldsPerRecord = -1
		r.ReuseRecord = true

		for row := 1; ; row++ {
			fields, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Record{}, fmt.Errorf("%s: %w", path, err))
				return
			}
			line, _ := r.FieldPos(0)
			if row == 1 && len(fields) > 0 && fields[0] == header[0] {
				continue
			}
			rec, err := parseRow(fields)
			if err != nil {
				yield(Record{}, fmt.Errorf("%s:%d: %w", path, line, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// ReadAll collects Records(path).
func ReadAll(path string) ([]Record, error) {
	var out []Record
	for rec, err := range Records(path) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
