// Package runlog writes and reads CSV logs of batch runs and compares the
// response checksums of two runs.
package runlog

import (
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Column layout. The query string column is optional.
var header = []string{
	"line in query file",
	"repetition",
	"start",
	"end",
	"d",
	"Ok/Err",
	"status",
	"length",
	"crc",
	"error",
}

const (
	numColumns         = 10
	numColumnsExtended = numColumns + 1
	queryColumn        = "query string"
)

var (
	// ErrColumns is returned for rows with an unexpected number of fields.
	ErrColumns = errors.New("invalid number of columns")

	// ErrResultKind is returned for an Ok/Err column with another value.
	ErrResultKind = errors.New("invalid entry in Ok/Err column")
)

// Record is one query execution.
type Record struct {
	// QueryIndex is the 0-based line of the queries file.
	QueryIndex int
	Repetition int
	Start      time.Time
	End        time.Time

	// Err is non-empty for failed executions; Status, Length and CRC are
	// only meaningful when it is empty.
	Err    string
	Status int
	Length int
	CRC    uint32

	// Query is written only by extended logs.
	Query string
}

// OK reports whether the execution produced a response.
func (r Record) OK() bool {
	return r.Err == ""
}

// Line returns the 1-based line number.
func (r Record) Line() int {
	return r.QueryIndex + 1
}

// Duration is End minus Start.
func (r Record) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Checksum is the CRC used for response bodies.
func Checksum(body []byte) uint32 {
	return crc32.ChecksumIEEE(body)
}

func (r Record) row(extended bool) []string {
	row := []string{
		strconv.Itoa(r.Line()),
		strconv.Itoa(r.Repetition),
		formatUnix(r.Start),
		formatUnix(r.End),
		strconv.FormatFloat(r.Duration().Seconds(), 'f', -1, 64),
		"", "", "", "", "",
	}
	if r.OK() {
		row[5] = "Ok"
		row[6] = fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status))
		row[7] = strconv.Itoa(r.Length)
		row[8] = strconv.FormatUint(uint64(r.CRC), 10)
	} else {
		row[5] = "Err"
		row[9] = r.Err
	}
	if extended {
		row = append(row, r.Query)
	}
	return row
}

func parseRow(fields []string) (Record, error) {
	if len(fields) != numColumns && len(fields) != numColumnsExtended {
		return Record{}, fmt.Errorf("%w: expected %d or %d, got %d", ErrColumns, numColumns, numColumnsExtended, len(fields))
	}

	var (
		r   Record
		err error
	)
	line, err := strconv.Atoi(fields[0])
	if err != nil || line < 1 {
		return Record{}, fmt.Errorf("parsing line in query file %q: must be a number >= 1", fields[0])
	}
	r.QueryIndex = line - 1
	if r.Repetition, err = strconv.Atoi(fields[1]); err != nil {
		return Record{}, fmt.Errorf("parsing repetition %q: %w", fields[1], err)
	}
	if r.Start, err = parseUnix(fields[2]); err != nil {
		return Record{}, fmt.Errorf("parsing start %q: %w", fields[2], err)
	}
	if r.End, err = parseUnix(fields[3]); err != nil {
		return Record{}, fmt.Errorf("parsing end %q: %w", fields[3], err)
	}
	if _, err := strconv.ParseFloat(fields[4], 64); err != nil {
		return Record{}, fmt.Errorf("parsing d %q: %w", fields[4], err)
	}

	switch fields[5] {
	case "Ok":
		// "200 OK" -> 200
		code, _, _ := strings.Cut(fields[6], " ")
		if r.Status, err = strconv.Atoi(code); err != nil {
			return Record{}, fmt.Errorf("parsing HTTP status code %q: %w", fields[6], err)
		}
		if r.Length, err = strconv.Atoi(fields[7]); err != nil {
			return Record{}, fmt.Errorf("parsing length %q: %w", fields[7], err)
		}
		crc, err := strconv.ParseUint(fields[8], 10, 32)
		if err != nil {
			return Record{}, fmt.Errorf("parsing CRC %q: %w", fields[8], err)
		}
		r.CRC = uint32(crc)
	case "Err":
		r.Err = fields[9]
		if r.Err == "" {
			r.Err = "unknown error"
		}
	default:
		return Record{}, fmt.Errorf("%w: %q", ErrResultKind, fields[5])
	}

	if len(fields) == numColumnsExtended {
		r.Query = fields[10]
	}
	return r, nil
}

func formatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)
}

func parseUnix(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	if f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return time.Time{}, fmt.Errorf("not a valid unix time: %v", f)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}
