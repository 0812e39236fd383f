package runlog

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func at(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9))
}

func writeLog(t *testing.T, extended bool, records ...Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.csv")
	w, err := Create(path, false, extended)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return path
}

func TestWriteAndRead(t *testing.T) {
	in := []Record{
		{QueryIndex: 0, Repetition: 0, Start: at(1700000000.25), End: at(1700000000.75), Status: 200, Length: 12, CRC: Checksum([]byte("hello world!"))},
		{QueryIndex: 3, Repetition: 1, Start: at(1700000001), End: at(1700000002.5), Err: "dial tcp: connection refused"},
		{QueryIndex: 1, Repetition: 0, Start: at(1700000003), End: at(1700000003.125), Status: 404, Length: 0},
	}
	path := writeLog(t, false, in...)

	out, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("read %d records, want %d", len(out), len(in))
	}
	for i := range in {
		got, want := out[i], in[i]
		if got.QueryIndex != want.QueryIndex || got.Repetition != want.Repetition ||
			got.Status != want.Status || got.Length != want.Length || got.CRC != want.CRC || got.Err != want.Err {
			t.Errorf("record %d = %+v, want %+v", i, got, want)
		}
		if d := got.Start.Sub(want.Start); d > time.Microsecond || d < -time.Microsecond {
			t.Errorf("record %d start off by %v", i, d)
		}
		if got.OK() != want.OK() {
			t.Errorf("record %d OK() = %v", i, got.OK())
		}
	}
}

func TestWriter_Format(t *testing.T) {
	path := writeLog(t, true, Record{QueryIndex: 4, Start: at(10), End: at(10.5), Status: 200, Length: 3, CRC: 42, Query: `{"q":"a, b"}`})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want header + 1", len(lines))
	}
	if lines[0] != "line in query file,repetition,start,end,d,Ok/Err,status,length,crc,error,query string" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != `5,0,10,10.5,0.5,Ok,200 OK,3,42,,"{""q"":""a, b""}"` {
		t.Errorf("row = %q", lines[1])
	}

	recs, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if recs[0].Query != `{"q":"a, b"}` || recs[0].Line() != 5 {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestCreate_RefusesExisting(t *testing.T) {
	path := writeLog(t, false)
	if _, err := Create(path, false, false); err == nil {
		t.Fatal("Create() on an existing file succeeded without overwrite")
	}
	w, err := Create(path, true, false)
	if err != nil {
		t.Fatalf("Create(overwrite) error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRecords_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"too few columns", "1,0,1,2,1,Ok,200 OK,1\n", ErrColumns},
		{"bad result kind", "1,0,1,2,1,Maybe,200 OK,1,2,\n", ErrResultKind},
		{"bad status", "1,0,1,2,1,Ok,OK,1,2,\n", nil},
		{"line zero", "0,0,1,2,1,Ok,200 OK,1,2,\n", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.csv")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := ReadAll(path)
			if err == nil {
				t.Fatal("ReadAll() succeeded, want an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if !strings.Contains(err.Error(), "bad.csv") {
				t.Errorf("error %q does not name the file", err)
			}
		})
	}
}

func TestRecords_MissingFile(t *testing.T) {
	_, err := ReadAll(filepath.Join(t.TempDir(), "nope.csv"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want os.ErrNotExist", err)
	}
}

func ok(index, rep int, crc uint32) Record {
	return Record{QueryIndex: index, Repetition: rep, Start: at(1), End: at(2), Status: 200, CRC: crc}
}

func TestLoadSums(t *testing.T) {
	path := writeLog(t, false,
		ok(0, 0, 10),
		ok(1, 0, 20),
		ok(0, 1, 10),
		ok(1, 1, 21),
		Record{QueryIndex: 2, Start: at(1), End: at(2), Err: "boom"},
		ok(3, 0, 40),
	)

	sums, err := LoadSums(path, nil)
	if err != nil {
		t.Fatalf("LoadSums() error = %v", err)
	}
	if sums.Len() != 4 {
		t.Errorf("Len() = %d, want 4", sums.Len())
	}
	if sums.CRCs[0] != 10 || sums.CRCs[1] != 20 || sums.CRCs[2] != 0 || sums.CRCs[3] != 40 {
		t.Errorf("CRCs = %v", sums.CRCs)
	}
	if sums.Matches != 1 {
		t.Errorf("Matches = %d, want 1", sums.Matches)
	}
	if len(sums.Mismatches) != 1 || sums.Mismatches[0] != (Mismatch{QueryIndex: 1, Repetition: 1, FirstCRC: 20, CRC: 21}) {
		t.Errorf("Mismatches = %+v", sums.Mismatches)
	}
}

func TestCompare(t *testing.T) {
	a := writeLog(t, false, ok(0, 0, 1), ok(1, 0, 2), ok(2, 0, 3))
	b := writeLog(t, false, ok(0, 0, 1), ok(1, 0, 9), ok(2, 0, 3), ok(2, 1, 4))

	sa, err := LoadSums(a, nil)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := LoadSums(b, nil)
	if err != nil {
		t.Fatal(err)
	}

	c, err := Compare(sa, sb)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if len(c.Diffs) != 1 || c.Diffs[0] != (LineDiff{QueryIndex: 1, A: 2, B: 9}) {
		t.Errorf("Diffs = %+v", c.Diffs)
	}
	if c.Failures() != 2 {
		t.Errorf("Failures() = %d, want 2", c.Failures())
	}
}

func TestCompare_LengthMismatch(t *testing.T) {
	sa := &Sums{CRCs: []uint32{1, 2}}
	sb := &Sums{CRCs: []uint32{1}}
	if _, err := Compare(sa, sb); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("Compare() error = %v, want ErrLengthMismatch", err)
	}
}

func TestLoadSums_Ignore(t *testing.T) {
	queries := []string{`{"q":"stable"}`, `{"q":"random()"}`}
	path := writeLog(t, false, ok(0, 0, 1), ok(1, 0, 2), ok(1, 1, 3))

	sums, err := LoadSums(path, IgnoreMatching(queries, regexp.MustCompile(`random`)))
	if err != nil {
		t.Fatalf("LoadSums() error = %v", err)
	}
	if sums.Len() != 1 || len(sums.Mismatches) != 0 {
		t.Errorf("sums = %+v, want only line 1", sums)
	}

	_, err = LoadSums(path, IgnoreMatching(queries[:1], regexp.MustCompile(`x`)))
	if err == nil {
		t.Error("LoadSums() with a short queries list succeeded, want out of range error")
	}
}
