package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
)

const (
	minColumnWidth = 6
	// cellOverhead is the border and padding per column.
	cellOverhead = 3
	valueColumn  = "value"
)

// tableWriter buffers records and renders them on Close with one column
// per top-level key, in first-seen order. Cells are cut to fit the width.
type tableWriter struct {
	w       io.Writer
	width   int
	columns []string
	seen    map[string]bool
	rows    []map[string]string
}

func (t *tableWriter) WriteRecord(rec json.RawMessage) error {
	keys, row, err := flatten(rec)
	if err != nil {
		return err
	}
	if t.seen == nil {
		t.seen = make(map[string]bool)
	}
	for _, k := range keys {
		if !t.seen[k] {
			t.seen[k] = true
			t.columns = append(t.columns, k)
		}
	}
	t.rows = append(t.rows, row)
	return nil
}

func (t *tableWriter) Close() error {
	if len(t.rows) == 0 {
		return nil
	}

	limit := columnWidth(t.width, len(t.columns))

	table := tablewriter.NewWriter(t.w)
	header := make([]any, len(t.columns))
	for i, c := range t.columns {
		header[i] = truncate(c, limit)
	}
	table.Header(header...)
	for _, row := range t.rows {
		cells := make([]any, len(t.columns))
		for i, c := range t.columns {
			cells[i] = truncate(row[c], limit)
		}
		_ = table.Append(cells...)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

// flatten turns a record into cells. Objects give one cell per key, nested
// values as compact JSON; anything else is a single value cell.
func flatten(rec json.RawMessage) ([]string, map[string]string, error) {
	trimmed := bytes.TrimSpace(rec)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return []string{valueColumn}, map[string]string{valueColumn: cell(trimmed)}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if _, err := dec.Token(); err != nil {
		return nil, nil, fmt.Errorf("reading record: %w", err)
	}

	var keys []string
	row := make(map[string]string)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("reading record: %w", err)
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, fmt.Errorf("reading field %q: %w", key, err)
		}
		if _, dup := row[key]; !dup {
			keys = append(keys, key)
		}
		row[key] = cell(raw)
	}
	return keys, row, nil
}

func cell(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func columnWidth(total, columns int) int {
	if columns == 0 {
		return total
	}
	w := (total-1)/columns - cellOverhead
	if w < minColumnWidth {
		w = minColumnWidth
	}
	return w
}

func truncate(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 1 {
		return "…"
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
