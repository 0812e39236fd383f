// Package output renders query records for the terminal: NDJSON, JSON,
// YAML, or a width-aware table, plus a progress line on stderr.
package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects a record writer.
type Format string

const (
	FormatNDJSON Format = "ndjson"
	FormatJSON   Format = "json"
	FormatYAML   Format = "yaml"
	FormatTable  Format = "table"
)

// ErrUnknownFormat is returned by New for unsupported formats.
var ErrUnknownFormat = errors.New("unknown output format")

// Formats lists the supported formats.
func Formats() []Format {
	return []Format{FormatNDJSON, FormatJSON, FormatYAML, FormatTable}
}

// RecordWriter consumes records one at a time. Close must be called once
// after the last record; some formats only write on Close.
type RecordWriter interface {
	WriteRecord(rec json.RawMessage) error
	Close() error
}

// Options tunes writers.
type Options struct {
	// Width is the table width in columns; 0 means TerminalWidth of stdout.
	Width int
	// Indent is the JSON indent; empty means two spaces.
	Indent string
}

// New returns a writer for format.
func New(format Format, w io.Writer, opts Options) (RecordWriter, error) {
	switch Format(strings.ToLower(string(format))) {
	case FormatNDJSON, "":
		return &ndjsonWriter{w: w}, nil
	case FormatJSON:
		indent := opts.Indent
		if indent == "" {
			indent = "  "
		}
		return &jsonWriter{w: w, indent: indent}, nil
	case FormatYAML:
		return newYAMLWriter(w), nil
	case FormatTable:
		width := opts.Width
		if width <= 0 {
			width = StdoutWidth()
		}
		return &tableWriter{w: w, width: width}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

type ndjsonWriter struct {
	w   io.Writer
	buf bytes.Buffer
}

func (n *ndjsonWriter) WriteRecord(rec json.RawMessage) error {
	n.buf.Reset()
	if err := json.Compact(&n.buf, rec); err != nil {
		return fmt.Errorf("compacting record: %w", err)
	}
	n.buf.WriteByte('\n')
	_, err := n.w.Write(n.buf.Bytes())
	return err
}

func (n *ndjsonWriter) Close() error { return nil }

// jsonWriter streams a single indented array.
type jsonWriter struct {
	w      io.Writer
	indent string
	count  int
	buf    bytes.Buffer
}

func (j *jsonWriter) WriteRecord(rec json.RawMessage) error {
	j.buf.Reset()
	if j.count == 0 {
		j.buf.WriteString("[\n")
	} else {
		j.buf.WriteString(",\n")
	}
	j.buf.WriteString(j.indent)
	if err := json.Indent(&j.buf, rec, j.indent, j.indent); err != nil {
		return fmt.Errorf("indenting record: %w", err)
	}
	j.count++
	_, err := j.w.Write(j.buf.Bytes())
	return err
}

func (j *jsonWriter) Close() error {
	if j.count == 0 {
		_, err := io.WriteString(j.w, "[]\n")
		return err
	}
	_, err := io.WriteString(j.w, "\n]\n")
	return err
}

// yamlWriter emits one YAML document per record, keeping key order.
type yamlWriter struct {
	enc *yaml.Encoder
}

func newYAMLWriter(w io.Writer) *yamlWriter {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	return &yamlWriter{enc: enc}
}

func (y *yamlWriter) WriteRecord(rec json.RawMessage) error {
	var node yaml.Node
	if err := yaml.Unmarshal(rec, &node); err != nil {
		return fmt.Errorf("converting record to yaml: %w", err)
	}
	plainStyle(&node)
	return y.enc.Encode(&node)
}

func (y *yamlWriter) Close() error {
	return y.enc.Close()
}

// plainStyle drops the flow style JSON input parses into.
func plainStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Style &^= yaml.DoubleQuotedStyle
	}
	for _, c := range n.Content {
		plainStyle(c)
	}
}
