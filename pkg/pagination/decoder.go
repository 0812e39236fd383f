package pagination

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sternrassler/api-query/pkg/client"
)

// Record is one opaque item of the API payload.
type Record = json.RawMessage

// Page is what a Decoder extracts from one response.
type Page struct {
	Records   []Record
	NextToken string
	// TotalHint is the server-reported total record count, 0 when unknown.
	TotalHint int
}

// Decoder turns a response into a Page. Failures should be *DecodeError.
type Decoder interface {
	Decode(resp *client.Response) (Page, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(resp *client.Response) (Page, error)

// Decode calls f.
func (f DecoderFunc) Decode(resp *client.Response) (Page, error) {
	return f(resp)
}

var errEmptyBody = errors.New("empty body")

// Keys tried when the corresponding path is empty.
var (
	defaultRecordKeys = []string{"items", "data", "results", "records"}
	defaultNextKeys   = []string{"next", "next_token", "nextPageToken", "next_page_token", "pagination.next"}
	defaultTotalKeys  = []string{"total", "total_count", "totalCount"}
)

// JSONDecoder reads records and pagination fields by dot-separated paths.
//
// With RecordsPath empty, a top-level array is the record list, otherwise
// the first of items, data, results, records that holds an array. NextPath and
// TotalPath fall back to common field names likewise. A next value may be a
// string, a number, or an object with an href field. When the body carries no
// next value, a Link header with rel="next" is used unless IgnoreLinkHeader is set.
// An empty body is an error unless the status is 204 or a Link header continues.
type JSONDecoder struct {
	RecordsPath      string
	NextPath         string
	TotalPath        string
	IgnoreLinkHeader bool
}

// Decode implements Decoder.
func (d JSONDecoder) Decode(resp *client.Response) (Page, error) {
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		// Only 204 or a Link continuation make an empty body a valid page.
		next := d.linkNext(resp.Header)
		if resp.StatusCode != http.StatusNoContent && next == "" {
			return Page{}, decodeErr("", body, errEmptyBody)
		}
		return Page{NextToken: next}, nil
	}

	var page Page

	if body[0] == '[' {
		if d.RecordsPath != "" {
			return Page{}, decodeErr(d.RecordsPath, body, errors.New("body is an array, not an object"))
		}
		records, err := decodeArray(body)
		if err != nil {
			return Page{}, decodeErr("", body, err)
		}
		page.Records = records
		page.NextToken = d.linkNext(resp.Header)
		return page, nil
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return Page{}, decodeErr("", body, err)
	}

	recordsRaw, recordsPath, err := d.locate(root, d.RecordsPath, defaultRecordKeys, true)
	if err != nil {
		return Page{}, decodeErr(recordsPath, body, err)
	}
	if recordsRaw != nil {
		records, err := decodeArray(recordsRaw)
		if err != nil {
			return Page{}, decodeErr(recordsPath, body, err)
		}
		page.Records = records
	}

	nextRaw, nextPath, err := d.locate(root, d.NextPath, defaultNextKeys, false)
	if err != nil {
		return Page{}, decodeErr(nextPath, body, err)
	}
	if nextRaw != nil {
		token, err := nextToken(nextRaw)
		if err != nil {
			return Page{}, decodeErr(nextPath, body, err)
		}
		page.NextToken = token
	}
	if page.NextToken == "" {
		page.NextToken = d.linkNext(resp.Header)
	}

	totalRaw, totalPath, err := d.locate(root, d.TotalPath, defaultTotalKeys, false)
	if err != nil {
		return Page{}, decodeErr(totalPath, body, err)
	}
	if totalRaw != nil {
		var total json.Number
		dec := json.NewDecoder(bytes.NewReader(totalRaw))
		dec.UseNumber()
		if err := dec.Decode(&total); err == nil {
			if n, err := total.Int64(); err == nil && n > 0 {
				page.TotalHint = int(n)
			}
		}
	}

	return page, nil
}

// locate resolves an explicit path, or the first default key present.
// An explicit path that does not resolve is an error only when required.
func (d JSONDecoder) locate(root map[string]json.RawMessage, path string, defaults []string, required bool) (json.RawMessage, string, error) {
	if path != "" {
		raw, err := lookup(root, path)
		if err != nil {
			if required {
				return nil, path, err
			}
			return nil, path, nil
		}
		return raw, path, nil
	}
	for _, key := range defaults {
		if raw, err := lookup(root, key); err == nil {
			if required && !isArray(raw) && !isNull(raw) {
				continue
			}
			return raw, key, nil
		}
	}
	if required {
		return nil, "", errors.New("no record array found")
	}
	return nil, "", nil
}

func (d JSONDecoder) linkNext(h http.Header) string {
	if d.IgnoreLinkHeader || h == nil {
		return ""
	}
	return ParseLinkNext(h.Values("Link"))
}

func lookup(root map[string]json.RawMessage, path string) (json.RawMessage, error) {
	parts := strings.Split(path, ".")
	cur := root
	for i, part := range parts {
		raw, ok := cur[part]
		if !ok {
			return nil, fmt.Errorf("field %q not found", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return raw, nil
		}
		cur = nil
		if err := json.Unmarshal(raw, &cur); err != nil || cur == nil {
			return nil, fmt.Errorf("field %q is not an object", strings.Join(parts[:i+1], "."))
		}
	}
	return nil, errors.New("empty path")
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeArray(raw json.RawMessage) ([]Record, error) {
	if isNull(raw) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	records := make([]Record, len(items))
	for i, item := range items {
		records[i] = Record(bytes.Clone(item))
	}
	return records, nil
}

func nextToken(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}
	switch raw[0] {
	case 'n', 'f':
		// null, false
		return "", nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{':
		var obj struct {
			Href string `json:"href"`
			URL  string `json:"url"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", err
		}
		if obj.Href != "" {
			return obj.Href, nil
		}
		return obj.URL, nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("unsupported next value %s", raw)
		}
		if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
			return "", err
		}
		return n.String(), nil
	}
}

// ParseLinkNext returns the target of the rel="next" entry of RFC 8288 Link
// header values, or "".
func ParseLinkNext(values []string) string {
	for _, v := range values {
		for _, link := range splitLinks(v) {
			start := strings.Index(link, "<")
			end := strings.Index(link, ">")
			if start < 0 || end < start {
				continue
			}
			target := strings.TrimSpace(link[start+1 : end])
			for _, param := range strings.Split(link[end+1:], ";") {
				name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(name), "rel") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
					if strings.EqualFold(rel, "next") {
						return target
					}
				}
			}
		}
	}
	return ""
}

// splitLinks splits on commas outside <...>.
func splitLinks(v string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range v {
		switch r {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				out = append(out, v[start:i])
				start = i + 1
			}
		}
	}
	return append(out, v[start:])
}

const maxSnippet = 120

func decodeErr(path string, body []byte, err error) *DecodeError {
	snippet := string(body)
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet] + "..."
	}
	return &DecodeError{Path: path, Snippet: snippet, Err: err}
}
