package pagination

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/api-query/pkg/client"
)

// Mode selects how pages are addressed.
type Mode string

const (
	// ModeToken follows a server-provided continuation token or link.
	// Pages are fetched strictly sequentially.
	ModeToken Mode = "token"

	// ModeOffset addresses pages by precomputed offsets, which allows
	// overlapping fetches.
	ModeOffset Mode = "offset"
)

// OffsetStyle selects the value of the offset parameter.
type OffsetStyle string

const (
	// OffsetRecords sends PageIndex*PageSize.
	OffsetRecords OffsetStyle = "records"

	// OffsetPages sends the 1-based page number.
	OffsetPages OffsetStyle = "pages"
)

// Query defaults.
const (
	DefaultPageSizeParam = "limit"
	DefaultTokenParam    = "page_token"
	DefaultOffsetParam   = "offset"
	DefaultTimeout       = 30 * time.Second
	DefaultMaxPages      = 10000
)

// Query describes one logical paginated query. The engine never modifies it.
type Query struct {
	// Endpoint is the absolute URL of the first page.
	Endpoint string
	Method   string
	Params   url.Values
	Header   http.Header
	Body     []byte

	// PageSize is the requested records per page; 0 leaves it to the server.
	PageSize      int
	PageSizeParam string

	Mode        Mode
	TokenParam  string
	OffsetParam string
	OffsetStyle OffsetStyle

	// Decoder defaults to JSONDecoder{}.
	Decoder Decoder

	// Concurrency bounds in-flight fetches in offset mode.
	Concurrency int

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxPages bounds continuation; reaching it with more pages pending is an error.
	MaxPages int

	// MaxRecords stops the query after that many records; 0 means no limit.
	MaxRecords int
}

// Validate reports configuration errors wrapped in ErrInvalidQuery.
func (q Query) Validate() error {
	u, err := url.Parse(q.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalidQuery, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: endpoint %q must be an absolute URL", ErrInvalidQuery, q.Endpoint)
	}

	switch q.Mode {
	case "", ModeToken:
	case ModeOffset:
		if q.PageSize <= 0 {
			return fmt.Errorf("%w: offset mode requires a page size", ErrInvalidQuery)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidQuery, q.Mode)
	}

	switch q.OffsetStyle {
	case "", OffsetRecords, OffsetPages:
	default:
		return fmt.Errorf("%w: unknown offset style %q", ErrInvalidQuery, q.OffsetStyle)
	}

	switch {
	case q.PageSize < 0:
		return fmt.Errorf("%w: negative page size", ErrInvalidQuery)
	case q.Concurrency < 0:
		return fmt.Errorf("%w: negative concurrency", ErrInvalidQuery)
	case q.MaxRetries < 0:
		return fmt.Errorf("%w: negative max retries", ErrInvalidQuery)
	case q.Timeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidQuery)
	case q.MaxPages < 0:
		return fmt.Errorf("%w: negative max pages", ErrInvalidQuery)
	case q.MaxRecords < 0:
		return fmt.Errorf("%w: negative max records", ErrInvalidQuery)
	}
	return nil
}

// WithDefaults returns a copy with zero fields set to their defaults.
func (q Query) WithDefaults() Query {
	if q.Method == "" {
		q.Method = http.MethodGet
	}
	if q.Mode == "" {
		q.Mode = ModeToken
	}
	if q.PageSizeParam == "" {
		q.PageSizeParam = DefaultPageSizeParam
	}
	if q.TokenParam == "" {
		q.TokenParam = DefaultTokenParam
	}
	if q.OffsetParam == "" {
		q.OffsetParam = DefaultOffsetParam
	}
	if q.OffsetStyle == "" {
		q.OffsetStyle = OffsetRecords
	}
	if q.Decoder == nil {
		q.Decoder = JSONDecoder{}
	}
	if q.Concurrency < 1 {
		q.Concurrency = 1
	}
	if q.Timeout == 0 {
		q.Timeout = DefaultTimeout
	}
	if q.MaxPages == 0 {
		q.MaxPages = DefaultMaxPages
	}
	return q
}

// RequestFor builds the request for the page cur points at.
// A token that looks like a URL (absolute, or starting with / or ?) replaces
// the endpoint, resolved against it, and carries its own parameters.
func (q Query) RequestFor(cur Cursor) client.Request {
	req := client.Request{
		Method:  q.Method,
		URL:     q.Endpoint,
		Header:  q.Header.Clone(),
		Body:    q.Body,
		Timeout: q.Timeout,
	}

	if cur.NextToken != "" && !cur.OffsetFallback && q.Mode != ModeOffset && isLinkToken(cur.NextToken) {
		req.URL = resolveLink(q.Endpoint, cur.NextToken)
		return req
	}

	params := url.Values{}
	for k, vs := range q.Params {
		params[k] = append([]string(nil), vs...)
	}
	if q.PageSize > 0 {
		params.Set(q.PageSizeParam, strconv.Itoa(q.PageSize))
	}

	switch {
	case q.Mode == ModeOffset || cur.OffsetFallback:
		params.Set(q.OffsetParam, q.offsetValue(cur.PageIndex))
	case cur.NextToken != "":
		params.Set(q.TokenParam, cur.NextToken)
	}

	req.Params = params
	return req
}

func (q Query) offsetValue(pageIndex int) string {
	if q.OffsetStyle == OffsetPages {
		return strconv.Itoa(pageIndex + 1)
	}
	return strconv.Itoa(pageIndex * q.PageSize)
}

func isLinkToken(token string) bool {
	return strings.HasPrefix(token, "http://") ||
		strings.HasPrefix(token, "https://") ||
		strings.HasPrefix(token, "/") ||
		strings.HasPrefix(token, "?")
}

func resolveLink(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
