package pagination

// Cursor is the state needed to request the next page.
// The zero value requests the first page.
type Cursor struct {
	// NextToken is the server-provided continuation, empty when absent.
	NextToken string

	// PageIndex is the 0-based index of the page this cursor requests.
	// Once exhausted it equals the number of pages fetched.
	PageIndex int

	// Exhausted is terminal: no further pages.
	Exhausted bool

	// OffsetFallback marks offset-based advancement without a server token.
	OffsetFallback bool
}

// Advance derives the cursor for the page after page.
//
//   - a next token continues with that token
//   - no token and a full page (len >= pageSize) continues by offset
//   - otherwise the cursor is exhausted
//
// Continuing to a page index >= maxPages returns ErrPageLimitExceeded and the
// unchanged cursor. An exhausted cursor is returned as is.
func Advance(cur Cursor, page *PageResult, pageSize, maxPages int) (Cursor, error) {
	if cur.Exhausted {
		return cur, nil
	}

	next := Cursor{PageIndex: cur.PageIndex + 1}
	switch {
	case page.NextToken != "":
		next.NextToken = page.NextToken
	case pageSize > 0 && len(page.Records) >= pageSize:
		next.OffsetFallback = true
	default:
		next.Exhausted = true
		next.OffsetFallback = cur.OffsetFallback
		return next, nil
	}

	if maxPages > 0 && next.PageIndex >= maxPages {
		return cur, ErrPageLimitExceeded
	}
	return next, nil
}
