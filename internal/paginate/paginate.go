// Package paginate walks offset- and cursor-paginated listings into an
// ordered sequence of pages.
package paginate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// ErrProbeFailed is returned when the total-count probe of an offset listing
// produced no response. A listing whose size is unknown cannot be walked.
var ErrProbeFailed = eris.New("paginate: total probe failed")

// Page is one fetched page of raw items.
type Page struct {
	// Number is 1-based in both styles.
	Number int
	// Cursor is the cursor that was sent to obtain this page (cursor style).
	Cursor    string
	Items     []json.RawMessage
	FetchedAt time.Time
}

// OffsetPage is what an offset listing returns for one page.
type OffsetPage struct {
	Total int
	Items []json.RawMessage
}

// OffsetSource fetches numbered pages. Page numbers start at 1.
type OffsetSource interface {
	FetchPage(ctx context.Context, page, size int) (OffsetPage, error)
}

// OffsetFunc adapts a function to OffsetSource.
type OffsetFunc func(ctx context.Context, page, size int) (OffsetPage, error)

// FetchPage implements OffsetSource.
func (f OffsetFunc) FetchPage(ctx context.Context, page, size int) (OffsetPage, error) {
	return f(ctx, page, size)
}

// CursorPage is what a cursor listing returns for one page. An empty Next
// means the listing is exhausted.
type CursorPage struct {
	Items []json.RawMessage
	Next  string
}

// CursorSource fetches the page following cursor. The first page is
// requested with an empty cursor.
type CursorSource interface {
	FetchPage(ctx context.Context, cursor string, size int) (CursorPage, error)
}

// CursorFunc adapts a function to CursorSource.
type CursorFunc func(ctx context.Context, cursor string, size int) (CursorPage, error)

// FetchPage implements CursorSource.
func (f CursorFunc) FetchPage(ctx context.Context, cursor string, size int) (CursorPage, error) {
	return f(ctx, cursor, size)
}

// Result is the outcome of walking one listing.
type Result struct {
	Pages []Page
	// Total is the server-reported total (offset) or the number of items
	// collected (cursor).
	Total       int
	Truncated   bool
	Aborted     bool
	FailedPages []int
}

// Items flattens the pages in order.
func (r Result) Items() []json.RawMessage {
	var out []json.RawMessage
	for _, p := range r.Pages {
		out = append(out, p.Items...)
	}
	return out
}

// Len returns the number of items across all pages.
func (r Result) Len() int {
	n := 0
	for _, p := range r.Pages {
		n += len(p.Items)
	}
	return n
}
