package mtm

import (
	"context"
	"time"
)

// PageIterator walks the meetings in a window page by page. Each Next call
// issues at most one request; after Close or a cancelled context it issues
// none.
//
//	it := client.Paginate(token, from, to)
//	defer it.Close()
//	for it.Next(ctx) {
//		handle(it.Page().Meetings)
//	}
//	if err := it.Err(); err != nil { ... }
type PageIterator struct {
	client   *Client
	token    string
	from, to time.Time
	pageSize int

	next   int
	page   *Page
	err    error
	done   bool
	closed bool
}

// Paginate starts a fresh iteration from page 1.
func (c *Client) Paginate(accessToken string, from, to time.Time) *PageIterator {
	return &PageIterator{
		client:   c,
		token:    accessToken,
		from:     from,
		to:       to,
		pageSize: c.pageSize,
		next:     1,
	}
}

func (it *PageIterator) Next(ctx context.Context) bool {
	if it.closed || it.done || it.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}

	page, err := it.client.ListMeetings(ctx, it.token, it.from, it.to, it.next, it.pageSize)
	if err != nil {
		it.err = err
		it.page = nil
		return false
	}
	it.page = page
	it.next++
	if !page.Pagination.HasNext || len(page.Meetings) == 0 {
		it.done = true
	}
	return true
}

// Page is the page fetched by the last successful Next.
func (it *PageIterator) Page() *Page { return it.page }

func (it *PageIterator) Err() error { return it.err }

// PagesFetched reports how many pages were returned so far.
func (it *PageIterator) PagesFetched() int { return it.next - 1 }

// Close abandons the iteration. It is safe to call more than once.
func (it *PageIterator) Close() {
	it.closed = true
	it.page = nil
}
