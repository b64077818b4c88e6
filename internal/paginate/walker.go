package paginate

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mdverse/mdverse-harvest/internal/fetcher"
)

// DefaultMaxItems is the per-query ceiling most repositories enforce.
const DefaultMaxItems = 10_000

// Walker walks listings through a fetch pool.
type Walker struct {
	pool     *fetcher.Pool
	maxItems int
}

// NewWalker creates a Walker. maxItems <= 0 selects DefaultMaxItems.
func NewWalker(pool *fetcher.Pool, maxItems int) *Walker {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Walker{pool: pool, maxItems: maxItems}
}

// MaxItems returns the per-listing item ceiling.
func (w *Walker) MaxItems() int { return w.maxItems }

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// WalkOffset probes the listing total with a single-item page, then fetches
// every page concurrently. Failed pages are skipped and reported in
// Result.FailedPages; the remaining pages are returned in page order.
func (w *Walker) WalkOffset(ctx context.Context, name string, src OffsetSource, pageSize int) (Result, error) {
	log := zap.L().With(zap.String("listing", name))
	if pageSize <= 0 {
		return Result{}, eris.Errorf("paginate: invalid page size %d", pageSize)
	}

	var probe OffsetPage
	err := w.pool.Run(ctx, func(ctx context.Context) error {
		var err error
		probe, err = src.FetchPage(ctx, 1, 1)
		return err
	})
	if err != nil {
		log.Error("total probe failed", zap.Error(err))
		return Result{}, eris.Wrapf(ErrProbeFailed, "%s: %v", name, err)
	}

	res := Result{Total: probe.Total}
	if probe.Total <= 0 {
		log.Info("listing is empty")
		return res, nil
	}

	pageMax := ceilDiv(probe.Total, pageSize)
	if limit := ceilDiv(w.maxItems, pageSize); pageMax > limit {
		log.Warn("listing exceeds item ceiling, truncating",
			zap.Int("total", probe.Total),
			zap.Int("max_items", w.maxItems),
			zap.Int("pages", limit),
		)
		pageMax = limit
		res.Truncated = true
	}

	numbers := make([]int, pageMax)
	for i := range numbers {
		numbers[i] = i + 1
	}
	log.Info("walking offset listing", zap.Int("total", probe.Total), zap.Int("pages", pageMax))

	pages := fetcher.FetchAll(ctx, w.pool, numbers, func(ctx context.Context, n int) (Page, error) {
		op, err := src.FetchPage(ctx, n, pageSize)
		if err != nil {
			log.Warn("page skipped", zap.Int("page", n), zap.Error(err))
			return Page{}, err
		}
		return Page{Number: n, Items: op.Items, FetchedAt: time.Now().UTC()}, nil
	})
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })

	got := make(map[int]bool, len(pages))
	for _, p := range pages {
		got[p.Number] = true
	}
	for _, n := range numbers {
		if !got[n] {
			res.FailedPages = append(res.FailedPages, n)
		}
	}
	var cut bool
	res.Pages, cut = w.trim(pages)
	if cut && !res.Truncated {
		log.Warn("listing exceeds item ceiling, truncating",
			zap.Int("total", probe.Total),
			zap.Int("max_items", w.maxItems),
		)
		res.Truncated = true
	}

	log.Info("offset listing walked",
		zap.Int("pages", len(res.Pages)),
		zap.Int("failed_pages", len(res.FailedPages)),
		zap.Int("items", res.Len()),
	)
	return res, nil
}

// WalkCursor follows the listing one page at a time. It stops on an empty
// batch, an empty or repeated cursor, or the item ceiling. A failed page
// aborts the walk; pages fetched before it are kept.
func (w *Walker) WalkCursor(ctx context.Context, name string, src CursorSource, pageSize int) (Result, error) {
	log := zap.L().With(zap.String("listing", name))
	if pageSize <= 0 {
		return Result{}, eris.Errorf("paginate: invalid page size %d", pageSize)
	}

	var (
		res     Result
		cursor  string
		fetched int
	)
	for number := 1; ; number++ {
		if fetched >= w.maxItems {
			log.Warn("listing reached item ceiling, stopping", zap.Int("max_items", w.maxItems))
			res.Truncated = true
			break
		}

		var cp CursorPage
		err := w.pool.Run(ctx, func(ctx context.Context) error {
			var err error
			cp, err = src.FetchPage(ctx, cursor, pageSize)
			return err
		})
		if err != nil {
			log.Error("cursor walk aborted",
				zap.Int("page", number),
				zap.String("cursor", cursor),
				zap.Int("items_kept", fetched),
				zap.Error(err),
			)
			res.Aborted = true
			res.FailedPages = append(res.FailedPages, number)
			break
		}
		if len(cp.Items) == 0 {
			break
		}

		res.Pages = append(res.Pages, Page{Number: number, Cursor: cursor, Items: cp.Items, FetchedAt: time.Now().UTC()})
		fetched += len(cp.Items)
		log.Debug("cursor page fetched", zap.Int("page", number), zap.Int("items", len(cp.Items)))

		if cp.Next == "" {
			break
		}
		if cp.Next == cursor {
			log.Warn("cursor did not advance, stopping", zap.String("cursor", cursor))
			break
		}
		cursor = cp.Next
	}

	var cut bool
	res.Pages, cut = w.trim(res.Pages)
	if cut && !res.Truncated {
		log.Warn("listing reached item ceiling, stopping", zap.Int("max_items", w.maxItems))
		res.Truncated = true
	}
	res.Total = res.Len()
	log.Info("cursor listing walked",
		zap.Int("pages", len(res.Pages)),
		zap.Int("items", res.Total),
		zap.Bool("aborted", res.Aborted),
	)
	return res, nil
}

// trim trims ordered pages so they hold at most maxItems items. It reports
// whether any item was dropped.
func (w *Walker) trim(pages []Page) ([]Page, bool) {
	left := w.maxItems
	for i := range pages {
		n := len(pages[i].Items)
		if n < left {
			left -= n
			continue
		}
		cut := n > left
		for _, p := range pages[i+1:] {
			cut = cut || len(p.Items) > 0
		}
		pages[i].Items = pages[i].Items[:left]
		return pages[:i+1], cut
	}
	return pages, false
}
