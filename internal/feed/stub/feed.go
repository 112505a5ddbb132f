// Package stub provides a scripted feed.Source for tests and offline runs.
package stub

import (
	"context"
	"errors"
	"sync"
	"time"

	"gridmix/internal/domain"
	"gridmix/internal/feed"
)

// ErrExhausted is returned when no scripted response remains and repeat is off.
var ErrExhausted = errors.New("stub feed exhausted")

type response struct {
	page []domain.RawRecord
	err  error
}

// Feed implements feed.Source by replaying scripted responses in order.
// Once the script is consumed the last response is repeated.
type Feed struct {
	mu        sync.Mutex
	responses []response
	next      int
	calls     int
	inFlight  int
	maxFlight int
	delay     time.Duration
}

// NewFeed creates an empty stub feed.
func NewFeed() *Feed {
	return &Feed{}
}

// PushPage appends a page to the script.
func (f *Feed) PushPage(page []domain.RawRecord) *Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{page: page})
	return f
}

// PushError appends a failure to the script.
func (f *Feed) PushError(err error) *Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{err: err})
	return f
}

// WithDelay makes every fetch block for d (or until ctx is done).
func (f *Feed) WithDelay(d time.Duration) *Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// FetchPage returns the next scripted response.
func (f *Feed) FetchPage(ctx context.Context) ([]domain.RawRecord, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, errors.Join(feed.ErrFeedUnavailable, ctx.Err())
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.responses) == 0 {
		return nil, ErrExhausted
	}
	idx := f.next
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	} else {
		f.next++
	}
	r := f.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	out := make([]domain.RawRecord, len(r.page))
	copy(out, r.page)
	return out, nil
}

// Calls returns how many times FetchPage was invoked.
func (f *Feed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// MaxConcurrent returns the highest number of overlapping FetchPage calls seen.
func (f *Feed) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFlight
}

// Record builds a raw record at ts with the given per-source power.
func Record(ts time.Time, total float64, power map[domain.Source]float64) domain.RawRecord {
	p := make(map[domain.Source]float64, len(power))
	for s, v := range power {
		p[s] = v
	}
	return domain.RawRecord{Timestamp: ts, Total: total, Power: p}
}

// Page returns its arguments as a page. Pass records newest-first.
func Page(records ...domain.RawRecord) []domain.RawRecord {
	return records
}

// Window builds a newest-first page of n records ending at newest, spaced by
// step. Each record carries a fixed mix so tests can reason about totals.
func Window(newest time.Time, step time.Duration, n int) []domain.RawRecord {
	page := make([]domain.RawRecord, 0, n)
	for i := 0; i < n; i++ {
		ts := newest.Add(-time.Duration(i) * step)
		page = append(page, Record(ts, 100, map[domain.Source]float64{
			domain.SourceDiesel:      10,
			domain.SourceHydraulique: 5,
		}))
	}
	return page
}

var _ feed.Source = (*Feed)(nil)
