// Package refresh runs the periodic fetch, merge and derive cycle and
// publishes the resulting generations.
package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gridmix/internal/derive"
	"gridmix/internal/domain"
	"gridmix/internal/feed"
	"gridmix/internal/observability"
	"gridmix/internal/series"
)

var (
	// ErrNoData is returned by Snapshot before any record has been ingested.
	ErrNoData = errors.New("no data yet")

	// ErrNoFeed is returned by NewRunner when RunnerOptions.Feed is nil.
	ErrNoFeed = errors.New("refresh: feed is required")
)

// Default configuration values.
const (
	DefaultInterval     = 300 * time.Second
	DefaultFetchTimeout = 30 * time.Second
	DefaultSinkTimeout  = 10 * time.Second
)

// Runner owns the series store and drives refresh cycles.
type Runner struct {
	feed         feed.Source
	store        *series.Store
	factors      domain.EmissionFactors
	interval     time.Duration
	fetchTimeout time.Duration
	sinkTimeout  time.Duration
	sinks        []Sink
	logger       zerolog.Logger
	metrics      *observability.Metrics
	now          func() time.Time

	cycleMu sync.Mutex // one cycle at a time
	state   atomic.Int32
	current atomic.Pointer[Generation]
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Feed         feed.Source             // Required
	Store        *series.Store           // Default: unbounded store
	Factors      *domain.EmissionFactors // Default: domain.DefaultEmissionFactors()
	Interval     time.Duration           // Default: 300s
	FetchTimeout time.Duration           // Default: 30s
	SinkTimeout  time.Duration           // Default: 10s per sink
	Sinks        []Sink
	Logger       *zerolog.Logger
	Metrics      *observability.Metrics
	Now          func() time.Time
}

// NewRunner creates a new refresh runner. It returns ErrNoFeed when
// opts.Feed is nil.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Feed == nil {
		return nil, ErrNoFeed
	}

	store := opts.Store
	if store == nil {
		store = series.NewStore(series.Retention{})
	}

	factors := domain.DefaultEmissionFactors()
	if opts.Factors != nil {
		factors = *opts.Factors
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}

	sinkTimeout := opts.SinkTimeout
	if sinkTimeout <= 0 {
		sinkTimeout = DefaultSinkTimeout
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r := &Runner{
		feed:         opts.Feed,
		store:        store,
		factors:      factors,
		interval:     interval,
		fetchTimeout: fetchTimeout,
		sinkTimeout:  sinkTimeout,
		sinks:        opts.Sinks,
		logger:       logger.With().Str("component", "refresh").Logger(),
		metrics:      metrics,
		now:          now,
	}

	records, gen := store.Snapshot()
	r.current.Store(r.build(records, gen, &Generation{}))
	return r, nil
}

// Run performs one cycle immediately and then one per interval until ctx is
// cancelled. Cycles never overlap; a slow cycle delays the next tick.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("interval", r.interval).
		Dur("fetch_timeout", r.fetchTimeout).
		Int("sinks", len(r.sinks)).
		Msg("refresh loop starting")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		// Failures are logged and published inside RunOnce; the next tick is the retry.
		_, _ = r.RunOnce(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("refresh loop stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single fetch, merge, derive and publish cycle and returns
// the generation it published. On failure the store is left untouched and a
// stale generation carrying the error is published instead.
func (r *Runner) RunOnce(ctx context.Context) (*Generation, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	cycleID := uuid.NewString()
	logger := r.logger.With().Str("cycle_id", cycleID).Logger()
	start := r.now()

	r.setState(StateRefreshing)
	defer r.setState(StateIdle)

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	fetchStart := time.Now()
	page, err := r.feed.FetchPage(fetchCtx)
	cancel()
	r.metrics.FetchDuration.Observe(time.Since(fetchStart).Seconds())

	if ctx.Err() != nil {
		// Shutdown mid-cycle: nothing merged, nothing published.
		r.metrics.RecordCycle(observability.StatusCancelled, time.Since(fetchStart).Seconds())
		logger.Debug().Msg("refresh cancelled")
		return r.Current(), ctx.Err()
	}
	if err != nil {
		return r.fail(logger, cycleID, start, err), err
	}

	res, err := r.store.Merge(page)
	if err != nil {
		return r.fail(logger, cycleID, start, err), err
	}

	records, gen := r.store.Snapshot()
	prev := r.Current()
	next := r.build(records, gen, prev)
	next.CycleID = cycleID
	next.RefreshedAt = r.now()
	next.LastError = nil
	next.LastErrorAt = time.Time{}
	if res.HasGap() {
		next.LastGap = res.Gap
		next.LastGapAt = next.RefreshedAt
	}
	r.current.Store(next)

	took := next.RefreshedAt.Sub(start)
	r.metrics.RecordCycle(observability.StatusSuccess, took.Seconds())
	r.metrics.RecordMerge(res.Scanned, len(res.Appended), res.Evicted, len(records), gen)
	r.metrics.LastSuccessfulRefresh.Set(float64(next.RefreshedAt.Unix()))
	if next.Snapshot != nil {
		r.metrics.RecordSnapshot(*next.Snapshot)
	}

	if res.HasGap() {
		r.metrics.RecordGap(res.Gap.Seconds())
		logger.Warn().
			Dur("gap", res.Gap).
			Int("appended", len(res.Appended)).
			Msg("feed page did not reach known tail, series may have a gap")
	}

	logger.Info().
		Int("page", len(page)).
		Int("appended", len(res.Appended)).
		Int("evicted", res.Evicted).
		Int("series_len", len(records)).
		Uint64("generation", gen).
		Dur("took", took).
		Msg("refresh complete")

	r.notify(ctx, logger, &Update{
		CycleID:           cycleID,
		Generation:        next,
		Merge:             res,
		AppendedEmissions: derive.Emissions(res.Appended, r.factors),
	})

	return next, nil
}

// build derives a generation for records. When the store generation did not
// change the derived slices of prev are reused.
func (r *Runner) build(records []domain.EnergyRecord, gen uint64, prev *Generation) *Generation {
	next := *prev
	if prev.Series != nil && prev.Number == gen {
		return &next
	}

	next.Number = gen
	next.Series = records
	next.Emissions = derive.Emissions(records, r.factors)
	next.Snapshot = nil
	if snap, err := derive.Reduce(records, r.factors); err == nil {
		next.Snapshot = &snap
	}
	return &next
}

func (r *Runner) fail(logger zerolog.Logger, cycleID string, start time.Time, err error) *Generation {
	status := observability.StatusError
	level := zerolog.ErrorLevel
	msg := "refresh failed"

	switch {
	case errors.Is(err, feed.ErrFeedSchema):
		status, msg = observability.StatusSchema, "feed schema mismatch, cycle abandoned"
	case errors.Is(err, series.ErrInvalidOrdering):
		status, msg = observability.StatusOrdering, "feed page out of order, cycle abandoned"
	case errors.Is(err, feed.ErrFeedUnavailable):
		status, msg = observability.StatusUnavailable, "feed unavailable, retrying next tick"
		level = zerolog.WarnLevel
	}

	now := r.now()
	r.metrics.RecordCycle(status, now.Sub(start).Seconds())
	logger.WithLevel(level).Err(err).Msg(msg)

	next := r.Current().withError(cycleID, err, now)
	r.current.Store(next)
	return next
}

func (r *Runner) notify(ctx context.Context, logger zerolog.Logger, u *Update) {
	for _, sink := range r.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, r.sinkTimeout)
		start := time.Now()
		err := sink.Publish(sinkCtx, u)
		cancel()

		r.metrics.RecordSink(sink.Name(), time.Since(start).Seconds(), err)
		if err != nil {
			logger.Error().Err(err).Str("sink", sink.Name()).Msg("sink publish failed")
		}
	}
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	if s == StateRefreshing {
		r.metrics.Refreshing.Set(1)
	} else {
		r.metrics.Refreshing.Set(0)
	}
}

// State returns the current loop state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Interval returns the refresh period.
func (r *Runner) Interval() time.Duration {
	return r.interval
}

// Factors returns the emission factors in use.
func (r *Runner) Factors() domain.EmissionFactors {
	return r.factors
}

// Current returns the latest published generation. Never nil.
func (r *Runner) Current() *Generation {
	return r.current.Load()
}

// Series returns the series of the latest generation. Must not be modified.
func (r *Runner) Series() []domain.EnergyRecord {
	return r.Current().Series
}

// Emissions returns the emission series of the latest generation.
func (r *Runner) Emissions() []domain.EmissionRecord {
	return r.Current().Emissions
}

// Snapshot returns the snapshot of the latest generation, or ErrNoData.
func (r *Runner) Snapshot() (domain.Snapshot, error) {
	g := r.Current()
	if g.Snapshot == nil {
		return domain.Snapshot{}, ErrNoData
	}
	return *g.Snapshot, nil
}
