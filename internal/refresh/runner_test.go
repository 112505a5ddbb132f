package refresh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmix/internal/derive"
	"gridmix/internal/domain"
	"gridmix/internal/feed"
	"gridmix/internal/feed/stub"
	"gridmix/internal/observability"
	"gridmix/internal/series"
	"gridmix/internal/storage/memory"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(i int) time.Time {
	return t0.Add(time.Duration(i) * 15 * time.Minute)
}

type recordingSink struct {
	name string
	err  error

	mu      sync.Mutex
	updates []*Update
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, u *Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func newTestRunner(t *testing.T, src feed.Source, opts RunnerOptions) (*Runner, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	logger := zerolog.Nop()

	opts.Feed = src
	opts.Metrics = metrics
	opts.Logger = &logger
	runner, err := NewRunner(opts)
	require.NoError(t, err)
	return runner, metrics
}

func TestNewRunner_RequiresFeed(t *testing.T) {
	runner, err := NewRunner(RunnerOptions{})
	assert.ErrorIs(t, err, ErrNoFeed)
	assert.Nil(t, runner)
}

func TestRunner_SnapshotBeforeData(t *testing.T) {
	runner, _ := newTestRunner(t, stub.NewFeed(), RunnerOptions{})

	_, err := runner.Snapshot()
	assert.ErrorIs(t, err, ErrNoData)
	assert.Empty(t, runner.Series())
	assert.Empty(t, runner.Emissions())
	assert.Equal(t, StateIdle, runner.State())
	assert.NotNil(t, runner.Current())
}

func TestRunner_RunOnce_Success(t *testing.T) {
	src := stub.NewFeed().PushPage(stub.Window(at(3), 15*time.Minute, 3))
	sink := &recordingSink{name: "rec"}
	runner, metrics := newTestRunner(t, src, RunnerOptions{Sinks: []Sink{sink}})

	gen, err := runner.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, gen.Series, 3)
	assert.Equal(t, at(1), gen.Series[0].Timestamp)
	assert.Equal(t, at(3), gen.Series[2].Timestamp)
	require.Len(t, gen.Emissions, 3)
	assert.False(t, gen.Stale())
	assert.NotEmpty(t, gen.CycleID)

	snap, err := runner.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, at(3), snap.Timestamp)
	assert.Equal(t, 100.0, snap.CurrentPowerMW)
	assert.InDelta(t, 7.89, snap.EmissionRateKgPerKWh, 1e-9)

	require.Equal(t, 1, sink.count())
	u := sink.updates[0]
	assert.Equal(t, gen.CycleID, u.CycleID)
	assert.Len(t, u.Merge.Appended, 3)
	assert.Len(t, u.AppendedEmissions, 3)
	assert.Same(t, gen, u.Generation)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues(observability.StatusSuccess)))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.SeriesLength))
	assert.Equal(t, StateIdle, runner.State())
}

func TestRunner_GenerationIsConsistent(t *testing.T) {
	src := stub.NewFeed().
		PushPage(stub.Window(at(3), 15*time.Minute, 3)).
		PushPage(stub.Page(
			stub.Record(at(5), 410, map[domain.Source]float64{domain.SourceCharbon: 90, domain.SourceEolien: -5}),
			stub.Record(at(4), 405, map[domain.Source]float64{domain.SourceCharbon: 95}),
			stub.Record(at(3), 100, nil),
		))
	runner, _ := newTestRunner(t, src, RunnerOptions{})

	for i := 0; i < 2; i++ {
		_, err := runner.RunOnce(context.Background())
		require.NoError(t, err)
	}

	gen := runner.Current()
	require.Len(t, gen.Series, 5)
	assert.Equal(t, derive.Emissions(gen.Series, domain.DefaultEmissionFactors()), gen.Emissions)

	require.NotNil(t, gen.Snapshot)
	last := gen.Series[len(gen.Series)-1]
	assert.Equal(t, last.Timestamp, gen.Snapshot.Timestamp)
	assert.Equal(t, last.Total, gen.Snapshot.CurrentPowerMW)
	assert.InDelta(t, gen.Emissions[len(gen.Emissions)-1].Emission.Sum()/1000, gen.Snapshot.EmissionRateKgPerKWh, 1e-9)
	assert.Equal(t, 0.0, last.Power[domain.SourceEolien])
}

func TestRunner_FeedUnavailableKeepsPreviousData(t *testing.T) {
	src := stub.NewFeed().
		PushPage(stub.Window(at(3), 15*time.Minute, 3)).
		PushError(feed.ErrFeedUnavailable)
	sink := &recordingSink{name: "rec"}
	runner, metrics := newTestRunner(t, src, RunnerOptions{Sinks: []Sink{sink}})

	first, err := runner.RunOnce(context.Background())
	require.NoError(t, err)

	stale, err := runner.RunOnce(context.Background())
	require.ErrorIs(t, err, feed.ErrFeedUnavailable)

	assert.True(t, stale.Stale())
	assert.Contains(t, stale.LastErrorMessage(), "unavailable")
	assert.Equal(t, first.Series, stale.Series)
	assert.Equal(t, first.Snapshot, stale.Snapshot)
	assert.Equal(t, first.Number, stale.Number)
	assert.Same(t, stale, runner.Current())

	snap, err := runner.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, at(3), snap.Timestamp)

	assert.Equal(t, 1, sink.count(), "sinks are only notified on success")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues(observability.StatusUnavailable)))
}

func TestRunner_RecoversAfterFailure(t *testing.T) {
	src := stub.NewFeed().
		PushError(feed.ErrFeedUnavailable).
		PushPage(stub.Window(at(2), 15*time.Minute, 2))
	runner, _ := newTestRunner(t, src, RunnerOptions{})

	_, err := runner.RunOnce(context.Background())
	require.Error(t, err)
	_, err = runner.Snapshot()
	assert.ErrorIs(t, err, ErrNoData)

	gen, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, gen.Stale())
	assert.Len(t, gen.Series, 2)
}

func TestRunner_SchemaAndOrderingErrors(t *testing.T) {
	tests := []struct {
		name   string
		push   func(*stub.Feed)
		target error
		status string
	}{
		{
			name:   "schema",
			push:   func(f *stub.Feed) { f.PushError(feed.ErrFeedSchema) },
			target: feed.ErrFeedSchema,
			status: observability.StatusSchema,
		},
		{
			name:   "ordering",
			push:   func(f *stub.Feed) { f.PushPage(stub.Page(stub.Record(at(5), 1, nil), stub.Record(at(6), 1, nil))) },
			target: series.ErrInvalidOrdering,
			status: observability.StatusOrdering,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := stub.NewFeed().PushPage(stub.Window(at(3), 15*time.Minute, 3))
			tt.push(src)
			store := series.NewStore(series.Retention{})
			runner, metrics := newTestRunner(t, src, RunnerOptions{Store: store})

			_, err := runner.RunOnce(context.Background())
			require.NoError(t, err)
			before := store.Records()

			gen, err := runner.RunOnce(context.Background())
			require.ErrorIs(t, err, tt.target)

			assert.True(t, gen.Stale())
			assert.Equal(t, before, store.Records())
			assert.Equal(t, uint64(1), store.Generation())
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues(tt.status)))
		})
	}
}

func TestRunner_OutOfRangeReadingRejected(t *testing.T) {
	bodies := []string{
		`{"records": [{"fields": {"date": "2024-03-01T12:00:00+00:00", "total": 100, "diesel": 10, "hydraulique": 5}}]}`,
		`{"records": [{"fields": {"date": "2024-03-01T12:15:00+00:00", "total": 100, "eolien": 1e400}}]}`,
	}
	var served atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		i := int(served.Add(1)) - 1
		if i >= len(bodies) {
			i = len(bodies) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(bodies[i]))
	}))
	t.Cleanup(srv.Close)

	store := series.NewStore(series.Retention{})
	runner, metrics := newTestRunner(t, feed.NewHTTPClient(srv.URL), RunnerOptions{Store: store})

	_, err := runner.RunOnce(context.Background())
	require.NoError(t, err)

	for range 2 {
		var gen *Generation
		require.NotPanics(t, func() {
			gen, err = runner.RunOnce(context.Background())
		})
		require.ErrorIs(t, err, feed.ErrFeedSchema)
		assert.True(t, gen.Stale())
	}

	assert.Equal(t, 1, store.Len(), "rejected page must not be merged")
	snap, err := runner.Snapshot()
	require.NoError(t, err)
	assert.InDelta(t, 7.89, snap.EmissionRateKgPerKWh, 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues(observability.StatusSchema)))
}

func TestRunner_SinkFailureDoesNotFailCycle(t *testing.T) {
	src := stub.NewFeed().PushPage(stub.Window(at(1), 15*time.Minute, 1))
	failing := &recordingSink{name: "broken", err: errors.New("connection refused")}
	ok := &recordingSink{name: "ok"}
	runner, metrics := newTestRunner(t, src, RunnerOptions{Sinks: []Sink{failing, ok}})

	gen, err := runner.RunOnce(context.Background())
	require.NoError(t, err)

	assert.False(t, gen.Stale())
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SinkErrors.WithLabelValues("broken")))
}

func TestRunner_NoOpCycleReusesDerivedData(t *testing.T) {
	page := stub.Window(at(2), 15*time.Minute, 2)
	src := stub.NewFeed().PushPage(page)
	sink := &recordingSink{name: "rec"}
	runner, _ := newTestRunner(t, src, RunnerOptions{Sinks: []Sink{sink}})

	first, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	second, err := runner.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Number, second.Number)
	assert.Equal(t, first.Series, second.Series)
	assert.NotEqual(t, first.CycleID, second.CycleID)
	assert.Equal(t, 2, sink.count())
	assert.Empty(t, sink.updates[1].Merge.Appended)
}

func TestRunner_GapSurfaced(t *testing.T) {
	src := stub.NewFeed().
		PushPage(stub.Window(at(2), 15*time.Minute, 2)).
		PushPage(stub.Window(at(8), 15*time.Minute, 2))
	runner, metrics := newTestRunner(t, src, RunnerOptions{})

	_, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	gen, err := runner.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, at(7).Sub(at(2)), gen.LastGap)
	assert.False(t, gen.LastGapAt.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GapsDetected))
}

func TestRunner_FetchTimeout(t *testing.T) {
	src := stub.NewFeed().PushPage(stub.Window(at(1), 15*time.Minute, 1)).WithDelay(time.Second)
	runner, _ := newTestRunner(t, src, RunnerOptions{FetchTimeout: 20 * time.Millisecond})

	gen, err := runner.RunOnce(context.Background())
	require.ErrorIs(t, err, feed.ErrFeedUnavailable)
	assert.True(t, gen.Stale())
	assert.Empty(t, runner.Series())
}

func TestRunner_CancelledMidFetch(t *testing.T) {
	src := stub.NewFeed().PushPage(stub.Window(at(1), 15*time.Minute, 1)).WithDelay(time.Second)
	runner, _ := newTestRunner(t, src, RunnerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	gen, err := runner.RunOnce(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, gen.Stale(), "shutdown is not reported as a feed failure")
	assert.Empty(t, runner.Series())
}

func TestRunner_RunIsSequential(t *testing.T) {
	src := stub.NewFeed().PushPage(stub.Window(at(1), 15*time.Minute, 1)).WithDelay(15 * time.Millisecond)
	runner, _ := newTestRunner(t, src, RunnerOptions{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool { return src.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	assert.Equal(t, 1, src.MaxConcurrent())
	assert.Len(t, runner.Series(), 1)
}

func TestRunner_RunFirstCycleImmediate(t *testing.T) {
	src := stub.NewFeed().PushPage(stub.Window(at(1), 15*time.Minute, 1))
	runner, _ := newTestRunner(t, src, RunnerOptions{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := runner.Snapshot()
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRunner_CustomFactors(t *testing.T) {
	factors, err := domain.DefaultEmissionFactors().WithOverrides(map[string]float64{"diesel": 1000})
	require.NoError(t, err)

	src := stub.NewFeed().PushPage(stub.Window(at(1), 15*time.Minute, 1))
	runner, _ := newTestRunner(t, src, RunnerOptions{Factors: &factors})

	_, err = runner.RunOnce(context.Background())
	require.NoError(t, err)

	snap, err := runner.Snapshot()
	require.NoError(t, err)
	assert.InDelta(t, 10.12, snap.EmissionRateKgPerKWh, 1e-9)
	assert.Equal(t, factors, runner.Factors())
}

func TestArchiveSink(t *testing.T) {
	energy := memory.NewEnergyArchive()
	emissions := memory.NewEmissionArchive()
	sink := NewArchiveSink("", energy, emissions)
	assert.Equal(t, "archive", sink.Name())

	src := stub.NewFeed().
		PushPage(stub.Window(at(2), 15*time.Minute, 2)).
		PushPage(stub.Window(at(3), 15*time.Minute, 3))
	runner, _ := newTestRunner(t, src, RunnerOptions{Sinks: []Sink{sink}})

	for i := 0; i < 2; i++ {
		_, err := runner.RunOnce(context.Background())
		require.NoError(t, err)
	}

	ctx := context.Background()
	n, err := energy.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = emissions.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	latest, err := emissions.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7770.0, latest.Emission[domain.SourceDiesel])
}
