// Package api serves the current generation over HTTP and streams snapshots
// over WebSocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"gridmix/internal/derive"
	"gridmix/internal/domain"
	"gridmix/internal/observability"
	"gridmix/internal/publish"
	"gridmix/internal/refresh"
	"gridmix/internal/storage"
)

// DefaultRankingWindow is the number of trailing records ranked when the
// window parameter is absent.
const DefaultRankingWindow = 100

// Reader is the read side of the refresh loop.
type Reader interface {
	Current() *refresh.Generation
	State() refresh.State
	Interval() time.Duration
	Factors() domain.EmissionFactors
}

var _ Reader = (*refresh.Runner)(nil)

// SnapshotCache reads snapshots cached by earlier cycles, possibly from a
// previous process.
type SnapshotCache interface {
	Latest(ctx context.Context) (publish.CachedSnapshot, error)
	History(ctx context.Context, limit int) ([]publish.CachedSnapshot, error)
}

var _ SnapshotCache = (*publish.SnapshotCache)(nil)

// Server is the HTTP read surface.
type Server struct {
	reader          Reader
	hub             *Hub
	energyArchive   storage.EnergyArchive
	emissionArchive storage.EmissionArchive
	cache           SnapshotCache
	metrics         *observability.Metrics
	logger          zerolog.Logger
	router          *gin.Engine
}

// ServerOptions contains configuration for creating a Server.
type ServerOptions struct {
	Reader  Reader
	Hub     *Hub                   // Default: hub with DefaultHubConfig
	Metrics *observability.Metrics // Default: observability.DefaultMetrics
	Logger  *zerolog.Logger

	// Archives back the history endpoints; nil disables them.
	EnergyArchive   storage.EnergyArchive
	EmissionArchive storage.EmissionArchive

	// SnapshotCache serves the last cached snapshot until the first cycle
	// succeeds, and backs the snapshot history endpoint. nil disables both.
	SnapshotCache SnapshotCache
}

// NewServer creates the server and registers its routes.
func NewServer(opts ServerOptions) *Server {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}

	hub := opts.Hub
	if hub == nil {
		hub = NewHub(nil, logger, metrics)
	}

	s := &Server{
		reader:          opts.Reader,
		hub:             hub,
		energyArchive:   opts.EnergyArchive,
		emissionArchive: opts.EmissionArchive,
		cache:           opts.SnapshotCache,
		metrics:         metrics,
		logger:          logger.With().Str("component", "api").Logger(),
	}
	hub.SetInitial(s.initialMessage)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", gin.WrapF(hub.ServeWS))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/snapshot", s.snapshot)
		v1.GET("/snapshot/history", s.snapshotHistory)
		v1.GET("/series", s.series)
		v1.GET("/series/:source", s.sourceSeries)
		v1.GET("/emissions", s.emissions)
		v1.GET("/emissions/:source", s.sourceEmissions)
		v1.GET("/mix", s.mix)
		v1.GET("/ranking", s.ranking)
		v1.GET("/status", s.status)
		v1.GET("/history/energy", s.energyHistory)
		v1.GET("/history/emissions", s.emissionHistory)
	}

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) initialMessage() ([]byte, bool) {
	g := s.reader.Current()
	if g.Snapshot == nil {
		return nil, false
	}
	msg, err := encodeSnapshot(g.CycleID, g)
	if err != nil {
		return nil, false
	}
	return msg, true
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SnapshotResponse is the body of GET /api/v1/snapshot.
type SnapshotResponse struct {
	domain.Snapshot
	Generation  uint64    `json:"generation"`
	RefreshedAt time.Time `json:"refreshed_at"`
	Stale       bool      `json:"stale"`
	Cached      bool      `json:"cached,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func (s *Server) snapshot(c *gin.Context) {
	g := s.reader.Current()
	if g.Snapshot == nil {
		if cs, ok := s.cachedSnapshot(c.Request.Context()); ok {
			c.JSON(http.StatusOK, SnapshotResponse{
				Snapshot:    cs.Snapshot,
				Generation:  cs.Generation,
				RefreshedAt: cs.CachedAt,
				Stale:       true,
				Cached:      true,
				LastError:   g.LastErrorMessage(),
			})
			return
		}
		body := gin.H{"error": refresh.ErrNoData.Error()}
		if g.Stale() {
			body["last_error"] = g.LastErrorMessage()
		}
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	c.JSON(http.StatusOK, SnapshotResponse{
		Snapshot:    *g.Snapshot,
		Generation:  g.Number,
		RefreshedAt: g.RefreshedAt,
		Stale:       g.Stale(),
		LastError:   g.LastErrorMessage(),
	})
}

// cachedSnapshot returns the last cached snapshot. Cache failures are logged
// and treated as a miss.
func (s *Server) cachedSnapshot(ctx context.Context) (publish.CachedSnapshot, bool) {
	if s.cache == nil {
		return publish.CachedSnapshot{}, false
	}
	cs, err := s.cache.Latest(ctx)
	if err != nil {
		if !errors.Is(err, publish.ErrNoSnapshot) {
			s.logger.Warn().Err(err).Msg("read cached snapshot")
		}
		return publish.CachedSnapshot{}, false
	}
	return cs, true
}

func (s *Server) snapshotHistory(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot cache not configured"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	snapshots, err := s.cache.History(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("read snapshot history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot cache unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(snapshots),
		"snapshots": snapshots,
	})
}

// series returns the full series, optionally cut to records after since or
// to the last limit records.
func (s *Server) series(c *gin.Context) {
	g := s.reader.Current()
	records, ok := windowed(c, g.Series, func(r domain.EnergyRecord) time.Time { return r.Timestamp })
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generation": g.Number,
		"count":      len(records),
		"records":    records,
	})
}

func (s *Server) emissions(c *gin.Context) {
	g := s.reader.Current()
	records, ok := windowed(c, g.Emissions, func(r domain.EmissionRecord) time.Time { return r.Timestamp })
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generation": g.Number,
		"unit":       "kg_co2_per_h",
		"factors":    s.reader.Factors(),
		"count":      len(records),
		"records":    records,
	})
}

func (s *Server) sourceSeries(c *gin.Context) {
	source, ok := parseSourceParam(c)
	if !ok {
		return
	}
	g := s.reader.Current()
	points := derive.SourceSeries(g.Series, source)
	points, ok = windowed(c, points, func(p domain.SourcePoint) time.Time { return p.Timestamp })
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generation": g.Number,
		"source":     source,
		"unit":       "mw",
		"points":     points,
	})
}

func (s *Server) sourceEmissions(c *gin.Context) {
	source, ok := parseSourceParam(c)
	if !ok {
		return
	}
	g := s.reader.Current()
	points := derive.SourceEmissionSeries(g.Emissions, source)
	points, ok = windowed(c, points, func(p domain.SourcePoint) time.Time { return p.Timestamp })
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generation": g.Number,
		"source":     source,
		"unit":       "kg_co2_per_h",
		"points":     points,
	})
}

func (s *Server) mix(c *gin.Context) {
	g := s.reader.Current()
	if g.Snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": refresh.ErrNoData.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generation": g.Number,
		"timestamp":  g.Snapshot.Timestamp,
		"mix_mw":     g.Snapshot.Mix,
		"shares":     derive.Shares(*g.Snapshot),
	})
}

func (s *Server) ranking(c *gin.Context) {
	window := DefaultRankingWindow
	if raw := c.Query("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive integer"})
			return
		}
		window = n
	}

	g := s.reader.Current()
	if len(g.Series) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": refresh.ErrNoData.Error()})
		return
	}
	if window > len(g.Series) {
		window = len(g.Series)
	}
	c.JSON(http.StatusOK, gin.H{
		"generation": g.Number,
		"window":     window,
		"ranking":    derive.RankSources(g.Series, window),
	})
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	State           string     `json:"state"`
	Generation      uint64     `json:"generation"`
	SeriesLen       int        `json:"series_len"`
	IntervalSeconds float64    `json:"interval_seconds"`
	LastCycleID     string     `json:"last_cycle_id,omitempty"`
	RefreshedAt     *time.Time `json:"refreshed_at,omitempty"`
	LatestRecord    *time.Time `json:"latest_record,omitempty"`
	Stale           bool       `json:"stale"`
	LastError       string     `json:"last_error,omitempty"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`
	LastGapSeconds  float64    `json:"last_gap_seconds,omitempty"`
	LastGapAt       *time.Time `json:"last_gap_at,omitempty"`
	StreamClients   int        `json:"stream_clients"`
}

func (s *Server) status(c *gin.Context) {
	g := s.reader.Current()
	resp := StatusResponse{
		State:           s.reader.State().String(),
		Generation:      g.Number,
		SeriesLen:       len(g.Series),
		IntervalSeconds: s.reader.Interval().Seconds(),
		LastCycleID:     g.CycleID,
		RefreshedAt:     optionalTime(g.RefreshedAt),
		Stale:           g.Stale(),
		LastError:       g.LastErrorMessage(),
		LastErrorAt:     optionalTime(g.LastErrorAt),
		LastGapSeconds:  g.LastGap.Seconds(),
		LastGapAt:       optionalTime(g.LastGapAt),
		StreamClients:   s.hub.ClientCount(),
	}
	if n := len(g.Series); n > 0 {
		resp.LatestRecord = optionalTime(g.Series[n-1].Timestamp)
	}
	c.JSON(http.StatusOK, resp)
}

// DefaultHistorySpan is the range served when from is absent.
const DefaultHistorySpan = 24 * time.Hour

func (s *Server) energyHistory(c *gin.Context) {
	if s.energyArchive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "energy archive not configured"})
		return
	}
	history(c, s.logger, s.energyArchive.GetByTimeRange)
}

func (s *Server) emissionHistory(c *gin.Context) {
	if s.emissionArchive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "emission archive not configured"})
		return
	}
	history(c, s.logger, s.emissionArchive.GetByTimeRange)
}

// history serves [from, to] from an archive. to defaults to now and from to
// DefaultHistorySpan before to.
func history[T any](c *gin.Context, logger zerolog.Logger, query func(context.Context, time.Time, time.Time) ([]T, error)) {
	to := time.Now().UTC()
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be an RFC3339 timestamp"})
			return
		}
		to = t
	}
	from := to.Add(-DefaultHistorySpan)
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be an RFC3339 timestamp"})
			return
		}
		from = t
	}

	records, err := query(c.Request.Context(), from, to)
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must not be after to"})
		return
	case err != nil:
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("archive query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from":    from,
		"to":      to,
		"count":   len(records),
		"records": records,
	})
}

func parseSourceParam(c *gin.Context) (domain.Source, bool) {
	source, err := domain.ParseSource(c.Param("source"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, false
	}
	return source, true
}

// windowed applies the since (RFC3339, exclusive) and limit query parameters
// to an ascending slice. It writes a 400 and returns false on bad parameters.
func windowed[T any](c *gin.Context, items []T, ts func(T) time.Time) ([]T, bool) {
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC3339 timestamp"})
			return nil, false
		}
		i := sort.Search(len(items), func(i int) bool { return ts(items[i]).After(since) })
		items = items[i:]
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return nil, false
		}
		if n < len(items) {
			items = items[len(items)-n:]
		}
	}
	return items, true
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
