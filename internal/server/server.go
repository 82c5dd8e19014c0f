// Package server exposes the trend, risk and real-time analyses over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/setevik/fleetrisk/internal/classifier"
	"github.com/setevik/fleetrisk/internal/config"
	"github.com/setevik/fleetrisk/internal/metrics"
	"github.com/setevik/fleetrisk/internal/realtime"
	"github.com/setevik/fleetrisk/internal/reporter"
	"github.com/setevik/fleetrisk/internal/risk"
	"github.com/setevik/fleetrisk/internal/source"
	"github.com/setevik/fleetrisk/internal/trends"
)

// DefaultTrendDays is the trailing window of a trend request without dates.
const DefaultTrendDays = 30

// Analysis operation names, used as metric labels.
const (
	opTrends   = "trends"
	opRisk     = "risk"
	opRealtime = "realtime"
)

// Server is the fleetrisk HTTP API.
type Server struct {
	cfg      *config.Config
	trends   *trends.Aggregator
	scorer   *risk.Scorer
	analyzer *realtime.Analyzer
	ping     func(context.Context) error
	now      func() time.Time
	logger   *slog.Logger

	router  *gin.Engine
	httpSrv *http.Server
	ready   atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock overrides the time source used for default trend windows.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithHealthCheck sets the probe behind /health, usually a database ping.
func WithHealthCheck(ping func(context.Context) error) Option {
	return func(s *Server) { s.ping = ping }
}

// New wires the analysis components over st and builds the router.
func New(cfg *config.Config, st source.Store, opts ...Option) (*Server, error) {
	model := cfg.RiskModel()
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("risk model: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.trends = trends.New(st, cfg.DB.FetchLimit).WithLogger(s.logger)
	s.scorer = risk.New(st, model).WithLogger(s.logger).WithClock(s.now)
	s.analyzer = realtime.New(st, cfg.DB.FetchLimit).WithLogger(s.logger).WithClock(s.now)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.ready.Store(true)
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.timeoutMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// timeoutMiddleware bounds every request's context so store fetches give up
// with the client.
func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	timeout := s.cfg.Server.RequestTimeout.Duration
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			s.logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			s.logger.Warn("request completed", attrs...)
		default:
			s.logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/reports/violation-trends", s.trendsHandler)
		v1.GET("/reports/driver-risk", s.riskHandler)
		v1.GET("/analytics/real-time", s.realtimeHandler)
	}
}

// TrendRequest is the body of a violation trend request. Dates accept
// RFC 3339 or YYYY-MM-DD.
type TrendRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	GroupBy   string `json:"group_by"`
	Days      int    `json:"days"`
	EntityID  string `json:"driver_uuid"`
}

func (s *Server) trendsHandler(c *gin.Context) {
	var req TrendRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid_request", "Malformed JSON body: "+err.Error())
			return
		}
	}

	start, end, err := s.trendWindow(req)
	if err != nil {
		s.writeError(c, opTrends, err)
		return
	}

	began := time.Now()
	res, err := s.trends.Run(c.Request.Context(), trends.Query{
		GroupBy:  req.GroupBy,
		Start:    start,
		End:      end,
		EntityID: req.EntityID,
	})
	metrics.ObserveAnalysis(opTrends, began, err, errorKind)
	if err != nil {
		s.writeError(c, opTrends, err)
		return
	}
	report := reporter.BuildTrendReport(res.Buckets, start, end)
	report.Truncated = res.Truncated
	c.JSON(http.StatusOK, report)
}

// trendWindow resolves the request dates. Without a start date the window
// is the trailing Days (default 30) ending now.
func (s *Server) trendWindow(req TrendRequest) (time.Time, time.Time, error) {
	if req.Days < 0 {
		return time.Time{}, time.Time{}, &source.InvalidRangeError{Reason: fmt.Sprintf("days must be positive, got %d", req.Days)}
	}
	if req.Days > risk.MaxDaysHistory {
		return time.Time{}, time.Time{}, &source.InvalidRangeError{Reason: fmt.Sprintf("days must be at most %d, got %d", risk.MaxDaysHistory, req.Days)}
	}
	if strings.TrimSpace(req.StartDate) == "" {
		days := req.Days
		if days == 0 {
			days = DefaultTrendDays
		}
		end := s.now()
		return end.Add(-time.Duration(days) * 24 * time.Hour), end, nil
	}

	start, err := parseDate("start_date", req.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end := s.now()
	if strings.TrimSpace(req.EndDate) != "" {
		if end, err = parseDate("end_date", req.EndDate); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return start, end, nil
}

func parseDate(field, raw string) (time.Time, error) {
	t, ok := classifier.ParseTime(strings.TrimSpace(raw))
	if !ok {
		return time.Time{}, &source.InvalidRangeError{Reason: fmt.Sprintf("%s: unrecognized date %q", field, raw)}
	}
	return t, nil
}

func (s *Server) riskHandler(c *gin.Context) {
	days := s.cfg.Risk.DaysHistory
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "invalid_range", fmt.Sprintf("days must be a positive integer, got %q", raw))
			return
		}
		if n > risk.MaxDaysHistory {
			badRequest(c, "invalid_range", fmt.Sprintf("days must be at most %d, got %d", risk.MaxDaysHistory, n))
			return
		}
		days = n
	}

	began := time.Now()
	profiles, err := s.scorer.Score(c.Request.Context(), risk.Query{
		DaysHistory: days,
		EntityID:    c.Query("driver_uuid"),
	})
	metrics.ObserveAnalysis(opRisk, began, err, errorKind)
	if err != nil {
		s.writeError(c, opRisk, err)
		return
	}

	report := reporter.BuildRiskReport(profiles)
	if c.Query("driver_uuid") == "" {
		metrics.HighRiskDrivers.Set(float64(report.HighRiskCount))
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) realtimeHandler(c *gin.Context) {
	timeframe := c.DefaultQuery("timeframe", s.cfg.Realtime.DefaultTimeframe)

	began := time.Now()
	w, err := s.analyzer.Analyze(c.Request.Context(), timeframe, c.Query("driver_uuid"))
	metrics.ObserveAnalysis(opRealtime, began, err, errorKind)
	if err != nil {
		s.writeError(c, opRealtime, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)
	status, httpStatus := "healthy", http.StatusOK

	if !s.ready.Load() {
		status, httpStatus = "shutting_down", http.StatusServiceUnavailable
	}
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			checks["database"] = "unhealthy"
			status, httpStatus = "degraded", http.StatusServiceUnavailable
		} else {
			checks["database"] = "healthy"
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// errorKind labels an analysis error for metrics.
func errorKind(err error) string {
	var ite *source.InvalidTimeframeError
	switch {
	case errors.As(err, &ite):
		return "invalid_timeframe"
	case source.IsInvalidInput(err):
		return "invalid_range"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case source.IsDataAccess(err):
		return "data_access"
	default:
		return "internal"
	}
}

func (s *Server) writeError(c *gin.Context, op string, err error) {
	kind := errorKind(err)
	switch kind {
	case "invalid_timeframe", "invalid_range":
		badRequest(c, kind, err.Error())
	case "data_access":
		s.logger.Error("analysis failed", "op", op, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   kind,
			"message": "Event store unavailable",
		})
	case "timeout":
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   kind,
			"message": "Analysis did not finish in time",
		})
	default:
		s.logger.Error("analysis failed", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   code,
		"message": message,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.Server.ReadTimeout.Duration,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.Server.WriteTimeout.Duration,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Server.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	return s.Shutdown()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	if s.httpSrv == nil {
		return nil
	}
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	return nil
}
