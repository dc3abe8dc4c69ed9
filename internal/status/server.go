package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roman-kulish/burst-capture/internal/storage"
)

const (
	DefaultCaptureLimit = 50
	shutdownTimeout     = 5 * time.Second
)

// CaptureLister is the part of the catalog served by /captures
type CaptureLister interface {
	Captures(ctx context.Context, filter storage.CaptureFilter) ([]*storage.Capture, error)
}

// WithLogger sets the logger for the server
func WithLogger(logger *slog.Logger) func(s *Server) {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCatalog enables /captures
func WithCatalog(c CaptureLister) func(s *Server) {
	return func(s *Server) {
		s.catalog = c
	}
}

// WithMetrics serves the handler on /metrics
func WithMetrics(h http.Handler) func(s *Server) {
	return func(s *Server) {
		s.metrics = h
	}
}

// Server is the HTTP status API of a running scan
type Server struct {
	tracker *Tracker
	catalog CaptureLister
	metrics http.Handler
	logger  *slog.Logger
	engine  *gin.Engine
}

func NewServer(tracker *Tracker, options ...func(s *Server)) *Server {
	s := Server{
		tracker: tracker,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), s.logRequests)

	engine.GET("/healthz", s.healthz)
	engine.GET("/status", s.status)
	if s.catalog != nil {
		engine.GET("/captures", s.captures)
	}
	if s.metrics != nil {
		engine.GET("/metrics", gin.WrapH(s.metrics))
	}

	s.engine = engine
	return &s
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve runs the API on the listener until ctx is cancelled
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	s.logger.Info("status api listening", slog.String("address", l.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig

	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()

	s.logger.Debug("http request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int("status", c.Writer.Status()),
		slog.Duration("latency", time.Since(start)))
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) captures(c *gin.Context) {
	filter := storage.CaptureFilter{Limit: DefaultCaptureLimit}

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	if v := c.Query("frequency"); v != "" {
		freq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || freq <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "frequency must be a positive integer in Hz"})
			return
		}
		filter.FrequencyHz = freq
	}

	captures, err := s.catalog.Captures(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("listing captures", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catalog unavailable"})
		return
	}

	if captures == nil {
		captures = []*storage.Capture{}
	}
	c.JSON(http.StatusOK, captures)
}
