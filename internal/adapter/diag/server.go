// Package diag serves read-only diagnostics over HTTP: health, the tracked
// retry entries, journaled decisions and Prometheus metrics.
package diag

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bundleretry/internal/journal"
	"bundleretry/pkg/retry"
)

// Tracker is the read side of retry.Tracker.
type Tracker interface {
	Config() (retry.Config, bool)
	Snapshot() []retry.Entry
}

// Deps are the sources the handlers read from.
type Deps struct {
	Tracker  Tracker
	Journal  journal.Store
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type entriesResponse struct {
	Initialized bool          `json:"initialized"`
	MaxRetries  uint32        `json:"max_retries"`
	TimeoutMS   int64         `json:"timeout_ms"`
	Entries     []retry.Entry `json:"entries"`
}

type journalResponse struct {
	SessionID string           `json:"session_id"`
	Records   []journal.Record `json:"records"`
}

// NewHandler builds the gin engine.
func NewHandler(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Journal == nil {
		d.Journal = journal.Nop{}
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/v1/retry/entries", func(c *gin.Context) {
		if d.Tracker == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no active session"})
			return
		}
		cfg, ok := d.Tracker.Config()
		c.JSON(http.StatusOK, entriesResponse{
			Initialized: ok,
			MaxRetries:  cfg.MaxRetries,
			TimeoutMS:   cfg.Timeout.Milliseconds(),
			Entries:     d.Tracker.Snapshot(),
		})
	})

	r.GET("/v1/journal/:session", func(c *gin.Context) {
		session := c.Param("session")
		records, err := d.Journal.List(c.Request.Context(), session)
		if err != nil {
			d.Logger.ErrorContext(c.Request.Context(), "journal list failed", slog.String("session", session), slog.Any("err", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "journal unavailable"})
			return
		}
		if records == nil {
			records = []journal.Record{}
		}
		c.JSON(http.StatusOK, journalResponse{SessionID: session, Records: records})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.DebugContext(c.Request.Context(), "diag request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)))
	}
}

// Server runs the diagnostics handler.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer returns a server for addr.
func NewServer(addr string, h http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start listens and serves in the background. The returned address is the
// bound one, useful with port 0.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("diag server", slog.Any("err", err))
		}
	}()
	s.logger.Info("diag server listening", slog.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
