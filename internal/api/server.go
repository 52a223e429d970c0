// Package api serves read-only book queries and on-demand exports over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bookmirror/config"
	"bookmirror/logger"
	"bookmirror/orderbook"
	"bookmirror/processor"
	"bookmirror/reader/coinbase"
	"bookmirror/writer"
)

type FeedStatus interface {
	Status() coinbase.Status
}

type ApplierStats interface {
	GetStats() processor.Stats
}

type BookExporter interface {
	Export(ctx context.Context, instrument string, depth orderbook.Depth) (writer.ExportResult, error)
}

// Deps are the components the API reads from. Feed, Applier and Exporter may be nil.
type Deps struct {
	Instrument string
	Book       *orderbook.Shared
	Feed       FeedStatus
	Applier    ApplierStats
	Exporter   BookExporter
}

// Server hosts the gin router for the book API.
type Server struct {
	cfg        config.APIConfig
	deps       Deps
	log        *logger.Log
	httpServer *http.Server
}

// NewServer returns nil when the API is disabled.
func NewServer(cfg config.APIConfig, deps Deps, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.DefaultDepth < 0 {
		cfg.DefaultDepth = 0
	}
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.cfg.Address}).Info("starting book api")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	v1 := router.Group("/v1")
	v1.GET("/book", s.handleBook)
	v1.GET("/book/best", s.handleBest)
	v1.GET("/book/mid", s.handleMid)
	v1.GET("/book/spread", s.handleSpread)
	v1.GET("/status", s.handleStatus)
	v1.POST("/export", s.handleExport)

	return router, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithComponent("api").WithFields(logger.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request served")
	}
}

func levelOrNil(l orderbook.Level, ok bool) *orderbook.Level {
	if !ok {
		return nil
	}
	return &l
}

func (s *Server) handleBest(c *gin.Context) {
	q := s.deps.Book.Top()
	c.JSON(http.StatusOK, gin.H{
		"instrument": s.deps.Instrument,
		"bid":        levelOrNil(q.Bid, q.HasBid),
		"ask":        levelOrNil(q.Ask, q.HasAsk),
	})
}

func (s *Server) handleBook(c *gin.Context) {
	depth := s.cfg.DefaultDepth
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be a non-negative integer"})
			return
		}
		depth = n
	}

	var d orderbook.Depth
	s.deps.Book.WithRead(func(b *orderbook.Book) { d = b.Depth(depth) })
	c.JSON(http.StatusOK, gin.H{
		"instrument": s.deps.Instrument,
		"bids":       d.Bids,
		"asks":       d.Asks,
	})
}

func (s *Server) handleMid(c *gin.Context) {
	var (
		mid string
		ok  bool
	)
	s.deps.Book.WithRead(func(b *orderbook.Book) {
		if m, defined := b.MidPrice(); defined {
			mid, ok = m.String(), true
		}
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mid price undefined: a side is empty or the book is crossed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": s.deps.Instrument, "mid": mid})
}

func (s *Server) handleSpread(c *gin.Context) {
	var (
		spread float64
		ok     bool
	)
	s.deps.Book.WithRead(func(b *orderbook.Book) { spread, ok = b.Spread() })
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "spread undefined: a side is empty, the book is crossed or the ask is zero"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument":     s.deps.Instrument,
		"spread":         spread,
		"spread_percent": spread * 100,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	var bids, asks int
	var crossed bool
	s.deps.Book.WithRead(func(b *orderbook.Book) {
		bids, asks = b.Len(orderbook.Bid), b.Len(orderbook.Ask)
		crossed = b.Crossed()
	})

	resp := gin.H{
		"instrument": s.deps.Instrument,
		"levels":     gin.H{"bids": bids, "asks": asks},
		"crossed":    crossed,
	}
	if s.deps.Feed != nil {
		resp["feed"] = s.deps.Feed.Status()
	}
	if s.deps.Applier != nil {
		resp["applier"] = s.deps.Applier.GetStats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleExport(c *gin.Context) {
	if s.deps.Exporter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "export is disabled"})
		return
	}
	res, err := s.deps.Exporter.Export(c.Request.Context(), s.deps.Instrument, s.deps.Book.Dump())
	if err != nil {
		s.log.WithComponent("api").WithError(err).Error("export failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, res)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "127.0.0.1:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") || net.ParseIP(addr) != nil {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
