// Package dashboard serves a JSON status API over the running feed: the
// confirmed channels, the locally maintained order books, multiplexer
// counters, recent metrics and logs, and host resource usage.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"cryptofeed/config"
	"cryptofeed/internal/metrics"
	"cryptofeed/logger"
	"cryptofeed/models"
	"cryptofeed/reader"
)

// Feed is the subscription state reported by the API.
type Feed interface {
	Channels() []models.Channel
	Stats() reader.Stats
}

// Books is the order book state reported by the API.
type Books interface {
	Book(symbol string) (models.OrderBook, bool)
	Symbols() []string
}

type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	feed          Feed
	books         Books
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	sampler       *hostSampler
	httpServer    *http.Server
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, feed Feed, books Books) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if feed == nil || books == nil {
		return nil, errors.New("dashboard needs a feed and a book source")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	s := &Server{
		cfg:         cfg,
		log:         log,
		feed:        feed,
		books:       books,
		metricStore: newMetricStore(cfg.MetricsHistory),
		logStore:    newLogStore(cfg.LogHistory),
		sampler:     newHostSampler(cfg.MetricsHistory, cfg.RefreshInterval, log),
	}
	s.metricHandler = metrics.RegisterMetricHandler(s.metricStore.handle)
	log.AddHook(s.logStore)
	return s, nil
}

// Run serves the API until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

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

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.sampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":                 appName,
			"refresh_interval_ms": s.cfg.RefreshInterval.Milliseconds(),
		})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.feed.Stats())
	})

	api.GET("/channels", func(c *gin.Context) {
		chans := s.feed.Channels()
		payload := make([]gin.H, 0, len(chans))
		for _, ch := range chans {
			payload = append(payload, gin.H{
				"id":         ch.ID,
				"name":       ch.Name,
				"symbol":     ch.Symbol,
				"exchange":   ch.ExChannelID.Name,
				"product_id": ch.ExChannelID.ProductID,
			})
		}
		c.JSON(http.StatusOK, gin.H{"channels": payload})
	})

	api.GET("/books", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"symbols": s.books.Symbols()})
	})

	// unified symbols carry a slash, so base and quote are separate segments
	api.GET("/books/:base/:quote", func(c *gin.Context) {
		symbol := strings.ToUpper(c.Param("base") + "/" + c.Param("quote"))
		book, ok := s.books.Book(symbol)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no book for " + symbol})
			return
		}
		c.JSON(http.StatusOK, book)
	})

	api.GET("/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if parsed.Host != "" {
				addr = parsed.Host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
