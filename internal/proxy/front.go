// Package proxy implements the HTTP proxy front named in spec.md §4.6: a
// gin server that parses the target model out of an OpenAI-compatible
// request, consults the currently published (registry, policy) pair, and
// streams the chosen backend's response back to the caller unmodified.
package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vllm-project/llm-router/internal/dynconfig"
	"github.com/vllm-project/llm-router/internal/logging"
	"github.com/vllm-project/llm-router/internal/metrics"
	"github.com/vllm-project/llm-router/internal/stats"
)

// Source supplies the current (registry, policy) generation. Both
// *dynconfig.Watcher and *dynconfig.FixedSource satisfy it.
type Source interface {
	Current() *dynconfig.Handle
}

// Front is the HTTP proxy server. It is constructed once at startup and
// reads config/policy state through Source on every request, so a config
// swap never requires rebuilding the server.
type Front struct {
	source  Source
	tracker *stats.RequestTracker
	scraper *stats.EngineScraper
	metrics *metrics.Metrics
	logger  *zap.Logger

	connectTimeout time.Duration
	transport      *http.Transport

	engine *gin.Engine
	srv    *http.Server
}

// Config bundles Front's construction-time parameters.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	Debug          bool
}

// New builds a Front and registers its routes. It does not start listening;
// call Start for that.
func New(cfg Config, source Source, tracker *stats.RequestTracker, scraper *stats.EngineScraper, m *metrics.Metrics, logger *zap.Logger) *Front {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	f := &Front{
		source:         source,
		tracker:        tracker,
		scraper:        scraper,
		metrics:        m,
		logger:         logger,
		connectTimeout: connectTimeout,
		transport: &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		},
	}

	engine := gin.New()
	engine.Use(logging.Recovery(logger), logging.AccessLog(logger))

	engine.POST("/v1/chat/completions", f.handleInference)
	engine.POST("/v1/completions", f.handleInference)
	engine.GET("/v1/models", f.handleModels)
	engine.GET("/health", f.handleHealth)
	engine.GET("/metrics", gin.WrapH(m.Handler()))

	f.engine = engine
	f.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout, // 0: streaming responses must not be write-timed out (spec.md §5)
		IdleTimeout:  cfg.IdleTimeout,
	}
	return f
}

// Start begins serving in the background. Errors other than a clean
// shutdown are sent to errCh.
func (f *Front) Start(errCh chan<- error) {
	go func() {
		f.logger.Info("proxy front listening", zap.String("addr", f.srv.Addr))
		if err := f.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
}

// Shutdown drains in-flight requests for up to the context's deadline.
func (f *Front) Shutdown(ctx context.Context) error {
	return f.srv.Shutdown(ctx)
}
