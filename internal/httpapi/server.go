// Package httpapi implements the admin HTTP surface described in
// spec.md section 6: the pipeline's only caller, plus the reload/ban/
// cache/alerts/banned-page management endpoints. Grounded on the
// Python original's routes/route.py, using net/http.ServeMux directly
// since no pack repo pulls in a third-party router for a surface this
// small (SPEC_FULL.md section 4.7).
package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/r-waf/rwafd/internal/bans"
	"github.com/r-waf/rwafd/internal/cache"
	"github.com/r-waf/rwafd/internal/config"
	"github.com/r-waf/rwafd/internal/journal"
	"github.com/r-waf/rwafd/internal/pipeline"
	"github.com/r-waf/rwafd/internal/rules"
	"github.com/r-waf/rwafd/internal/sysmon"
)

// Server wraps net/http with the service's routes, middleware, and
// collaborators.
type Server struct {
	cfg      config.Config
	logger   *zap.Logger
	pipeline *pipeline.Pipeline
	rules    *rules.Store
	bans     *bans.Store
	cache    *cache.Cache
	alerts   *journal.Alerts
	sysmon   *sysmon.Monitor

	httpServer *http.Server
}

// Deps bundles Server's collaborators.
type Deps struct {
	Config   config.Config
	Logger   *zap.Logger
	Pipeline *pipeline.Pipeline
	Rules    *rules.Store
	Bans     *bans.Store
	Cache    *cache.Cache
	Alerts   *journal.Alerts
	Sysmon   *sysmon.Monitor
}

// New builds a Server and its route table.
func New(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		logger:   d.Logger,
		pipeline: d.Pipeline,
		rules:    d.Rules,
		bans:     d.Bans,
		cache:    d.Cache,
		alerts:   d.Alerts,
		sysmon:   d.Sysmon,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/check", s.handleCheck)
	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/banned_page", s.handleBannedPage)
	mux.Handle("/ban/list", s.requireAPIKey(http.HandlerFunc(s.handleBanList)))
	mux.Handle("/ban/add", s.requireAPIKey(http.HandlerFunc(s.handleBanAdd)))
	mux.Handle("/ban/delete", s.requireAPIKey(http.HandlerFunc(s.handleBanDelete)))
	mux.Handle("/cache/stats", s.requireAPIKey(http.HandlerFunc(s.handleCacheStats)))
	mux.Handle("/cache/clear", s.requireAPIKey(http.HandlerFunc(s.handleCacheClear)))
	mux.Handle("/alerts", s.requireAPIKey(http.HandlerFunc(s.handleAlerts)))
	mux.Handle("/alerts/clear", s.requireAPIKey(http.HandlerFunc(s.handleAlertsClear)))
	mux.Handle("/sysmon", s.requireAPIKey(http.HandlerFunc(s.handleSysmon)))

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(d.Config.Host, strconv.Itoa(d.Config.Port)),
		Handler: s.logRequests(mux),
	}

	return s
}

// requireAPIKey generalizes the teacher's middleware-chaining idiom
// (a Go http.Handler wrapper instead of the Python original's
// require_api_key decorator) to gate admin-only endpoints.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" || key != s.cfg.APIKey {
			s.logger.Warn("unauthorized API access attempt", zap.String("path", r.URL.Path), zap.String("remote_addr", r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid API Key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// ListenAndServe starts the HTTP server, blocking until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
