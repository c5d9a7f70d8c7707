// Package health runs the plain-HTTP status endpoint: a liveness path,
// Prometheus scraping, and a JSON snapshot for dashboards that don't
// speak the Prometheus exposition format.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/tternquist/dns-sni-gateway/internal/errbuf"
	"github.com/tternquist/dns-sni-gateway/internal/metrics"
)

// Config holds the dependencies and settings for the health server.
type Config struct {
	Path        string // liveness path, e.g. "/healthz"; defaults to "/healthz"
	ErrorBuffer *errbuf.Buffer
	Logger      *slog.Logger
}

// Server serves liveness, Prometheus, and JSON-snapshot endpoints over a
// single net.Listener.
type Server struct {
	cfg       Config
	startedAt time.Time

	mu       sync.Mutex
	cached   jsonSnapshot
	cachedAt time.Time
}

// healthzView is returned by the liveness path.
type healthzView struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_s"`
	RequestsTotal int64  `json:"requests_total"`
	RequestsOK    int64  `json:"requests_ok"`
	RequestsErr   int64  `json:"requests_err"`
}

// jsonSnapshot is returned by /metrics/json.
type jsonSnapshot struct {
	Status        string         `json:"status"`
	RequestsTotal int64          `json:"requests_total"`
	RequestsOK    int64          `json:"requests_ok"`
	RequestsErr   int64          `json:"requests_err"`
	BytesIn       int64          `json:"bytes_in"`
	BytesOut      int64          `json:"bytes_out"`
	Rewrites      int64          `json:"rewrites"`
	UpstreamErrs  int64          `json:"upstream_errors"`
	RecentErrors  []errbuf.Entry `json:"recent_errors"`
}

const snapshotTTL = time.Second

// New builds a health Server. cfg.Path defaults to "/healthz" if empty.
func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/healthz"
	}
	return &Server{cfg: cfg, startedAt: time.Now()}
}

// jsonLimiter caps /metrics/json at a modest steady rate with
// a small burst, since a misconfigured dashboard polling in a tight loop
// shouldn't be able to stampede the snapshot cache's refresh path.
var jsonLimiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 10)

// Handler returns the http.Handler serving every registered path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	promHandler := promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})
	mux.HandleFunc(s.cfg.Path, s.handleHealthz)
	mux.Handle("/metrics", promHandler)
	mux.Handle("/stats", promHandler)
	mux.HandleFunc("/metrics/json", rateLimited(s.handleMetricsJSON))
	return mux
}

func rateLimited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !jsonLimiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := metrics.TakeSnapshot()
	writeJSON(w, http.StatusOK, healthzView{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		RequestsTotal: snap.RequestsTotal,
		RequestsOK:    snap.RequestsOK,
		RequestsErr:   snap.RequestsErr,
	})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// snapshot returns a cached view refreshed at most once per snapshotTTL,
// so a scrape flood can't stampede the counter reads.
func (s *Server) snapshot() jsonSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.cachedAt) < snapshotTTL {
		return s.cached
	}
	snap := metrics.TakeSnapshot()
	s.cached = jsonSnapshot{
		Status:        "ok",
		RequestsTotal: snap.RequestsTotal,
		RequestsOK:    snap.RequestsOK,
		RequestsErr:   snap.RequestsErr,
		BytesIn:       snap.BytesIn,
		BytesOut:      snap.BytesOut,
		Rewrites:      snap.Rewrites,
		UpstreamErrs:  snap.UpstreamErrs,
		RecentErrors:  s.cfg.ErrorBuffer.Entries(),
	}
	s.cachedAt = time.Now()
	return s.cached
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Serve runs an http.Server over listener until ctx is cancelled.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler, logger *slog.Logger) error {
	hs := &http.Server{Handler: handler}
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		hs.Close()
		close(done)
	}()
	err := hs.Serve(listener)
	<-done
	if ctx.Err() != nil {
		return nil
	}
	if logger != nil && err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", "err", err)
	}
	return err
}
