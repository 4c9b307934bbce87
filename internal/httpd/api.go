// Package httpd is the local HTTP surface the (out-of-process) UI layer uses
// to observe and drive the session: sign-in, sign-out, refresh, and the
// access posture, plus the usual health and metrics endpoints.
package httpd

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/SanmishaTech/bbng-mo-sub001/api/spec"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/access"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/obs"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/session"
)

// ReadyProbe reports readiness; when a DB-backed vault is configured the
// probe pings it.
type ReadyProbe struct {
	DB *sql.DB
}

// Check pings the database when one is configured.
func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	sessions   *session.Manager
	resolver   *access.Resolver
	readyProbe ReadyProbe
	version    string

	ratePerSec int
	rateBurst  int
}

// Option configures the API.
type Option func(*API)

// WithRateLimit tunes the per-client token bucket.
func WithRateLimit(perSec, burst int) Option {
	return func(a *API) {
		if perSec > 0 {
			a.ratePerSec = perSec
		}
		if burst > 0 {
			a.rateBurst = burst
		}
	}
}

// New wires the routes.
func New(sessions *session.Manager, resolver *access.Resolver, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		sessions:   sessions,
		resolver:   resolver,
		readyProbe: rp,
		version:    version,
		ratePerSec: 20,
		rateBurst:  40,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/session", a.handleSession)
	a.mux.HandleFunc("/v1/session/signin", a.handleSignIn)
	a.mux.HandleFunc("/v1/session/signout", a.handleSignOut)
	a.mux.HandleFunc("/v1/session/refresh", a.handleRefresh)

	a.mux.HandleFunc("/v1/access", a.handleAccess)
	a.mux.HandleFunc("/v1/access/refetch", a.handleAccessRefetch)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = obs.Instrument(h)
	h = Logging(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return h
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "bbng-sessiond",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "bbng-sessiond",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}
