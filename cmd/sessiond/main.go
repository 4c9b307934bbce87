// sessiond is the local session agent: it keeps the BBNG session alive in a
// small credential vault and serves the session and access state to the UI
// layer over a loopback HTTP API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/SanmishaTech/bbng-mo-sub001/internal/access"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/backend"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/config"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/httpd"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/obs"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/session"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/vault"
	vaultpg "github.com/SanmishaTech/bbng-mo-sub001/internal/vault/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("BBNG_CONFIG"), "Path to YAML config")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, db, err := openVault(cfg.Vault)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	client, err := backend.New(cfg.Backend.BaseURL,
		backend.WithHTTPClient(&http.Client{Timeout: cfg.Backend.Timeout}),
		backend.WithLoginRate(rate.Every(time.Minute/time.Duration(cfg.Backend.LoginPerMinute)), cfg.Backend.LoginBurst),
	)
	if err != nil {
		log.Fatalf("backend: %v", err)
	}

	sessions, err := session.NewManager(store, client,
		session.WithDefaultRedirect(cfg.Session.DefaultRedirect))
	if err != nil {
		log.Fatalf("session: %v", err)
	}

	resolver := access.NewResolver(client, sessions)

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	sessions.Restore(restoreCtx)
	cancelRestore()

	api := httpd.New(sessions, resolver, httpd.ReadyProbe{DB: db}, version,
		httpd.WithRateLimit(cfg.HTTP.RateLimitPerSec, cfg.HTTP.RateLimitBurst))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	log.Printf("Starting bbng-sessiond %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	resolver.Close()
	_ = store.Close()
	log.Println("Stopped")
}

// openVault picks the storage backend: PostgreSQL when a DSN is configured,
// the local file otherwise. The *sql.DB is returned for the readiness probe
// and is nil for the file vault.
func openVault(cfg config.VaultConfig) (vault.Store, *sql.DB, error) {
	if cfg.PGDSN != "" {
		store, err := vaultpg.Open(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.DB(), nil
	}
	store, err := vault.NewFile(cfg.FilePath)
	if err != nil {
		return nil, nil, err
	}
	return store, nil, nil
}
