// collabd is the collaborative editing server: it authenticates websocket
// clients, hosts the shared note replicas, and persists them to SQLite.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkroom/collab/internal/access"
	"github.com/inkroom/collab/internal/auth"
	"github.com/inkroom/collab/internal/collab"
	"github.com/inkroom/collab/internal/config"
	"github.com/inkroom/collab/internal/crdt"
	"github.com/inkroom/collab/internal/obs"
	"github.com/inkroom/collab/internal/ratelimit"
	"github.com/inkroom/collab/internal/registry"
	"github.com/inkroom/collab/internal/storage"
	"github.com/inkroom/collab/internal/transport"
)

const shutdownTimeout = 15 * time.Second

func main() {
	addr := flag.String("addr", "", "listen address (overrides LISTEN_ADDR)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DATABASE_PATH)")
	flag.Parse()

	obs.Init()
	log := obs.Pkg("main")

	cfg, err := config.LoadConfig(*addr, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error:\n%v\n", err)
		os.Exit(1)
	}
	cfg.PrintStartupSummary()

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	reg := registry.New()
	limiter := ratelimit.NewSessionLimiter(cfg.RateLimitConfig)
	defer limiter.Stop()

	coord := collab.New(
		crdt.NewStore(db),
		db,
		access.NewGateway(db),
		reg,
		limiter,
		collab.Options{
			GracePeriod:   cfg.EvictionGracePeriod,
			FlushInterval: cfg.FlushInterval,
		},
	)
	coord.Start()

	verifier := auth.NewTokenVerifier([]byte(cfg.TokenSecret))
	wsHandler := transport.NewHandler(verifier, coord, reg, limiter)

	router := mux.NewRouter()
	router.Handle("/ws", wsHandler)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","resident_documents":%d}`, coord.ResidentDocuments())
	}).Methods(http.MethodGet)
	router.Use(obs.RequestContextMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		return obs.AccessLogMiddleware("http", next)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("shutdown did not drain cleanly", "error", err)
	}

	// Flush every dirty document before the process exits.
	coord.Stop()
	log.Info("stopped")
}
