package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"contentflow.org/internal/httpapi"
	"contentflow.org/internal/notify"
	"contentflow.org/internal/obs"
	"contentflow.org/internal/store/pg"
	"contentflow.org/internal/workflow"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CONTENTFLOW_COMMIT"))

	// Backing store: Postgres when a DSN is set, otherwise in-memory for
	// local development.
	var (
		store workflow.Store
		db    *sql.DB
	)
	if dsn := os.Getenv("CONTENTFLOW_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Println("CONTENTFLOW_PG_DSN not set, using in-memory store")
		store = workflow.NewInMemory()
	}

	stream := notify.New()
	engine := workflow.NewEngine(store, stream)

	authRequired := os.Getenv("CONTENTFLOW_AUTH_REQUIRED") != "false"
	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, engine, store, stream,
		httpapi.WithAuthRequired(authRequired))

	handler := httpapi.LoggingJSON(api.Handler())
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.CORS(handler)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.RateLimit(handler, envInt("CONTENTFLOW_RATE_BURST", 50), envInt("CONTENTFLOW_RATE_PER_SEC", 25))

	addr := os.Getenv("CONTENTFLOW_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Background aging sweep; disabled when interval is 0.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	if every := time.Duration(envInt("CONTENTFLOW_AGING_SWEEP_SEC", 60)) * time.Second; every > 0 {
		go func() {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case now := <-ticker.C:
					res, err := engine.RunAgingSweep(sweepCtx, now.UTC(), 0)
					if err != nil {
						obs.LogEvent("error", "aging_sweep_failed", map[string]any{"error": err.Error()})
						continue
					}
					for range res.Fired {
						obs.CountAgingOutcome("fired")
					}
					for range res.Failed {
						obs.CountAgingOutcome("failed")
					}
					if len(res.Fired) > 0 || len(res.Failed) > 0 {
						obs.LogEvent("info", "aging_sweep", map[string]any{
							"fired":  len(res.Fired),
							"failed": len(res.Failed),
						})
					}
				}
			}
		}()
	}

	log.Printf("Starting contentflow-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return n
}
