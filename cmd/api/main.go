package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/authz"
	"gatehouse.dev/internal/httpapi"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("GATEHOUSE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("GATEHOUSE_AUTH_SECRET is required")
	}
	dsn := os.Getenv("GATEHOUSE_PG_DSN")
	if dsn == "" {
		log.Fatal("GATEHOUSE_PG_DSN is required")
	}

	// one clock source for token issuance, lifecycle checks and audit stamps
	clock := time.Now

	capture := audit.NewCapture(audit.WithCaptureClock(clock))
	store, err := pg.Open(dsn, capture)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	codec, err := auth.NewTokenCodec(
		[]byte(secret),
		envString("GATEHOUSE_ISSUER", "gatehouse"),
		auth.WithCodecTTL(envDuration("GATEHOUSE_ACCESS_TTL", 15*time.Minute)),
		auth.WithCodecClock(clock),
	)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	svc, err := auth.NewService(store, store, codec, auth.Config{
		AccessTTL:        envDuration("GATEHOUSE_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:       envDuration("GATEHOUSE_REFRESH_TTL", 14*24*time.Hour),
		MaxTokensPerUser: envInt("GATEHOUSE_MAX_TOKENS_PER_USER", 10),
		LockoutThreshold: envInt("GATEHOUSE_LOCKOUT_THRESHOLD", 5),
		LockoutDuration:  envDuration("GATEHOUSE_LOCKOUT_DURATION", 15*time.Minute),
		RetentionWindow:  envDuration("GATEHOUSE_RETENTION_WINDOW", 30*24*time.Hour),
	}, auth.WithClock(clock))
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	gate, err := authz.NewGate(codec)
	if err != nil {
		log.Fatalf("authz gate: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB()}, version, svc, gate, store, capture)

	srv := &http.Server{
		Addr:              envString("GATEHOUSE_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting gatehouse-api %s on %s", version, srv.Addr)

	// background sweep of long-dead refresh tokens
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		interval := envDuration("GATEHOUSE_SWEEP_INTERVAL", time.Hour)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				n, err := svc.Sweep(sweepCtx)
				if err != nil {
					log.Printf("sweep: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("sweep: removed %d expired tokens", n)
				}
			}
		}
	}()

	// graceful shutdown
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
	log.Println("Stopped")
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return n
}
