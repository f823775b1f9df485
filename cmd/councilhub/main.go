package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jordanhubbard/councilhub/internal/app"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

const shutdownGrace = 30 * time.Second

// checkHealth probes the local /healthz endpoint. The container image is
// distroless, so Docker HEALTHCHECK runs the binary itself instead of curl.
func checkHealth(addr string) error {
	resp, err := http.Get("http://localhost" + addr + "/healthz")
	if err != nil {
		return fmt.Errorf("healthz request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned status %d", resp.StatusCode)
	}
	return nil
}

func healthcheckMain() int {
	addr := os.Getenv("COUNCILHUB_LISTEN_ADDR")
	if addr == "" {
		addr = ":8001"
	}
	if err := checkHealth(addr); err != nil {
		return 1
	}
	return 0
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-version", "--version":
			fmt.Printf("councilhub %s\n", version)
			return
		case "-healthcheck":
			os.Exit(healthcheckMain())
		}
	}
	if err := run(); err != nil {
		log.Fatalf("councilhub: %v", err)
	}
}

func run() error {
	log.Printf("councilhub version %s", version)
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	srv, err := app.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
		// Deliberation streams and the event feed hold SSE connections
		// open indefinitely, so no write deadline.
		WriteTimeout:      0,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		log.Printf("councilhub listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	go reloadOnSIGHUP(srv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-listenErr:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Printf("shutting down (draining in-flight requests)...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := srv.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	log.Printf("clean shutdown")
	return nil
}

// reloadOnSIGHUP re-merges settings overrides from the store each time the
// process receives SIGHUP, then logs the effective configuration.
func reloadOnSIGHUP(srv *app.Server) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	for range hup {
		log.Printf("SIGHUP received, reloading settings...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Reload(ctx); err != nil {
			log.Printf("settings reload error: %v (keeping current settings)", err)
		} else {
			srv.LogConfig()
		}
		cancel()
	}
}
