package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/ecomm-report-extractor/internal/api"
	"github.com/ignite/ecomm-report-extractor/internal/app"
	"github.com/ignite/ecomm-report-extractor/internal/config"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	return ln.Close()
}

func main() {
	configPath := "config/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		configPath = v
	}
	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	host, port := cfg.Server.GetHost(), cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	runs := api.NewRunRegistry(cfg.Engine.MaxConcurrentRuns)
	var jobs api.JobReader
	if a.Jobs != nil {
		jobs = a.Jobs
	}
	handlers := api.NewHandlers(ctx, a.Orchestrator, a.Catalog, runs, jobs)
	health := api.NewHealthChecker(a.DB, a.Redis, a.Storage).WithRuns(runs)
	server := api.NewServer(cfg.Server, handlers, health)

	go func() {
		log.Printf("Extraction API listening on %s:%d (%d report types)", host, port, len(a.Catalog.Definitions()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	// Cancelling the base context cancels every in-flight run.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
