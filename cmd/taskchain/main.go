package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/avottero/taskchain/internal/agent"
	"github.com/avottero/taskchain/internal/config"
	"github.com/avottero/taskchain/internal/httpapi"
	"github.com/avottero/taskchain/internal/observability"
	"github.com/avottero/taskchain/internal/runtime"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv load skipped: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	invoker, err := agent.NewInvoker(agent.Config{
		Mode:    cfg.AgentMode,
		HTTPURL: cfg.AgentHTTPURL,
	})
	if err != nil {
		log.Fatalf("agent invoker init failed: %v", err)
	}

	service, err := runtime.New(runtime.Config{
		RunTimeout:  cfg.RunTimeout,
		DatabaseURL: cfg.DatabaseURL,
	}, invoker, metrics)
	if err != nil {
		log.Fatalf("plan store init failed: %v", err)
	}
	defer service.Close()
	log.Printf("plan store mode: %s", service.StoreMode())

	api := httpapi.New(cfg, service, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
