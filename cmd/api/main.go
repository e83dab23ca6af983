package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/kb-retrieval-engine/internal/adapters/http"
	"github.com/kirillkom/kb-retrieval-engine/internal/bootstrap"
	"github.com/kirillkom/kb-retrieval-engine/internal/config"
	"github.com/kirillkom/kb-retrieval-engine/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup("kb-retrieval-engine", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	go app.RunInvalidator(ctx)

	router := httpadapter.NewRouter(app.Retriever, app.Metrics, cfg.APIRateLimitRPS, cfg.APIRateLimitBurst)
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_error", "error", err)
	}
}
