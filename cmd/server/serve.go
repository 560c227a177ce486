package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wutangasaf/aml-detection/internal/api"
	"github.com/wutangasaf/aml-detection/internal/auth"
	"github.com/wutangasaf/aml-detection/internal/config"
	"github.com/wutangasaf/aml-detection/internal/observability"
)

func serveCMD() *cobra.Command {
	var port string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if port != "" {
				cfg.HTTPPort = port
			}
			observability.Setup(cfg.LogLevel)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVar(&port, "port", "", "listen port (overrides HTTP_PORT)")
	return serve
}

func authenticator(cfg *config.Config) auth.Authenticator {
	if cfg.AuthMode == config.AuthModeStatic {
		slog.Warn("AUTH_MODE=static, every request is served as one user", "user_id", cfg.StaticUserID)
		return auth.Static{ID: cfg.StaticUserID}
	}
	return auth.NewJWT(cfg.JWTSecret)
}

func runServer(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	apiHandler := api.NewAPIHandler(a.chat, a.retriever, authenticator(cfg))
	router := api.NewRouter(apiHandler, a.metrics.Handler())

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Streams stay open for a whole pipeline run.
		WriteTimeout: cfg.PipelineTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", serverAddr, "llm_mode", cfg.LLMMode, "vector_backend", cfg.VectorBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-quit:
	}
	slog.Info("shutting down server")

	// In-flight streams get the pipeline timeout to finish and persist.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.PipelineTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("server exited gracefully")
	return nil
}
