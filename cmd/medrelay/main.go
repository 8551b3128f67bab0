package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"medrelay/internal/api"
	"medrelay/internal/auth"
	"medrelay/internal/config"
	"medrelay/internal/liveness"
	"medrelay/internal/queue"
	"medrelay/internal/registry"
	"medrelay/internal/relay"
	"medrelay/internal/router"
	"medrelay/internal/translate"
	"medrelay/internal/websocket"
)

// Application wires the relay components in dependency order:
// queue store -> registry -> engine -> router -> handler -> monitor -> HTTP.
type Application struct {
	cfg        *config.Config
	queueStore *queue.Store
	registry   *registry.Registry
	engine     *relay.Engine
	monitor    *liveness.Monitor
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewApplication builds the application from configuration.
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	queueStore, err := queue.Open(cfg.Relay.QueueDir, cfg.Relay.QueueCapacity, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}

	reg := registry.New(logger)
	engine := relay.NewEngine(reg, queueStore, logger)
	translator := translate.NewClient(cfg.Translator.URL, cfg.Translator.Timeout, logger)
	verifier := auth.NewHTTPVerifier(cfg.Verifier.URL, cfg.Verifier.Timeout, logger)
	rt := router.New(engine, translator, logger)
	wsHandler := websocket.NewHandler(reg, engine, rt, verifier, logger)
	monitor := liveness.NewMonitor(reg, engine, cfg.Relay.HeartbeatInterval, logger)
	apiServer := api.NewServer(reg, engine, logger)

	reg.OnSessionEnd(func(sessionID, reason string) {
		// Hook for the collaborators layer (analytics, transcript
		// finalization). Fires exactly once per session lifetime.
		logger.Info().Str("session_id", sessionID).Str("reason", reason).Msg("session lifecycle complete")
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws/", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		cfg:        cfg,
		queueStore: queueStore,
		registry:   reg,
		engine:     engine,
		monitor:    monitor,
		httpServer: httpServer,
		logger:     logger,
	}, nil
}

// Start launches the liveness monitor and the HTTP server.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info().Str("addr", app.httpServer.Addr).Msg("starting medrelay")
	app.monitor.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		app.monitor.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info().Msg("medrelay started")
		return nil
	case <-ctx.Done():
		app.monitor.Stop()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse order: HTTP, monitor, queue store.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn().Err(err).Msg("http shutdown error")
	}
	app.monitor.Stop()
	if err := app.queueStore.Close(); err != nil {
		app.logger.Warn().Err(err).Msg("queue store close error")
	}

	app.logger.Info().Msg("shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("MEDRELAY_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg.Log)

	app, err := NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	appErrCh := make(chan error, 1)
	go func() {
		if err := app.Start(ctx); err != nil {
			appErrCh <- err
		}
	}()

	select {
	case err := <-appErrCh:
		return fmt.Errorf("application error: %w", err)
	case sig := <-signalCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return app.Stop(shutdownCtx)
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
