package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/shifra/internal/bridge"
	"github.com/chadiek/shifra/internal/command"
	"github.com/chadiek/shifra/internal/config"
	"github.com/chadiek/shifra/internal/console"
	httpserver "github.com/chadiek/shifra/internal/httpserver"
	"github.com/chadiek/shifra/internal/llm"
	"github.com/chadiek/shifra/internal/logging"
	"github.com/chadiek/shifra/internal/tui"
	"github.com/chadiek/shifra/internal/usecase"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "shifra:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	// The terminal UI owns stdout, so console mode logs to a file.
	var logOut io.Writer = os.Stderr
	if cfg.Console {
		f, err := os.OpenFile("shifra.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log, err := logging.New(logOut, logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}

	responder := llm.NewChatClient(cfg.ChatBaseURL, cfg.ChatTimeout)
	responder.ShortAnswer = cfg.ShortAnswers
	responder.Redactor = llm.NewRedactor(cfg.BrandToken, cfg.BrandSubstitute)

	assistant := usecase.NewAssistantService(usecase.Settings{
		Turn:  cfg.Turn(),
		Input: cfg.Input(),
	}, responder, command.NewInterpreter(cfg.Location), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Console {
		log.Info().Msg("starting console mode")
		return tui.Run(ctx, assistant, console.Options{})
	}
	return serve(ctx, cfg, assistant, log)
}

func serve(ctx context.Context, cfg config.Config, assistant usecase.AssistantService, log zerolog.Logger) error {
	hub := bridge.NewHub(assistant, log)
	srv := httpserver.New(hub, httpserver.Options{Token: cfg.AccessToken}, log)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.AccessToken == "" {
		log.Warn().Msg("ACCESS_TOKEN not set; /ws and /api are open")
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddress).Msg("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}
	return nil
}
