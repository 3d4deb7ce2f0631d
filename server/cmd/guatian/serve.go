package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gua-tian/server/internal/api"
	"gua-tian/server/internal/archive"
	"gua-tian/server/internal/config"
	"gua-tian/server/internal/gua"
	"gua-tian/server/internal/llm"
	"gua-tian/server/internal/ocr"
	"gua-tian/server/internal/ocr/tesseract"
	"gua-tian/server/internal/store"
	"gua-tian/server/internal/timeline"
)

func newServeCmd(g *globals) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				host, port, err := net.SplitHostPort(listen)
				if err != nil {
					return fmt.Errorf("invalid --listen: %w", err)
				}
				g.cfg.Server.Host = host
				if g.cfg.Server.Port, err = strconv.Atoi(port); err != nil {
					return fmt.Errorf("invalid --listen port: %w", err)
				}
			}
			return serve(cmd.Context(), g.cfg, g.log)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on (overrides server.host/port)")
	return cmd
}

func openStore(cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.Storage.Driver == "sqlite" {
		s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info("using SQLite storage", slog.String("path", cfg.Storage.SQLitePath))
		return s, nil
	}
	log.Info("using in-memory storage")
	return store.NewInMemoryStore(), nil
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := llm.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}
	if client == nil {
		log.Warn("no API key configured, AI features use local fallback")
	}

	var worker *archive.Worker
	if cfg.Archive.Enabled {
		worker = archive.NewWorker(st, client, archive.Options{
			QueueCapacity: cfg.Archive.QueueCapacity,
			SummaryRunes:  cfg.Archive.SummaryRunes,
			Logger:        log,
		})
		worker.Start(ctx, cfg.Archive.PollInterval)
	}

	server, err := api.NewServer(api.Deps{
		Config:   cfg,
		Store:    st,
		Guas:     gua.NewService(st, log),
		Timeline: timeline.FromConfig(cfg, log),
		Engine:   newEngine(cfg),
		Archive:  worker,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	defer server.Shutdown()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("guatian server listening", slog.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	if worker != nil {
		worker.Wait()
	}
	return nil
}

// newEngine 按配置创建 tesseract 引擎，ocr.variables 原样透传。
func newEngine(cfg *config.Config) ocr.Engine {
	opts := make([]tesseract.Option, 0, len(cfg.OCR.Variables))
	for k, v := range cfg.OCR.Variables {
		opts = append(opts, tesseract.WithVariable(k, v))
	}
	return tesseract.New(opts...)
}
