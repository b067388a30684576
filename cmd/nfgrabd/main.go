package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nfgrab/nfgrab/internal/api"
	"github.com/nfgrab/nfgrab/internal/browser"
	"github.com/nfgrab/nfgrab/internal/config"
	"github.com/nfgrab/nfgrab/internal/fetch"
	"github.com/nfgrab/nfgrab/internal/job"
	"github.com/nfgrab/nfgrab/internal/logging"
	"github.com/nfgrab/nfgrab/internal/metrics"
	"github.com/nfgrab/nfgrab/internal/notify"
	"github.com/nfgrab/nfgrab/internal/orchestrator"
	"github.com/nfgrab/nfgrab/internal/scan"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.Init(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	history, err := job.NewHistoryStore(cfg.DBPath)
	if err != nil {
		logger.Fatal("open history store", zap.Error(err))
	}
	defer history.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	validator := fetch.Validator{MinBytes: cfg.MinArtifactBytes}
	paths := fetch.PathBuilder{Base: cfg.DownloadsBasePath}
	dl := fetch.NewDownloader(paths, validator, logger)
	scanner := scan.New(fetch.NewResolver(), dl, scan.Config{
		MaxRetriesPerStep: cfg.MaxRetriesPerStep,
		MinActionDelay:    cfg.MinActionDelay,
		OpTimeout:         cfg.OpTimeout,
	}, logger)

	engine := browser.NewRemote(cfg.EngineURL, logger)
	creds := browser.NewFileProvider(cfg.CredentialsPath)
	notifier := notify.New(cfg.CallbackURL, logger)

	orch := orchestrator.New(cfg, job.NewStatusStore(), history, engine, creds, scanner, notifier, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.Recover(ctx)
	orch.Start(ctx)

	h := api.NewHandler(orch, history, cfg, logger)
	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     h.Routes(reg),
		ReadTimeout: 30 * time.Second,
		// No write timeout: the events endpoint holds streams open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("nfgrab listening", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	orch.Wait()
}
