package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpAdapter "github.com/cwygoda/imscraper/internal/adapter/http"
	"github.com/cwygoda/imscraper/internal/adapter/redis"
	"github.com/cwygoda/imscraper/internal/adapter/spreadsheet"
	"github.com/cwygoda/imscraper/internal/adapter/sqlite"
	"github.com/cwygoda/imscraper/internal/config"
	"github.com/cwygoda/imscraper/internal/domain"
	"github.com/cwygoda/imscraper/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP intake and the background worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()
		return serve(cfg, log)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "HTTP port")
}

func openStore(ctx context.Context, cfg *config.Config) (domain.JobRepository, func() error, error) {
	switch cfg.Storage.Backend {
	case "redis":
		store := redis.New(cfg.Storage.RedisAddr, cfg.Storage.RedisPrefix)
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		repo, err := sqlite.New(cfg.Storage.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	}
}

func serve(cfg *config.Config, log *zap.SugaredLogger) error {
	log.Infow("starting imscraper",
		"port", cfg.Server.Port,
		"store", cfg.Storage.Backend,
		"data_dir", cfg.Storage.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "open job store")
	}
	defer closeStore()

	writer := spreadsheet.NewWriter(cfg.Storage.DataDir, log)
	svc := domain.NewJobService(repo, domain.NewCredentialVault(), domain.WithArtifactRemover(writer))

	// Credentials never outlive the process, so nothing left running can resume.
	if recovered, err := svc.RecoverStale(ctx); err != nil {
		log.Warnw("failed to recover stale jobs", "error", err)
	} else if recovered > 0 {
		log.Infow("recovered stale jobs", "count", recovered)
	}

	runner := newRunner(cfg, svc, writer, log)
	w := worker.New(svc, runner, worker.Options{
		PollInterval: cfg.Worker.PollInterval.Duration,
		MaxJobs:      cfg.Worker.MaxJobs,
		Heartbeat:    cfg.Worker.Heartbeat.Duration,
	}, log.Named("worker"))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := httpAdapter.NewServer(svc, runner, addr, log.Named("http"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(ctx)
	}()

	srvErr := make(chan error, 1)
	go func() {
		log.Infow("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case sig := <-sigCh:
		log.Infow("received signal, shutting down", "signal", sig.String())
	case err := <-srvErr:
		log.Errorw("HTTP server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP server shutdown error", "error", err)
	}

	cancel()
	<-workerDone
	log.Info("shutdown complete")
	return nil
}
