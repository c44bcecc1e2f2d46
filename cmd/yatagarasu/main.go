// Command yatagarasu runs the S3-compatible reverse proxy: it loads the
// YAML configuration, compiles it into a snapshot, and serves the public
// and admin listeners until terminated. SIGHUP reloads the configuration
// without dropping in-flight connections; SIGTERM drains them within a
// configured deadline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yatagarasu/yatagarasu/internal/audit"
	"github.com/yatagarasu/yatagarasu/internal/config"
	"github.com/yatagarasu/yatagarasu/internal/pipeline"
	"github.com/yatagarasu/yatagarasu/internal/server"
	"github.com/yatagarasu/yatagarasu/internal/snapshot"
)

// Exit codes, spec.md §6 Signals.
const (
	exitOK           = 0
	exitDrainTimeout = 1
	exitConfigError  = 2
	exitFatal        = 3
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			code = exitFatal
		}
	}()

	configPath := flag.String("config", "config.yaml", "path to the proxy YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfigError
	}

	log := newLogger(cfg.Logging)

	auditWriter, closeAudit, err := openAuditSink(cfg.Audit.Path)
	if err != nil {
		log.WithError(err).Error("failed to open audit sink")
		return exitConfigError
	}
	defer closeAudit()

	auditStore := audit.NewStore(
		auditWriter,
		cfg.Audit.BufferSize,
		time.Duration(cfg.Audit.FlushIntervalSeconds)*time.Second,
		log,
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		auditStore.Close(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	snap, err := snapshot.Compile(ctx, cfg)
	cancel()
	if err != nil {
		log.WithError(err).Error("failed to compile snapshot")
		return exitConfigError
	}
	store := snapshot.NewStore(snap)

	pipe := pipeline.New(store, auditStore, log, cfg.Admission.MaxInFlight)
	pipe.HealthHandler = server.HealthHandler(store)
	pipe.MetricsHandler = server.MetricsHandler()
	srv := server.New(cfg, pipe, store, log)
	srv.Start()
	log.WithFields(logrus.Fields{
		"address": fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		"admin":   fmt.Sprintf("%s:%d", cfg.Admin.Address, cfg.Admin.Port),
	}).Info("yatagarasu listening")

	return waitForSignal(cfg, *configPath, store, srv, log)
}

// waitForSignal blocks until SIGTERM/SIGINT triggers a graceful drain, or
// repeated SIGHUPs trigger config reloads in between.
func waitForSignal(cfg *config.Config, configPath string, store *snapshot.Store, srv *server.Server, log *logrus.Logger) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			reload(configPath, store, log)
		case syscall.SIGTERM, syscall.SIGINT:
			signal.Stop(sigCh)
			return drain(cfg, srv, log)
		}
	}
	return exitOK
}

// reload re-loads and re-compiles the configuration and atomically swaps
// the running snapshot. A failure here leaves the previous snapshot
// serving traffic; the proxy never tears itself down on a bad reload.
func reload(configPath string, store *snapshot.Store, log *logrus.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Error("reload: failed to load config, keeping previous snapshot")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap, err := snapshot.Compile(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("reload: failed to compile snapshot, keeping previous snapshot")
		return
	}

	store.Swap(snap)
	log.Info("reload: snapshot swapped")
}

func drain(cfg *config.Config, srv *server.Server, log *logrus.Logger) int {
	log.Info("shutdown: draining in-flight requests")
	timeout := time.Duration(cfg.Admission.ShutdownTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown: drain deadline exceeded")
		return exitDrainTimeout
	}
	log.Info("shutdown: complete")
	return exitOK
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// openAuditSink resolves the audit.Path convention ("-" or empty means
// stdout) to an io.Writer and a matching close function.
func openAuditSink(path string) (*os.File, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
