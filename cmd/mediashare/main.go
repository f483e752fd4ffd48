package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/net/netutil"

	"mediashare/internal/broadcast"
	"mediashare/internal/config"
	"mediashare/internal/httpserver"
	"mediashare/internal/metrics"
	"mediashare/internal/repository"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var flags config.Flags
	flagSet := pflag.NewFlagSet("mediashare", pflag.ContinueOnError)
	flags.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := flags.Resolve()
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("mkdir state: %w", err)
	}

	m := metrics.New()
	hub := broadcast.NewHub(broadcast.Options{
		QueueSize:    cfg.ObserverQueue,
		PingInterval: cfg.PingInterval.Std(),
		Logger:       logger,
		Metrics:      m,
	})
	repo, err := repository.New(repository.Options{
		Root:              cfg.Root,
		StateDir:          cfg.StateDir,
		MaxFileSize:       cfg.MaxFileSize,
		DeleteParallelism: cfg.DeleteParallelism,
		Logger:            logger,
		Notifier: repository.NotifierFunc(func(c repository.Change) {
			hub.Publish(broadcast.Signal{Epoch: c.Epoch, Reason: string(c.Op)})
		}),
	})
	if err != nil {
		return fmt.Errorf("repository init: %w", err)
	}

	srv, err := httpserver.New(httpserver.Options{
		Config:  cfg,
		Repo:    repo,
		Hub:     hub,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: archives stream for up to ArchiveTimeout.
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go hub.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		logger.Info("mediashare listening", "addr", ln.Addr().String(), "root", cfg.Root, "maxConns", cfg.MaxConns)
		errc <- httpSrv.Serve(ln)
	}()

	select {
	case err := <-errc:
		hub.Close()
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	err = httpSrv.Shutdown(shutdownCtx)
	hub.Wait()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}
