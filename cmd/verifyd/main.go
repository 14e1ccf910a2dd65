// Command verifyd serves the email verification API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/optimode/verifyd"
	"github.com/optimode/verifyd/internal/httpapi"
	"github.com/optimode/verifyd/internal/jobstore"
	"github.com/optimode/verifyd/internal/metrics"
	"github.com/optimode/verifyd/internal/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "verifyd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		listen     = flag.String("listen", "", "listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	log, err := buildLogger(cfg.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	tracker := metrics.New(registry)

	limiter := ratelimit.New(cfg.RateLimit)
	go limiter.Janitor(ctx, 10*time.Minute)

	var jobs *jobstore.Store
	if cfg.Jobs.Path != "" {
		jobs, err = jobstore.Open(cfg.Jobs.Path)
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		defer jobs.Close()
	}

	verifier := verifyd.New(verifyd.Options{
		HeloDomain:  cfg.SMTP.HeloDomain,
		MailFrom:    cfg.SMTP.MailFrom,
		SMTPPort:    cfg.SMTP.Port,
		SMTPTimeout: cfg.SMTP.Timeout,
		HostRate:    cfg.SMTP.HostRate,
		DNSTimeout:  cfg.DNS.Timeout,
		MXCacheTTL:  cfg.DNS.CacheTTL,
		Workers:     cfg.Workers,
		Metrics:     tracker,
		Logger:      log.Named("verifier"),
	})
	defer verifier.Close()

	api := httpapi.New(httpapi.Config{
		Verifier:        verifier,
		Limiter:         limiter,
		Metrics:         tracker,
		Jobs:            jobs,
		InlineThreshold: cfg.Jobs.InlineThreshold,
		Registry:        registry,
		Logger:          log.Named("http"),
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: api,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
