// Package main runs the appointment availability alert service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"citaprevia-notifier/email"
	"citaprevia-notifier/metrics"
	"citaprevia-notifier/poll"
	"citaprevia-notifier/postal"
	"citaprevia-notifier/provider"
	"citaprevia-notifier/queue"
	"citaprevia-notifier/server"
	"citaprevia-notifier/subscription"
	"citaprevia-notifier/token"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.logLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	registry, err := loadRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("Postal codes loaded", "count", registry.Len())

	codec, err := newCodec(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	mailer, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sender := email.New(mailer, logger, cfg.baseURL)

	availability := provider.New(provider.NewHTTPClient(cfg.providerTimeout, cfg.insecureTLS), registry, cfg.providerURL, logger)

	pollCfg := poll.DefaultConfig()
	pollCfg.PollTimeout = cfg.providerTimeout
	manager := poll.New(pollCfg, availability, sender, m, logger)
	defer manager.Close()

	pending := queue.New(queue.DefaultConfig(), registry, manager, codec, m, logger)
	orchestrator := subscription.New(registry, codec, pending, manager, sender, logger)

	srv := server.New(&server.Config{
		Service:       orchestrator,
		Logger:        logger,
		Gatherer:      reg,
		CORSOrigins:   cfg.corsOrigins,
		MaxPostalCode: cfg.maxPostalCode,
		QueuePerHour:  cfg.queuePerHour,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.port) })
	g.Go(func() error { return pending.Run(ctx) })
	return g.Wait()
}

func loadRegistry(ctx context.Context, cfg *config, logger *slog.Logger) (*postal.Registry, error) {
	if !cfg.production() {
		path := filepath.Join(cfg.dataPath, "postal.json")
		logger.Info("Running in local development mode", "postal_path", path)
		return postal.LoadFile(path)
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize storage client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}()
	return postal.LoadObject(ctx, client, cfg.postalBucket, cfg.postalObject, logger)
}

func newCodec(cfg *config, logger *slog.Logger) (*token.Codec, error) {
	secret := cfg.secretKey
	if secret == "" {
		generated, err := token.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate token key: %w", err)
		}
		logger.Warn("No SECRET_KEY set, using a random key for this process")
		secret = generated
	}
	key, err := token.ParseKey(secret)
	if err != nil {
		return nil, fmt.Errorf("SECRET_KEY: %w", err)
	}
	return token.New(key)
}

func newEmailProvider(ctx context.Context, cfg *config, logger *slog.Logger) (email.Provider, error) {
	name := cfg.emailProvider
	if name == "" {
		name = "mock"
		if cfg.googleCreds != "" || cfg.production() {
			name = "gmail"
		}
	}
	logger.Info("Email provider selected", "provider", name)

	switch name {
	case "gmail":
		svc, err := initGmailService(ctx, cfg.googleCreds)
		if err != nil {
			if cfg.production() {
				return nil, fmt.Errorf("initialize Gmail service: %w", err)
			}
			logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			return email.NewMockProvider(logger), nil
		}
		return email.NewGmailProvider(svc, logger), nil
	case "brevo":
		return email.NewBrevoProvider(cfg.brevoKey, cfg.fromAddress, cfg.fromName, logger), nil
	case "sendgrid":
		return email.NewSendGridProvider(cfg.sendgridKey, cfg.fromAddress, cfg.fromName, logger), nil
	default:
		return email.NewMockProvider(logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Cloud Run provides Application Default Credentials for the service account,
	// which needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
