// Package main is the entry point for the Mandrill inbound relay.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/inbound-relay/internal/config"
	"github.com/shineum/inbound-relay/internal/mandrill"
	"github.com/shineum/inbound-relay/internal/provider"
	"github.com/shineum/inbound-relay/internal/provider/archive"
	"github.com/shineum/inbound-relay/internal/provider/graph"
	"github.com/shineum/inbound-relay/internal/provider/redisqueue"
	"github.com/shineum/inbound-relay/internal/provider/ses"
	"github.com/shineum/inbound-relay/internal/provider/stdout"
	relaytls "github.com/shineum/inbound-relay/internal/tls"
	"github.com/shineum/inbound-relay/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tlsConfig, err := setupTLS(cfg)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		slog.Error("failed to create provider", "error", err)
		os.Exit(1)
	}

	normalizer := mandrill.NewNormalizer(
		mandrill.WithTempDir(cfg.Attachments.TempDir),
		mandrill.WithLogger(slog.Default()),
	)

	server := webhook.New(webhook.ServerConfig{
		ListenAddr:  cfg.HTTP.Listen,
		Path:        cfg.HTTP.Path,
		PublicURL:   cfg.HTTP.PublicURL,
		WebhookKey:  cfg.HTTP.WebhookKey,
		MaxBodySize: cfg.HTTP.MaxBodySize,
		SPF:         cfg.SPFOverride(),
		Workers:     cfg.Delivery.Workers,
		TLSConfig:   tlsConfig,
		Normalizer:  normalizer,
		Provider:    prov,
	})

	slog.Info("starting inbound-relay",
		"listen", cfg.HTTP.Listen,
		"path", cfg.HTTP.Path,
		"provider", prov.Name(),
		"delivery_workers", cfg.Delivery.Workers,
		"signature_enabled", cfg.SignatureEnabled(),
		"tls_enabled", tlsConfig != nil,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Blocks until the context is cancelled
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("inbound-relay stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// setupTLS returns nil when the listener should serve plain HTTP. Self-signed
// certificates cover the public URL's host when one is configured.
func setupTLS(cfg *config.Config) (*tls.Config, error) {
	if !cfg.TLSEnabled() {
		return nil, nil
	}

	var hosts []string
	if u, err := url.Parse(cfg.HTTP.PublicURL); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	return relaytls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, hosts...)
}

// selectProvider chooses the delivery backend. An explicit PROVIDER wins;
// otherwise the first fully configured backend is used, falling back to stdout.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "ses":
		if !cfg.SESConfigured() || len(cfg.Forward.To) == 0 {
			return nil, errors.New("SES provider requires SES_REGION, SES_SENDER and FORWARD_TO")
		}
		return newSES(ctx, cfg)

	case "graph":
		if !cfg.GraphConfigured() || len(cfg.Forward.To) == 0 {
			return nil, errors.New("Graph provider requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, GRAPH_SENDER and FORWARD_TO")
		}
		return newGraph(cfg), nil

	case "archive":
		if !cfg.ArchiveConfigured() {
			return nil, errors.New("archive provider requires ARCHIVE_BUCKET")
		}
		return newArchive(ctx, cfg)

	case "redis":
		if !cfg.RedisConfigured() {
			return nil, errors.New("redis provider requires REDIS_ADDR")
		}
		return newRedis(ctx, cfg)

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New(), nil

	case "":
		switch {
		case cfg.GraphConfigured() && len(cfg.Forward.To) > 0:
			return newGraph(cfg), nil
		case cfg.SESConfigured() && len(cfg.Forward.To) > 0:
			return newSES(ctx, cfg)
		case cfg.ArchiveConfigured():
			return newArchive(ctx, cfg)
		case cfg.RedisConfigured():
			return newRedis(ctx, cfg)
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newSES(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	slog.Info("using AWS SES provider",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
		"forward_to", cfg.Forward.To,
	)
	return ses.New(ctx, ses.SESProviderConfig{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
		ForwardTo:       cfg.Forward.To,
	})
}

func newGraph(cfg *config.Config) provider.Provider {
	slog.Info("using Microsoft Graph provider",
		"sender", cfg.Graph.Sender,
		"forward_to", cfg.Forward.To,
	)
	return graph.New(graph.GraphProviderConfig{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Sender:       cfg.Graph.Sender,
		ForwardTo:    cfg.Forward.To,
	})
}

func newArchive(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	slog.Info("using S3 archive provider",
		"bucket", cfg.Archive.Bucket,
		"prefix", cfg.Archive.Prefix,
	)
	return archive.New(ctx, archive.Config{
		Bucket: cfg.Archive.Bucket,
		Prefix: cfg.Archive.Prefix,
		Region: cfg.Archive.Region,
	})
}

func newRedis(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	slog.Info("using Redis queue provider",
		"addr", cfg.Redis.Addr,
		"key", cfg.Redis.Key,
	)
	return redisqueue.New(ctx, redisqueue.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Key:      cfg.Redis.Key,
	})
}
