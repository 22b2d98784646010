package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/skiff/adapter"
	"github.com/justapithecus/skiff/adapter/redis"
	"github.com/justapithecus/skiff/adapter/webhook"
	"github.com/justapithecus/skiff/cli/config"
	"github.com/justapithecus/skiff/log"
	"github.com/justapithecus/skiff/metrics"
	"github.com/justapithecus/skiff/release"
	"github.com/justapithecus/skiff/store"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 15 * time.Second

// ServeCommand returns the serve command of skiff-releases.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve channel manifests and artifacts",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address (default :8080)",
			},
			&cli.StringFlag{
				Name:  "storage-path",
				Usage: "Artifact directory for the fs backend",
			},
			&cli.StringFlag{
				Name:    "admin-token",
				Usage:   "Bearer token required to publish",
				EnvVars: []string{"SKIFF_ADMIN_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "public-url",
				Usage: "Base URL prefixed to artifact URLs in manifests",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
		},
		Action: serveAction,
	}
}

func loadServerConfig(c *cli.Context) (config.ServerConfig, error) {
	file, err := config.LoadOptional(c.String("config"))
	if err != nil {
		return config.ServerConfig{}, cli.Exit(err.Error(), exitUsage)
	}
	cfg := file.Server
	override := func(flag string, dst *string) {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	override("listen", &cfg.Listen)
	override("storage-path", &cfg.Storage.Path)
	override("admin-token", &cfg.AdminToken)
	override("public-url", &cfg.PublicURL)
	override("log-level", &cfg.Log.Level)

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, cli.Exit(fmt.Sprintf("invalid configuration: %v", err), exitUsage)
	}
	return cfg, nil
}

// releaseService is the wired release service.
type releaseService struct {
	registry *release.Registry
	handler  *release.Handler
	metrics  *metrics.Collector
}

func newReleaseService(ctx context.Context, cfg config.ServerConfig, logger *log.Logger) (*releaseService, error) {
	s3cfg := store.S3Config{
		Bucket:       cfg.Storage.Bucket,
		Prefix:       cfg.Storage.Prefix,
		Region:       cfg.Storage.Region,
		Endpoint:     cfg.Storage.Endpoint,
		UsePathStyle: cfg.Storage.PathStyle,
	}

	var artifacts store.ArtifactStore
	switch cfg.Storage.Backend {
	case "s3":
		client, err := store.NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		s3store, err := store.NewS3ArtifactStore(client, s3cfg)
		if err != nil {
			return nil, err
		}
		artifacts = s3store
	default:
		fsStore, err := store.NewFSArtifactStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		artifacts = fsStore
	}

	var (
		ledger *store.Ledger
		err    error
	)
	if cfg.Ledger.Path != "" {
		ledger, err = store.NewFSLedger(cfg.Ledger.Dataset, cfg.Ledger.Path)
	} else {
		ledger, err = store.NewS3Ledger(ctx, cfg.Ledger.Dataset, s3cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	notifier, err := newNotifier(cfg.Adapter)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector("release", "", artifacts.Backend())
	registry, err := release.NewRegistry(release.Config{
		Artifacts: artifacts,
		Ledger:    ledger,
		Notifier:  notifier,
		PublicURL: cfg.PublicURL,
		Logger:    logger,
		Metrics:   collector,
	})
	if err != nil {
		_ = notifier.Close()
		return nil, err
	}
	n, err := registry.Restore(ctx)
	if err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("restore ledger: %w", err)
	}
	logger.Info("ledger restored", map[string]any{"records": n, "channels": len(registry.List())})

	handler := release.NewHandler(release.HandlerConfig{
		Registry:   registry,
		Artifacts:  artifacts,
		AdminToken: cfg.AdminToken,
		Logger:     logger,
		Metrics:    collector,
	})
	return &releaseService{registry: registry, handler: handler, metrics: collector}, nil
}

func newNotifier(cfg config.AdapterConfig) (adapter.Adapter, error) {
	retries := 0
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}
	switch cfg.Type {
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Secret:  cfg.Secret,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	case "redis":
		return redis.New(redis.Config{
			URL:        cfg.URL,
			Channel:    cfg.Channel,
			KeepLatest: cfg.KeepLatest,
			Timeout:    cfg.Timeout.Duration,
			Retries:    retries,
		})
	default:
		return adapter.Nop{}, nil
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadServerConfig(c)
	if err != nil {
		return err
	}
	logger := log.NewLogger(log.Context{Component: "release"}).WithLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		logger = logger.WithFile(cfg.Log.File, log.Rotation{
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newReleaseService(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitFailed)
	}
	defer func() {
		if err := svc.registry.Close(); err != nil {
			logger.Warn("close notifier", map[string]any{"error": err.Error()})
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]any{
			"addr":    cfg.Listen,
			"backend": cfg.Storage.Backend,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return cli.Exit(fmt.Sprintf("server failed: %v", err), exitFailed)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return cli.Exit(fmt.Sprintf("shutdown: %v", err), exitFailed)
	}
	return nil
}
