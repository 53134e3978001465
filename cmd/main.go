package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/appstage-io/appstage/internal/auth"
	"github.com/appstage-io/appstage/internal/blob"
	"github.com/appstage-io/appstage/internal/checkout"
	"github.com/appstage-io/appstage/internal/config"
	"github.com/appstage-io/appstage/internal/dispatch"
	"github.com/appstage-io/appstage/internal/hosting"
	"github.com/appstage-io/appstage/internal/install"
	"github.com/appstage-io/appstage/internal/logging"
	"github.com/appstage-io/appstage/internal/metrics"
	"github.com/appstage-io/appstage/internal/modulecache"
	"github.com/appstage-io/appstage/internal/preview"
	"github.com/appstage-io/appstage/internal/release"
	"github.com/appstage-io/appstage/internal/server"
	"github.com/appstage-io/appstage/internal/settings"
)

const runtimeModuleFile = "serverRuntime.cjs"

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "APPSTAGE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	store := buildBlobStore(logger, cfg.Server.Cache)
	app, err := newApplication(cfg, logger, store)
	if err != nil {
		logger.Error("unable to assemble application", slog.Any("error", err))
		os.Exit(1)
	}

	srv, err := server.New(cfg, logger, app.handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// application holds the wired components; tests assemble one over a memory
// blob store.
type application struct {
	handler     *server.Handler
	deployCache *modulecache.Cache
	engine      *dispatch.Engine
}

func newApplication(cfg config.Config, logger *slog.Logger, store blob.Store) (*application, error) {
	files := cfg.Server.Files
	deployCache := modulecache.New(cfg.Server.Cache.DeployRoot, files.ServerFilesDir(), store, nil, logger)
	previewCache := modulecache.New(cfg.Server.Cache.PreviewRoot, files.PreviewFilesDir(), store, nil, logger)
	settingsCache := modulecache.New(cfg.Server.Cache.SettingsRoot, files.SettingsFilesDir(), store, nil, logger)

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	hostingClient := hosting.New(cfg.Server.Hosting, logger)
	settingsStore := settings.New(settingsCache, hostingClient, cfg.Server.Hosting.DefaultProject, logger)

	var verifier auth.Verifier
	if secret := cfg.Server.Auth.Secret; secret != "" {
		verifier = auth.NewHMAC([]byte(secret))
	}
	engine := dispatch.New(deployCache, previewCache, verifier, recorder, logger)

	runtimeURL := strings.TrimRight(cfg.Server.Runtime.ImportPath, "/") + "/" + runtimeModuleFile
	checkInterval := time.Duration(cfg.Server.Runtime.CheckIntervalSeconds) * time.Second
	previewService := preview.New(previewCache, settingsStore, engine, runtimeURL, checkInterval, logger)

	pipeline := release.New(hostingClient, checkout.NewGit(logger), deployCache, cfg.Server.Hosting, runtimeURL, files.DeployScratchDir(), recorder, logger)
	installer := install.New(hostingClient, cfg.Server.Hosting, logger)

	handler, err := server.NewHandler(
		engine, pipeline, installer, settingsStore, previewService,
		deployCache, recorder, cfg.Server.Services, logger,
	)
	if err != nil {
		return nil, err
	}
	return &application{handler: handler, deployCache: deployCache, engine: engine}, nil
}

// buildBlobStore selects the remote cache tier, falling back to memory when
// valkey is unreachable so a broken cache never blocks startup.
func buildBlobStore(logger *slog.Logger, cfg config.CacheConfig) blob.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory blob store")
		return blob.NewMemory()
	case "valkey", "redis":
		store, err := blob.NewValkey(blob.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: blob.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey blob store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory blob store")
			return blob.NewMemory()
		}
		logger.Info("using valkey blob store", slog.String("address", cfg.Valkey.Address))
		return store
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return blob.NewMemory()
	}
}
