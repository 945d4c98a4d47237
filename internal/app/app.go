// Package app wires configuration, storage, providers and the enrichment
// service into one process.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JustinTDCT/cinevault-enricher/internal/artwork"
	"github.com/JustinTDCT/cinevault-enricher/internal/assetcache"
	"github.com/JustinTDCT/cinevault-enricher/internal/config"
	"github.com/JustinTDCT/cinevault-enricher/internal/db"
	"github.com/JustinTDCT/cinevault-enricher/internal/enrichment"
	"github.com/JustinTDCT/cinevault-enricher/internal/logger"
	"github.com/JustinTDCT/cinevault-enricher/internal/metadata"
	"github.com/JustinTDCT/cinevault-enricher/internal/metrics"
	"github.com/JustinTDCT/cinevault-enricher/internal/repository"
	"github.com/JustinTDCT/cinevault-enricher/internal/scheduler"
)

type App struct {
	Config  *config.Config
	DB      *sql.DB
	Log     *logger.Logger
	Metrics *metrics.Metrics

	Entities *repository.ProviderCacheRepository
	Assets   *repository.AssetRepository
	Files    *repository.CacheFileRepository
	Settings *repository.SettingsRepository
	Store    *assetcache.Store

	Orchestrator *metadata.Orchestrator
	Synchronizer *artwork.Synchronizer
	Service      *enrichment.Service

	providers []string
}

// New connects to the database, brings the schema up to date, overlays
// stored settings on cfg and builds the service.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	log = logger.OrNop(log)

	conn, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	a := &App{
		Config:   cfg,
		DB:       conn,
		Log:      log,
		Entities: repository.NewProviderCacheRepository(conn),
		Assets:   repository.NewAssetRepository(conn),
		Files:    repository.NewCacheFileRepository(conn),
		Settings: repository.NewSettingsRepository(conn),
	}
	cfg.MergeFromDB(ctx, a.Settings, log)

	if a.Metrics, err = metrics.New(prometheus.NewRegistry()); err != nil {
		conn.Close()
		return nil, err
	}

	minFree := uint64(0)
	if cfg.MinFreeDiskMB > 0 {
		minFree = uint64(cfg.MinFreeDiskMB) << 20
	}
	if a.Store, err = assetcache.NewStore(cfg.MediaCacheDir(), minFree); err != nil {
		conn.Close()
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	primary := metadata.NewTMDBProvider(cfg.TMDBAPIKey, cfg.PreferredLanguage, client, a.Entities, a.Assets)
	a.providers = []string{primary.Name()}

	var secondaries []metadata.Contributor
	if cfg.FanartAPIKey != "" {
		secondaries = append(secondaries, metadata.NewFanartProvider(cfg.FanartAPIKey, client, a.Entities, a.Assets))
	}
	if cfg.OMDbAPIKey != "" {
		secondaries = append(secondaries, metadata.NewOMDbProvider(cfg.OMDbAPIKey, client, a.Entities, a.Assets))
	}
	if cfg.TVDBAPIKey != "" {
		secondaries = append(secondaries, metadata.NewTVDBProvider(cfg.TVDBAPIKey, client, a.Entities, a.Assets))
	}
	for _, s := range secondaries {
		a.providers = append(a.providers, s.Name())
	}
	if cfg.TMDBAPIKey == "" {
		log.Warn("TMDB API key not set; fetches will only be served from the cache")
	}

	a.Orchestrator = metadata.NewOrchestrator(primary, secondaries, a.Entities, metadata.OrchestratorConfig{
		Budget:   cfg.FetchBudget,
		Cooldown: cfg.ProviderCooldown,
	}, a.Metrics, log)
	a.Synchronizer = artwork.NewSynchronizer(a.Assets, a.Files, a.Store, assetcache.NewDownloader(client),
		cfg.DownloadConcurrency, a.Metrics, log)
	a.Service = enrichment.NewService(a.Orchestrator, a.Assets, a.Synchronizer, enrichment.Options{
		PreferredLanguage: cfg.PreferredLanguage,
		DedupThreshold:    cfg.DedupThreshold,
	}, log)

	log.Info("enricher ready", "providers", a.providers, "media_dir", a.Store.Root())
	return a, nil
}

// Providers lists the configured providers, primary first.
func (a *App) Providers() []string {
	return append([]string{}, a.providers...)
}

func (a *App) Collector() *scheduler.Collector {
	return scheduler.NewCollector(a.Files, a.Store, scheduler.DefaultGCGrace, a.Metrics, a.Log)
}

// Health checks the database.
func (a *App) Health(ctx context.Context) error {
	if err := a.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
