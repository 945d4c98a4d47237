package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinTDCT/cinevault-enricher/internal/config"
	"github.com/JustinTDCT/cinevault-enricher/internal/db"
	"github.com/JustinTDCT/cinevault-enricher/internal/models"
	"github.com/JustinTDCT/cinevault-enricher/internal/repository"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DatabaseURL:       "sqlite://" + filepath.Join(dir, "app.db"),
		DataDir:           dir,
		PreferredLanguage: "en",
		TMDBAPIKey:        "tmdb-key",
		FanartAPIKey:      "fanart-key",
		DedupThreshold:    0.9,
		MaxPerCategory:    map[string]int{"poster": 1},
	}
}

func TestNew_WiresConfiguredProviders(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	assert.Equal(t, []string{models.ProviderTMDB, models.ProviderFanart}, a.Providers())
	assert.NotNil(t, a.Service)
	assert.NoError(t, a.Health(context.Background()))
	assert.DirExists(t, a.Store.Root())
}

func TestNew_StoredSettingsOverrideEnvironment(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	conn, err := db.Connect(cfg.DatabaseURL)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, conn))
	settings := repository.NewSettingsRepository(conn)
	require.NoError(t, settings.Set(ctx, "omdb_api_key", "omdb-key"))
	require.NoError(t, settings.Set(ctx, "max_poster", "3"))
	require.NoError(t, conn.Close())

	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	assert.Contains(t, a.Providers(), models.ProviderOMDb)
	assert.Equal(t, 3, a.Config.MaxFor("poster"))
}

func TestCollector_SweepsEmptyCache(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	report, err := a.Collector().Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Files)
}
