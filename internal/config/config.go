package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/JustinTDCT/cinevault-enricher/internal/logger"
)

type Config struct {
	Port        int
	DatabaseURL string
	RedisAddr   string
	DataDir     string
	LogMode     string

	TMDBAPIKey   string
	FanartAPIKey string
	OMDbAPIKey   string
	TVDBAPIKey   string

	PreferredLanguage   string
	CacheMaxAge         time.Duration
	FetchBudget         time.Duration
	ProviderCooldown    time.Duration
	DedupThreshold      float64
	DownloadConcurrency int
	MinFreeDiskMB       int64
	MaxPerCategory      map[string]int

	GCSchedule      string
	RefreshSchedule string
	RefreshBatch    int
}

// defaultMaxPerCategory is how many images of each kind are kept selected.
var defaultMaxPerCategory = map[string]int{
	"poster":    1,
	"fanart":    5,
	"banner":    1,
	"logo":      1,
	"clearart":  1,
	"discart":   1,
	"thumb":     1,
	"landscape": 1,
	"keyart":    1,
}

// Load reads .env (if present) and the process environment.
func Load() *Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8090)
	v.SetDefault("DATABASE_URL", "postgres://cinevault:cinevault@db:5432/cinevault?sslmode=disable")
	v.SetDefault("REDIS_ADDR", "redis:6379")
	v.SetDefault("DATA_DIR", "/data")
	v.SetDefault("LOG_MODE", "production")
	v.SetDefault("PREFERRED_LANGUAGE", "en")
	v.SetDefault("CACHE_MAX_AGE", "168h")
	v.SetDefault("FETCH_BUDGET", "15s")
	v.SetDefault("PROVIDER_COOLDOWN", "60s")
	v.SetDefault("DEDUP_THRESHOLD", 0.9)
	v.SetDefault("DOWNLOAD_CONCURRENCY", 4)
	v.SetDefault("MIN_FREE_DISK_MB", 512)
	v.SetDefault("GC_SCHEDULE", "@every 6h")
	v.SetDefault("REFRESH_SCHEDULE", "@daily")
	v.SetDefault("REFRESH_BATCH", 100)

	cfg := &Config{
		Port:                v.GetInt("PORT"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		RedisAddr:           v.GetString("REDIS_ADDR"),
		DataDir:             v.GetString("DATA_DIR"),
		LogMode:             v.GetString("LOG_MODE"),
		TMDBAPIKey:          v.GetString("TMDB_API_KEY"),
		FanartAPIKey:        v.GetString("FANART_API_KEY"),
		OMDbAPIKey:          v.GetString("OMDB_API_KEY"),
		TVDBAPIKey:          v.GetString("TVDB_API_KEY"),
		PreferredLanguage:   v.GetString("PREFERRED_LANGUAGE"),
		CacheMaxAge:         v.GetDuration("CACHE_MAX_AGE"),
		FetchBudget:         v.GetDuration("FETCH_BUDGET"),
		ProviderCooldown:    v.GetDuration("PROVIDER_COOLDOWN"),
		DedupThreshold:      v.GetFloat64("DEDUP_THRESHOLD"),
		DownloadConcurrency: v.GetInt("DOWNLOAD_CONCURRENCY"),
		MinFreeDiskMB:       v.GetInt64("MIN_FREE_DISK_MB"),
		GCSchedule:          v.GetString("GC_SCHEDULE"),
		RefreshSchedule:     v.GetString("REFRESH_SCHEDULE"),
		RefreshBatch:        v.GetInt("REFRESH_BATCH"),
		MaxPerCategory:      make(map[string]int, len(defaultMaxPerCategory)),
	}

	for category, def := range defaultMaxPerCategory {
		key := "MAX_" + strings.ToUpper(category)
		v.SetDefault(key, def)
		cfg.MaxPerCategory[category] = v.GetInt(key)
	}
	return cfg
}

// SettingsReader is the source of stored overrides.
type SettingsReader interface {
	GetAll(ctx context.Context) (map[string]string, error)
}

// MergeFromDB overlays values stored in system_settings on top of the
// environment. Unknown keys and unparsable values are ignored.
func (c *Config) MergeFromDB(ctx context.Context, settings SettingsReader, log *logger.Logger) {
	log = logger.OrNop(log)
	values, err := settings.GetAll(ctx)
	if err != nil {
		log.Warn("config: skipping DB merge", "error", err)
		return
	}
	for key, value := range values {
		if !c.apply(key, value) {
			log.Debug("config: ignored setting", "key", key)
		}
	}
}

func (c *Config) apply(key, value string) bool {
	switch key {
	case "tmdb_api_key":
		c.TMDBAPIKey = value
	case "fanart_api_key":
		c.FanartAPIKey = value
	case "omdb_api_key":
		c.OMDbAPIKey = value
	case "tvdb_api_key":
		c.TVDBAPIKey = value
	case "preferred_language":
		if value == "" {
			return false
		}
		c.PreferredLanguage = value
	case "cache_max_age":
		d, err := cast.ToDurationE(value)
		if err != nil || d <= 0 {
			return false
		}
		c.CacheMaxAge = d
	case "dedup_threshold":
		f, err := cast.ToFloat64E(value)
		if err != nil || f <= 0 || f > 1 {
			return false
		}
		c.DedupThreshold = f
	case "download_concurrency":
		n, err := cast.ToIntE(value)
		if err != nil || n <= 0 {
			return false
		}
		c.DownloadConcurrency = n
	default:
		category, ok := strings.CutPrefix(key, "max_")
		if !ok {
			return false
		}
		if _, known := c.MaxPerCategory[category]; !known {
			return false
		}
		n, err := cast.ToIntE(value)
		if err != nil || n < 0 {
			return false
		}
		c.MaxPerCategory[category] = n
	}
	return true
}

// MaxFor returns the selection limit for a category, 1 when unconfigured.
func (c *Config) MaxFor(category string) int {
	if n, ok := c.MaxPerCategory[category]; ok {
		return n
	}
	return 1
}

// MediaCacheDir is where content-addressed artwork lives.
func (c *Config) MediaCacheDir() string {
	return filepath.Join(c.DataDir, "cache", "media")
}
