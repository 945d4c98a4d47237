package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/JustinTDCT/cinevault-enricher/internal/assetcache"
	"github.com/JustinTDCT/cinevault-enricher/internal/logger"
	"github.com/JustinTDCT/cinevault-enricher/internal/metrics"
	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

// DefaultGCGrace keeps GC away from files and rows touched this recently,
// so a selection still between download and commit is not swept.
const DefaultGCGrace = time.Hour

// FileIndex is the cache file table as seen by GC.
type FileIndex interface {
	Recount(ctx context.Context, before time.Time) (int64, error)
	ListUnreferenced(ctx context.Context, before time.Time) ([]*models.CacheFile, error)
	RemoveIfUnreferenced(ctx context.Context, contentHash string, remove func(relativePath string) error) (bool, error)
	All(ctx context.Context) ([]*models.CacheFile, error)
	Stats(ctx context.Context) (count int, bytes int64, err error)
}

type GCReport struct {
	Recounted    int64 `json:"recounted"`
	Unreferenced int   `json:"unreferenced"`
	Orphans      int   `json:"orphans"`
	EmptyDirs    int   `json:"empty_dirs"`
	Files        int   `json:"files"`
	Bytes        int64 `json:"bytes"`
}

// Collector reclaims cache space the selection path left behind: rows
// whose count reached zero without their file being removed, files on
// disk no row knows about, and empty shard directories.
type Collector struct {
	files   FileIndex
	store   *assetcache.Store
	grace   time.Duration
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

func NewCollector(files FileIndex, store *assetcache.Store, grace time.Duration, m *metrics.Metrics, log *logger.Logger) *Collector {
	if grace < 0 {
		grace = DefaultGCGrace
	}
	return &Collector{
		files:   files,
		store:   store,
		grace:   grace,
		metrics: m,
		log:     logger.OrNop(log).Named("scheduler.gc"),
		now:     time.Now,
	}
}

// Sweep runs one collection. Individual file failures are logged and
// skipped; only reading the index fails the sweep.
func (c *Collector) Sweep(ctx context.Context) (*GCReport, error) {
	report := &GCReport{}
	cutoff := c.now().Add(-c.grace)

	recounted, err := c.files.Recount(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report.Recounted = recounted

	unreferenced, err := c.files.ListUnreferenced(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, f := range unreferenced {
		deleted, err := c.files.RemoveIfUnreferenced(ctx, f.ContentHash, c.store.Delete)
		if err != nil {
			c.log.Warn("delete unreferenced file", "content_hash", f.ContentHash, "path", f.RelativePath, "error", err)
			continue
		}
		if deleted {
			report.Unreferenced++
		}
	}

	orphans, err := c.sweepOrphans(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report.Orphans = orphans

	if report.EmptyDirs, err = c.store.PruneEmptyDirs(); err != nil {
		c.log.Warn("prune empty directories", "error", err)
	}

	if report.Files, report.Bytes, err = c.files.Stats(ctx); err != nil {
		c.log.Warn("read cache stats", "error", err)
	}
	c.metrics.SetCacheUsage(report.Files, report.Bytes)
	c.metrics.RecordGC(report.Unreferenced + report.Orphans)

	c.log.Info("gc sweep finished", "recounted", report.Recounted, "unreferenced", report.Unreferenced,
		"orphans", report.Orphans, "empty_dirs", report.EmptyDirs, "files", report.Files, "bytes", report.Bytes)
	return report, nil
}

// sweepOrphans deletes files older than cutoff that no row points at.
func (c *Collector) sweepOrphans(ctx context.Context, cutoff time.Time) (int, error) {
	tracked, err := c.files.All(ctx)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(tracked))
	for _, f := range tracked {
		known[f.RelativePath] = true
	}

	var orphans []string
	err = c.store.Walk(func(rel string, _ int64) error {
		if known[rel] {
			return nil
		}
		if mod, err := c.store.ModTime(rel); err != nil || mod.After(cutoff) {
			return nil
		}
		orphans = append(orphans, rel)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk cache: %w", err)
	}

	removed := 0
	for _, rel := range orphans {
		if err := c.store.Delete(rel); err != nil {
			c.log.Warn("delete orphan file", "path", rel, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
