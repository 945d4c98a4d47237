package artwork

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JustinTDCT/cinevault-enricher/internal/assetcache"
	"github.com/JustinTDCT/cinevault-enricher/internal/fingerprint"
	"github.com/JustinTDCT/cinevault-enricher/internal/logger"
	"github.com/JustinTDCT/cinevault-enricher/internal/metrics"
	"github.com/JustinTDCT/cinevault-enricher/internal/models"
	"github.com/JustinTDCT/cinevault-enricher/internal/repository"
)

const DefaultDownloadConcurrency = 4

// Choose drops near-duplicates from scored candidates (best first) and
// keeps the best maxAllowable. It also reports how many candidates were
// collapsed as duplicates.
func Choose(scored []Scored, maxAllowable int, threshold float64) ([]Scored, int) {
	unique := Deduplicate(scored, threshold)
	duplicates := len(scored) - len(unique)
	if maxAllowable >= 0 && len(unique) > maxAllowable {
		unique = unique[:maxAllowable]
	}
	return unique, duplicates
}

// Reconcile diffs two selections of one category. New ids missing from
// byID are not downloaded. Order of the inputs does not matter for
// Unchanged.
func Reconcile(old, new []uuid.UUID, byID map[uuid.UUID]models.ProviderAsset) models.SelectionDiff {
	oldSet := make(map[uuid.UUID]bool, len(old))
	for _, id := range old {
		oldSet[id] = true
	}
	newSet := make(map[uuid.UUID]bool, len(new))
	for _, id := range new {
		newSet[id] = true
	}

	var diff models.SelectionDiff
	seen := map[uuid.UUID]bool{}
	for _, id := range new {
		if oldSet[id] || seen[id] {
			continue
		}
		seen[id] = true
		if byID != nil {
			if _, ok := byID[id]; !ok {
				continue
			}
		}
		diff.ToDownload = append(diff.ToDownload, id)
	}
	for _, id := range old {
		if newSet[id] || seen[id] {
			continue
		}
		seen[id] = true
		diff.ToEvict = append(diff.ToEvict, id)
	}

	diff.Unchanged = len(oldSet) == len(newSet)
	if diff.Unchanged {
		for id := range newSet {
			if !oldSet[id] {
				diff.Unchanged = false
				break
			}
		}
	}
	return diff
}

// CandidateStore is the part of the candidate table a selection touches.
type CandidateStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ProviderAsset, error)
	SetContent(ctx context.Context, id uuid.UUID, contentHash, perceptualHash string, width, height int) error
	ApplySelection(ctx context.Context, change repository.SelectionChange) ([]string, error)
	PurgeLocal(ctx context.Context, entityID uuid.UUID, category models.AssetCategory) (int64, error)
}

// FileIndex tracks cache files and their reference counts.
type FileIndex interface {
	Get(ctx context.Context, contentHash string) (*models.CacheFile, error)
	Acquire(ctx context.Context, f models.CacheFile) (int, error)
	Release(ctx context.Context, contentHash string) (int, error)
	RemoveIfUnreferenced(ctx context.Context, contentHash string, remove func(relativePath string) error) (bool, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// Synchronizer applies selection diffs to the candidate store and the
// content-addressed file cache.
type Synchronizer struct {
	candidates  CandidateStore
	files       FileIndex
	store       *assetcache.Store
	fetcher     Fetcher
	concurrency int
	metrics     *metrics.Metrics
	log         *logger.Logger
}

func NewSynchronizer(candidates CandidateStore, files FileIndex, store *assetcache.Store, fetcher Fetcher,
	concurrency int, m *metrics.Metrics, log *logger.Logger) *Synchronizer {
	if concurrency <= 0 {
		concurrency = DefaultDownloadConcurrency
	}
	return &Synchronizer{
		candidates:  candidates,
		files:       files,
		store:       store,
		fetcher:     fetcher,
		concurrency: concurrency,
		metrics:     m,
		log:         logger.OrNop(log).Named("artwork.sync"),
	}
}

// Apply makes keep the selection of (entityID, category). Downloads for
// diff.ToDownload all finish before anything is evicted; winners whose
// download failed are left out. With threshold > 0 the downloaded winners
// are checked for near-duplicates once their perceptual hashes are known,
// and the lower ranked copy of each pair is dropped. keep must be best
// first for that. File cleanup after the commit is best effort. Only the
// selection transaction can fail the call.
func (s *Synchronizer) Apply(ctx context.Context, entityID uuid.UUID, category models.AssetCategory,
	diff models.SelectionDiff, keep []uuid.UUID, actor string, threshold float64) (*models.SelectionOutcome, error) {
	out := &models.SelectionOutcome{
		EntityID:   entityID,
		Category:   category,
		Selected:   []uuid.UUID{},
		Downloaded: []uuid.UUID{},
		Evicted:    []uuid.UUID{},
	}
	if diff.Unchanged {
		out.Unchanged = true
		out.Selected = append(out.Selected, keep...)
		return out, nil
	}

	acquired, failed := s.downloadAll(ctx, diff.ToDownload)
	evict := append([]uuid.UUID{}, diff.ToEvict...)
	var orphaned []string
	dropped := map[uuid.UUID]bool{}
	if threshold > 0 {
		for _, id := range s.nearDuplicates(ctx, keep, acquired, failed, threshold) {
			dropped[id] = true
			out.Dropped = append(out.Dropped, id)
			c, ok := acquired[id]
			if !ok {
				// Selected in an earlier run; it loses its place to the new copy.
				evict = append(evict, id)
				continue
			}
			delete(acquired, id)
			n, err := s.files.Release(ctx, c.hash)
			if err != nil {
				s.log.Warn("release reference of duplicate", "content_hash", c.hash, "error", err)
			} else if n == 0 {
				orphaned = append(orphaned, c.hash)
			}
		}
	}

	for _, id := range diff.ToDownload {
		switch {
		case failed[id]:
			out.Failed = append(out.Failed, id)
		case !dropped[id]:
			out.Downloaded = append(out.Downloaded, id)
		}
	}
	for _, id := range keep {
		if !failed[id] && !dropped[id] {
			out.Selected = append(out.Selected, id)
		}
	}

	released, err := s.candidates.ApplySelection(ctx, repository.SelectionChange{
		EntityID: entityID,
		Category: category,
		Winners:  out.Selected,
		Evicted:  evict,
		Actor:    actor,
		At:       time.Now().UTC(),
	})
	if err != nil {
		// Hand back the references taken for files nobody will select.
		for _, c := range acquired {
			if _, rerr := s.files.Release(ctx, c.hash); rerr != nil {
				s.log.Warn("release reference after failed selection", "content_hash", c.hash, "error", rerr)
			}
		}
		return nil, fmt.Errorf("apply selection: %w", err)
	}
	out.Evicted = append(out.Evicted, evict...)

	for _, hash := range append(released, orphaned...) {
		s.RemoveUnreferenced(ctx, hash)
	}
	if n, err := s.candidates.PurgeLocal(ctx, entityID, category); err != nil {
		s.log.Warn("purge local candidates", "entity_id", entityID, "category", category, "error", err)
	} else if n > 0 {
		s.log.Debug("purged local candidates", "entity_id", entityID, "category", category, "count", n)
	}

	s.metrics.RecordSelection(len(out.Downloaded), len(out.Evicted), len(out.Failed))
	s.log.Info("selection applied", "entity_id", entityID, "category", category, "actor", actor,
		"selected", len(out.Selected), "downloaded", len(out.Downloaded),
		"evicted", len(out.Evicted), "failed", len(out.Failed), "dropped", len(out.Dropped))
	return out, nil
}

// nearDuplicates returns the ids in keep that look like a better ranked
// entry once fresh downloads contribute their hashes.
func (s *Synchronizer) nearDuplicates(ctx context.Context, keep []uuid.UUID, acquired map[uuid.UUID]cached,
	failed map[uuid.UUID]bool, threshold float64) []uuid.UUID {
	if len(acquired) == 0 {
		return nil
	}
	ranked := make([]Scored, 0, len(keep))
	for _, id := range keep {
		if failed[id] {
			continue
		}
		asset := models.ProviderAsset{ID: id}
		if c, ok := acquired[id]; ok {
			if c.phash != "" {
				phash := c.phash
				asset.PerceptualHash = &phash
			}
		} else if a, err := s.candidates.GetByID(ctx, id); err == nil && a != nil {
			asset.PerceptualHash = a.PerceptualHash
		}
		ranked = append(ranked, Scored{Asset: asset})
	}

	kept := make(map[uuid.UUID]bool, len(ranked))
	for _, sc := range Deduplicate(ranked, threshold) {
		kept[sc.Asset.ID] = true
	}
	var dups []uuid.UUID
	for _, sc := range ranked {
		if !kept[sc.Asset.ID] {
			dups = append(dups, sc.Asset.ID)
		}
	}
	return dups
}

// cached is a referenced cache file and the perceptual hash of its bytes.
type cached struct {
	hash  string
	phash string
}

// downloadAll fetches candidates in parallel. It returns the file
// referenced for each success and the set of failures.
func (s *Synchronizer) downloadAll(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]cached, map[uuid.UUID]bool) {
	var mu sync.Mutex
	acquired := map[uuid.UUID]cached{}
	failed := map[uuid.UUID]bool{}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			c, err := s.download(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warn("artwork download failed", "asset_id", id, "error", err)
				failed[id] = true
				return nil
			}
			acquired[id] = c
			return nil
		})
	}
	_ = g.Wait()
	return acquired, failed
}

var errCandidateGone = errors.New("candidate no longer exists")

// download stores one candidate's bytes and takes a reference on them.
// Content already in the cache is reused without a request. The reference
// is taken before the file is checked, so a collector cannot remove it
// between the check and the use.
func (s *Synchronizer) download(ctx context.Context, id uuid.UUID) (cached, error) {
	asset, err := s.candidates.GetByID(ctx, id)
	if err != nil {
		return cached{}, err
	}
	if asset == nil {
		return cached{}, errCandidateGone
	}

	if asset.ContentHash != nil {
		f, err := s.files.Get(ctx, *asset.ContentHash)
		if err == nil && f != nil {
			if _, err := s.files.Acquire(ctx, *f); err != nil {
				return cached{}, err
			}
			if s.store.Exists(f.RelativePath) {
				c := cached{hash: f.ContentHash}
				if asset.PerceptualHash != nil {
					c.phash = *asset.PerceptualHash
				}
				return c, nil
			}
			s.release(ctx, f.ContentHash)
		}
	}

	data, _, err := s.fetcher.Fetch(ctx, asset.URL)
	if err != nil {
		return cached{}, err
	}

	var phash, mimeType string
	var width, height int
	if info, err := fingerprint.Analyze(data); err == nil {
		phash, width, height = info.PHash, info.Width, info.Height
		mimeType = info.MimeType
	} else {
		s.log.Debug("could not decode artwork", "asset_id", id, "error", err)
	}

	ext := assetcache.ExtensionFor(mimeType)
	hash, rel, err := s.store.Write(data, ext)
	if err != nil {
		return cached{}, err
	}
	file := models.CacheFile{ContentHash: hash, RelativePath: rel, SizeBytes: int64(len(data))}
	if mimeType != "" {
		file.MimeType = &mimeType
	}
	if _, err := s.files.Acquire(ctx, file); err != nil {
		return cached{}, err
	}
	if !s.store.Exists(rel) {
		// Collected between the write and the reference.
		if _, _, err := s.store.Write(data, ext); err != nil {
			s.release(ctx, hash)
			return cached{}, err
		}
	}
	if err := s.candidates.SetContent(ctx, id, hash, phash, width, height); err != nil {
		s.release(ctx, hash)
		return cached{}, err
	}
	return cached{hash: hash, phash: phash}, nil
}

func (s *Synchronizer) release(ctx context.Context, hash string) {
	if _, err := s.files.Release(ctx, hash); err != nil {
		s.log.Warn("release reference", "content_hash", hash, "error", err)
	}
}

// RemoveUnreferenced deletes a cache file whose count reached zero, unless
// it was acquired again in the meantime. It reports whether the file went.
func (s *Synchronizer) RemoveUnreferenced(ctx context.Context, hash string) bool {
	deleted, err := s.files.RemoveIfUnreferenced(ctx, hash, s.store.Delete)
	if err != nil {
		s.log.Warn("remove cache file", "content_hash", hash, "error", err)
		return false
	}
	return deleted
}
