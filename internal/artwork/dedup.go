package artwork

import (
	"sort"

	"github.com/JustinTDCT/cinevault-enricher/internal/fingerprint"
)

// DefaultDedupThreshold treats hashes differing in at most 6 of 64 bits as
// the same picture.
const DefaultDedupThreshold = 0.9

func sortByScore(scored []Scored) {
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
}

func perceptualHash(s Scored) string {
	if s.Asset.PerceptualHash == nil {
		return ""
	}
	return *s.Asset.PerceptualHash
}

// Deduplicate drops candidates that look like an earlier, higher scored
// one. sorted must be best first. Candidates without a perceptual hash are
// always kept.
//
// Accepted hashes are grouped by their leading eight hex characters and a
// candidate is only compared against its own group and the groups one bit
// away within the first four characters, so near-duplicates whose prefixes
// differ by more than that are not caught.
func Deduplicate(sorted []Scored, threshold float64) []Scored {
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	buckets := make(map[string][]string)
	kept := make([]Scored, 0, len(sorted))

	for _, s := range sorted {
		hash := perceptualHash(s)
		if hash == "" {
			kept = append(kept, s)
			continue
		}

		key := fingerprint.BucketKey(hash)
		if isNearDuplicate(hash, buckets[key], threshold) {
			continue
		}
		duplicate := false
		for _, adj := range fingerprint.AdjacentBucketKeys(key) {
			if isNearDuplicate(hash, buckets[adj], threshold) {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}

		buckets[key] = append(buckets[key], hash)
		kept = append(kept, s)
	}
	return kept
}

func isNearDuplicate(hash string, accepted []string, threshold float64) bool {
	for _, other := range accepted {
		if fingerprint.Similarity(hash, other) >= threshold {
			return true
		}
	}
	return false
}

// DeduplicateNaive compares every candidate with every accepted one.
// Quadratic; Deduplicate must agree with it whenever no duplicate pair
// straddles unrelated buckets.
func DeduplicateNaive(sorted []Scored, threshold float64) []Scored {
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	var accepted []string
	kept := make([]Scored, 0, len(sorted))
	for _, s := range sorted {
		hash := perceptualHash(s)
		if hash == "" {
			kept = append(kept, s)
			continue
		}
		if isNearDuplicate(hash, accepted, threshold) {
			continue
		}
		accepted = append(accepted, hash)
		kept = append(kept, s)
	}
	return kept
}
