package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// HashBits is the size of a perceptual hash; hex form is 16 characters.
const HashBits = 64

// BucketKeyLen is how many leading hex characters group hashes together.
const BucketKeyLen = 8

// MaxAdjacentKeys caps the neighbouring buckets searched per hash.
const MaxAdjacentKeys = 16

// ImageInfo describes decoded image bytes.
type ImageInfo struct {
	Width    int
	Height   int
	Format   string
	MimeType string
	PHash    string
}

// Analyze decodes data once and returns its dimensions, format and
// perceptual hash.
func Analyze(data []byte) (*ImageInfo, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	return &ImageInfo{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Format:   format,
		MimeType: "image/" + format,
		PHash:    DifferenceHash(img),
	}, nil
}

// DifferenceHash computes a 64-bit dHash: the image is scaled to 9x8
// grayscale and each bit records whether a pixel is brighter than its
// right-hand neighbour.
func DifferenceHash(img image.Image) string {
	small := image.NewGray(image.Rect(0, 0, 9, 8))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var hash uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			left := small.GrayAt(x, y).Y
			right := small.GrayAt(x+1, y).Y
			hash <<= 1
			if left > right {
				hash |= 1
			}
		}
	}
	return fmt.Sprintf("%016x", hash)
}

// HammingDistance computes the number of differing bits between two hex
// hashes, or -1 when they are not comparable.
func HammingDistance(hash1, hash2 string) int {
	if len(hash1) != len(hash2) || hash1 == "" {
		return -1
	}

	distance := 0
	for i := 0; i < len(hash1); i++ {
		v1, err1 := strconv.ParseUint(hash1[i:i+1], 16, 8)
		v2, err2 := strconv.ParseUint(hash2[i:i+1], 16, 8)
		if err1 != nil || err2 != nil {
			return -1
		}
		distance += bits.OnesCount8(uint8(v1 ^ v2))
	}
	return distance
}

// Similarity returns a 0-1 score (1 = identical)
func Similarity(hash1, hash2 string) float64 {
	dist := HammingDistance(hash1, hash2)
	if dist < 0 {
		return 0
	}
	total := len(hash1) * 4
	return float64(total-dist) / float64(total)
}

// IsDuplicate checks if two hashes are similar enough to be duplicates
func IsDuplicate(hash1, hash2 string, threshold float64) bool {
	return Similarity(hash1, hash2) >= threshold
}

// BucketKey is the lowercased leading BucketKeyLen hex characters of hash.
func BucketKey(hash string) string {
	h := strings.ToLower(hash)
	if len(h) > BucketKeyLen {
		h = h[:BucketKeyLen]
	}
	return h
}

// AdjacentBucketKeys returns the keys one bit away from key, flipping each
// bit of each hex position in position order. Duplicates and the key itself
// are skipped and at most MaxAdjacentKeys are returned.
func AdjacentBucketKeys(key string) []string {
	seen := map[string]struct{}{key: {}}
	adjacent := make([]string, 0, MaxAdjacentKeys)
	raw := []byte(key)

	for pos := 0; pos < len(raw) && pos < BucketKeyLen; pos++ {
		v, err := strconv.ParseUint(string(raw[pos]), 16, 8)
		if err != nil {
			continue
		}
		for bit := uint(0); bit < 4; bit++ {
			flipped := make([]byte, len(raw))
			copy(flipped, raw)
			flipped[pos] = strconv.FormatUint(v^(1<<bit), 16)[0]

			k := string(flipped)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			adjacent = append(adjacent, k)
			if len(adjacent) == MaxAdjacentKeys {
				return adjacent
			}
		}
	}
	return adjacent
}
