package artwork

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

func strPtr(s string) *string { return &s }

func poster(width, height int, lang string, avg float64, votes int, provider string) models.ProviderAsset {
	a := models.ProviderAsset{
		Category:    models.CategoryPoster,
		Provider:    provider,
		Width:       width,
		Height:      height,
		VoteAverage: avg,
		VoteCount:   votes,
	}
	if lang != "" {
		a.Language = strPtr(lang)
	}
	return a
}

func TestScore_IdealPoster(t *testing.T) {
	// 30 resolution + 20 aspect + 20 language + 16 community + 10 provider
	c := poster(2000, 3000, "en", 8.0, 50, models.ProviderTMDB)
	assert.Equal(t, 96, Score(c, "en"))

	c.VoteAverage = 10
	c.VoteCount = 500
	assert.Equal(t, 100, Score(c, "en"))
}

func TestScore_Bounds(t *testing.T) {
	huge := poster(20000, 30000, "en", 50, 1_000_000, models.ProviderTMDB)
	assert.Equal(t, 100, Score(huge, "en"))

	empty := models.ProviderAsset{Category: models.CategoryPoster, VoteAverage: -3, VoteCount: -10}
	// Untagged language and unknown provider are the only points left.
	assert.Equal(t, 18+5, Score(empty, "en"))
}

func TestScore_Deterministic(t *testing.T) {
	c := poster(1000, 1500, "de", 6.4, 12, models.ProviderFanart)
	first := Score(c, "en")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(c, "en"))
	}
}

func TestResolutionScore(t *testing.T) {
	assert.InDelta(t, 15.0, resolutionScore(models.CategoryPoster, 1000, 3000), 1e-9)
	assert.InDelta(t, 30.0, resolutionScore(models.CategoryFanart, 3840, 2160), 1e-9)
	assert.InDelta(t, 30.0, resolutionScore(models.CategoryLogo, 1000, 1000), 1e-9)
	assert.InDelta(t, 15.0, resolutionScore(models.CategoryLogo, 500, 1000), 1e-9)
	assert.Zero(t, resolutionScore(models.CategoryPoster, 0, 1000))
}

func TestAspectScore(t *testing.T) {
	assert.InDelta(t, 20.0, aspectScore(models.CategoryFanart, 1920, 1080), 1e-9)
	assert.InDelta(t, 20.0, aspectScore(models.CategoryLogo, 800, 200), 1e-9)
	assert.InDelta(t, 10.0, aspectScore(models.CategoryLogo, 820, 200), 1e-9)
	// Square poster is far from 2:3.
	assert.Zero(t, aspectScore(models.CategoryPoster, 1000, 1000))
	// Categories without an ideal ratio always match.
	assert.InDelta(t, 20.0, aspectScore(models.CategoryBanner, 1000, 185), 1e-9)
	assert.Zero(t, aspectScore(models.CategoryBanner, 0, 0))
}

func TestLanguageScore(t *testing.T) {
	tests := []struct {
		name      string
		tag       string
		preferred string
		want      int
	}{
		{"exact", "fr", "fr", 20},
		{"regional tag matches base", "en-US", "en", 20},
		{"preferred carries region", "pt", "pt-BR", 20},
		{"english fallback", "en", "de", 15},
		{"untagged", "", "de", 18},
		{"placeholder 00", "00", "de", 18},
		{"placeholder xx", "xx", "de", 18},
		{"no linguistic content", "zxx", "de", 18},
		{"other", "ja", "de", 5},
		{"case insensitive", "DE", "de", 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LanguageScore(tt.tag, tt.preferred))
		})
	}
}

func TestCommunityScore(t *testing.T) {
	assert.InDelta(t, 16.0, communityScore(8, 50), 1e-9)
	assert.InDelta(t, 8.0, communityScore(8, 25), 1e-9)
	assert.InDelta(t, 20.0, communityScore(12, 100), 1e-9)
	assert.Zero(t, communityScore(9, 0))
	assert.Zero(t, communityScore(-1, 100))
}

func TestProviderPriority(t *testing.T) {
	assert.Equal(t, 10, ProviderPriority(models.ProviderTMDB))
	assert.Equal(t, 9, ProviderPriority(models.ProviderFanart))
	assert.Equal(t, 8, ProviderPriority(models.ProviderTVDB))
	assert.Equal(t, 5, ProviderPriority(models.ProviderLocal))
	assert.Equal(t, 5, ProviderPriority("somewhere"))
}

func TestScoreAll_SortsBestFirst(t *testing.T) {
	low := poster(500, 750, "ja", 0, 0, "somewhere")
	low.URL = "low"
	high := poster(2000, 3000, "en", 9, 100, models.ProviderTMDB)
	high.URL = "high"

	scored := ScoreAll([]models.ProviderAsset{low, high}, "en")
	assert.Equal(t, "high", scored[0].Asset.URL)
	assert.Equal(t, "low", scored[1].Asset.URL)
	assert.Greater(t, scored[0].Score, scored[1].Score)
}
