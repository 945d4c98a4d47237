package artwork

import (
	"math"
	"strings"

	"golang.org/x/text/language"

	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

const (
	maxResolutionScore = 30.0
	maxAspectScore     = 20.0
	maxCommunityScore  = 20.0

	languageExact    = 20
	languageEnglish  = 15
	languageUntagged = 18
	languageOther    = 5

	// Votes needed before a rating counts at full weight.
	fullConfidenceVotes = 50.0
)

var idealPixels = map[models.AssetCategory]float64{
	models.CategoryPoster: 6_000_000,
	models.CategoryFanart: 2_073_600,
}

var idealAspect = map[models.AssetCategory]float64{
	models.CategoryPoster: 2.0 / 3.0,
	models.CategoryFanart: 16.0 / 9.0,
	models.CategoryLogo:   4.0,
}

var providerPriority = map[string]int{
	models.ProviderTMDB:   10,
	models.ProviderFanart: 9,
	models.ProviderTVDB:   8,
}

// Score rates a candidate 0-100. It is deterministic and never fails;
// missing fields fall to the bottom of their sub-score.
func Score(c models.ProviderAsset, preferredLanguage string) int {
	var lang string
	if c.Language != nil {
		lang = *c.Language
	}
	total := resolutionScore(c.Category, c.Width, c.Height) +
		aspectScore(c.Category, c.Width, c.Height) +
		float64(LanguageScore(lang, preferredLanguage)) +
		communityScore(c.VoteAverage, c.VoteCount) +
		float64(ProviderPriority(c.Provider))

	score := int(math.Round(total))
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}

func resolutionScore(category models.AssetCategory, width, height int) float64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	ideal, ok := idealPixels[category]
	if !ok {
		ideal = 1_000_000
	}
	ratio := math.Min(float64(width)*float64(height)/ideal, 1.5)
	return math.Min(ratio*maxResolutionScore, maxResolutionScore)
}

func aspectScore(category models.AssetCategory, width, height int) float64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	ideal, ok := idealAspect[category]
	if !ok {
		return maxAspectScore
	}
	actual := float64(width) / float64(height)
	return math.Max(0, maxAspectScore-100*math.Abs(actual-ideal))
}

// LanguageScore compares base languages, so "en-US" matches "en".
func LanguageScore(tag, preferred string) int {
	base := baseLanguage(tag)
	if base == "" {
		return languageUntagged
	}
	if want := baseLanguage(preferred); want != "" && base == want {
		return languageExact
	}
	if base == "en" {
		return languageEnglish
	}
	return languageOther
}

func baseLanguage(tag string) string {
	tag = strings.TrimSpace(strings.ToLower(tag))
	switch tag {
	case "", "00", "xx", "zxx", "und":
		return ""
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	base, _ := parsed.Base()
	if base.String() == "und" {
		return tag
	}
	return base.String()
}

func communityScore(voteAverage float64, voteCount int) float64 {
	if math.IsNaN(voteAverage) || voteCount <= 0 {
		return 0
	}
	avg := math.Max(0, math.Min(voteAverage, 10))
	confidence := math.Min(float64(voteCount)/fullConfidenceVotes, 1)
	return avg / 10 * confidence * maxCommunityScore
}

// ProviderPriority ranks providers for scoring, 5 for unknown sources.
func ProviderPriority(provider string) int {
	if p, ok := providerPriority[strings.ToLower(provider)]; ok {
		return p
	}
	return 5
}

// Scored pairs a candidate with its score.
type Scored struct {
	Asset models.ProviderAsset
	Score int
}

// ScoreAll scores candidates and sorts them best first. Ties keep the
// incoming order.
func ScoreAll(candidates []models.ProviderAsset, preferredLanguage string) []Scored {
	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		scored[i] = Scored{Asset: c, Score: Score(c, preferredLanguage)}
	}
	sortByScore(scored)
	return scored
}
