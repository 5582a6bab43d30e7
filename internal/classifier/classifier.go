// Package classifier maps free expense text to a spending category by
// scoring each category's keywords against the text. Matching is
// deterministic: scores accumulate per category and ties break by
// lexicographic category name. When nothing matches, the reserved Other
// category applies; an optional AI fallback can run first.
package classifier

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"finbot/internal/finerror"
	"finbot/internal/logging"
	"finbot/internal/models"
)

// Keyword score tiers. An exact full-text match outweighs any combination
// of weaker matches; a whole-word hit outweighs substrings.
const (
	scoreExact     = 100
	scoreWholeWord = 50
	scoreSubstring = 10
)

// Fallback asks an external model for a category when keyword scoring
// finds nothing. Implementations return ok=false when no suggestion is
// available; they must never fail the classification.
type Fallback interface {
	Suggest(ctx context.Context, text string, categories []string) (name string, ok bool)
}

// Classifier scores free text against the seeded category keywords.
type Classifier struct {
	db       *gorm.DB
	log      logging.Logger
	fallback Fallback
}

// New creates a Classifier. fallback may be nil.
func New(db *gorm.DB, log logging.Logger, fallback Fallback) *Classifier {
	return &Classifier{db: db, log: log, fallback: fallback}
}

// Classify returns the category for text. Reserved categories are skipped
// during scoring; no match falls back to the AI suggestion (when
// configured) and finally to Other.
func (c *Classifier) Classify(ctx context.Context, text string) (models.Category, error) {
	var categories []models.Category
	// Name order makes the tie-break deterministic: with equal scores the
	// lexicographically smaller name wins.
	if err := c.db.Order("name").Find(&categories).Error; err != nil {
		return models.Category{}, finerror.Persistence("classify", err)
	}

	normalized := strings.ToLower(strings.TrimSpace(text))

	best := models.Category{}
	bestScore := 0
	for _, cat := range categories {
		if cat.Reserved() {
			continue
		}
		score := ScoreKeywords(normalized, cat.KeywordList())
		if score > bestScore {
			best = cat
			bestScore = score
		}
	}

	if bestScore > 0 {
		c.log.Debug("text classified",
			logging.F("category", best.Name),
			logging.F("score", bestScore))
		return best, nil
	}

	if c.fallback != nil {
		if name, ok := c.fallback.Suggest(ctx, text, categoryNames(categories)); ok {
			for _, cat := range categories {
				if !cat.Reserved() && strings.EqualFold(cat.Name, name) {
					c.log.Debug("text classified by fallback", logging.F("category", cat.Name))
					return cat, nil
				}
			}
		}
	}

	return c.other(categories)
}

// ScoreKeywords accumulates keyword scores for lowercased text. An exact
// full-text match short-circuits the remaining keywords. The same tiers
// rank plan-description searches.
func ScoreKeywords(text string, keywords []string) int {
	score := 0
	for _, kw := range keywords {
		switch {
		case text == kw:
			return score + scoreExact
		case matchesWholeWord(text, kw):
			score += scoreWholeWord
		case strings.Contains(text, kw):
			score += scoreSubstring
		}
	}
	return score
}

// matchesWholeWord reports whether keyword occurs in text with no word
// character adjacent on either side.
func matchesWholeWord(text, keyword string) bool {
	if keyword == "" {
		return false
	}
	for i := 0; i+len(keyword) <= len(text); {
		j := strings.Index(text[i:], keyword)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(keyword)
		if (start == 0 || !isWordChar(text[start-1])) &&
			(end == len(text) || !isWordChar(text[end])) {
			return true
		}
		i = start + 1
	}
	return false
}

func isWordChar(b byte) bool {
	return b == '_' ||
		('a' <= b && b <= 'z') ||
		('A' <= b && b <= 'Z') ||
		('0' <= b && b <= '9')
}

func categoryNames(categories []models.Category) []string {
	out := make([]string, 0, len(categories))
	for _, cat := range categories {
		if !cat.Reserved() {
			out = append(out, cat.Name)
		}
	}
	return out
}

func (c *Classifier) other(categories []models.Category) (models.Category, error) {
	for _, cat := range categories {
		if cat.Name == models.CategoryOther {
			return cat, nil
		}
	}
	return models.Category{}, &finerror.NotFoundError{Entity: "category", Key: models.CategoryOther}
}

// ReservedCategory returns one of the internal categories by name.
func ReservedCategory(db *gorm.DB, name string) (models.Category, error) {
	var cat models.Category
	if err := db.Where("name = ?", name).First(&cat).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.Category{}, &finerror.NotFoundError{Entity: "category", Key: name}
		}
		return models.Category{}, finerror.Persistence("reserved category lookup", err)
	}
	return cat, nil
}
