package storage

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"finbot/internal/logging"
	"finbot/internal/models"
)

// categorySeed is one entry of the categories YAML file.
type categorySeed struct {
	Name     string   `yaml:"name"`
	Emoji    string   `yaml:"emoji"`
	Keywords []string `yaml:"keywords"`
}

type categoriesFile struct {
	Categories []categorySeed `yaml:"categories"`
}

// defaultSeeds are used when no categories file is present. The reserved
// Savings, Emergency, and Other categories are always appended; Other is
// the classification fallback.
var defaultSeeds = []categorySeed{
	{Name: "Food", Emoji: "🍔", Keywords: []string{
		"food", "lunch", "dinner", "breakfast", "coffee", "snack", "restaurant",
		"delivery", "pizza", "burger", "ice cream", "drink", "beer", "juice"}},
	{Name: "Transport", Emoji: "🚗", Keywords: []string{
		"uber", "taxi", "bus", "subway", "train", "gas", "fuel", "ticket",
		"parking", "toll", "ride"}},
	{Name: "Groceries", Emoji: "🛒", Keywords: []string{
		"market", "supermarket", "grocery", "groceries", "butcher", "bakery",
		"produce", "fruit", "vegetables"}},
	{Name: "Leisure", Emoji: "🎮", Keywords: []string{
		"cinema", "movie", "theater", "show", "party", "game", "park", "trip",
		"travel", "netflix", "streaming", "spotify"}},
	{Name: "Bills", Emoji: "💳", Keywords: []string{
		"bill", "electricity", "water", "internet", "phone", "rent",
		"invoice", "payment", "subscription"}},
	{Name: "Health", Emoji: "💊", Keywords: []string{
		"doctor", "medicine", "pharmacy", "appointment", "exam", "hospital",
		"dentist", "health plan"}},
	{Name: "Education", Emoji: "📚", Keywords: []string{
		"course", "college", "school", "book", "tuition", "enrollment", "class"}},
	{Name: "Clothing", Emoji: "👕", Keywords: []string{
		"clothes", "pants", "shirt", "shoes", "sneakers", "store", "shopping", "mall"}},
}

// reservedSeeds exist for reserve movements and the fallback; the
// classifier never keyword-matches them.
var reservedSeeds = []categorySeed{
	{Name: models.CategorySavings, Emoji: "🏦", Keywords: []string{"savings"}},
	{Name: models.CategoryEmergency, Emoji: "🚨", Keywords: []string{"emergency"}},
	{Name: models.CategoryOther, Emoji: "📝", Keywords: []string{"other", "misc", "general"}},
}

// SeedCategories inserts category reference data, skipping names that
// already exist. Seeds load from file when it exists, otherwise from the
// built-in defaults. Reserved categories are always ensured.
func SeedCategories(db *gorm.DB, file string, log logging.Logger) error {
	seeds, err := loadSeeds(file, log)
	if err != nil {
		return err
	}
	seeds = append(seeds, reservedSeeds...)

	created := 0
	for _, seed := range seeds {
		if seed.Name == "" {
			continue
		}
		cat := models.Category{
			Name:     seed.Name,
			Emoji:    seed.Emoji,
			Keywords: strings.Join(seed.Keywords, ","),
		}
		res := db.Where(models.Category{Name: seed.Name}).FirstOrCreate(&cat)
		if res.Error != nil {
			return fmt.Errorf("failed to seed category %s: %w", seed.Name, res.Error)
		}
		created += int(res.RowsAffected)
	}

	if created > 0 {
		log.Info("seeded categories", logging.F("count", created))
	}
	return nil
}

func loadSeeds(file string, log logging.Logger) ([]categorySeed, error) {
	if file == "" {
		return defaultSeeds, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("categories file not found, using defaults", logging.F("file", file))
			return defaultSeeds, nil
		}
		return nil, fmt.Errorf("failed to read categories file %s: %w", file, err)
	}

	var parsed categoriesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse categories file %s: %w", file, err)
	}
	if len(parsed.Categories) == 0 {
		log.Warn("categories file has no entries, using defaults", logging.F("file", file))
		return defaultSeeds, nil
	}
	return parsed.Categories, nil
}
