package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finbot/internal/logging"
	"finbot/internal/models"
)

func TestOpenCreatesSchemaAndSeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := Open(path, "", logging.NewMock())
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "parent directories must be created")

	var count int64
	require.NoError(t, db.Model(&models.Category{}).Count(&count).Error)
	assert.Greater(t, count, int64(3), "default categories plus the reserved three")

	for _, name := range []string{models.CategorySavings, models.CategoryEmergency, models.CategoryOther} {
		var cat models.Category
		require.NoError(t, db.Where("name = ?", name).First(&cat).Error)
		assert.True(t, cat.Reserved())
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(path, "", logging.NewMock())
	require.NoError(t, err)
	var first int64
	require.NoError(t, db.Model(&models.Category{}).Count(&first).Error)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	db, err = Open(path, "", logging.NewMock())
	require.NoError(t, err)
	var second int64
	require.NoError(t, db.Model(&models.Category{}).Count(&second).Error)
	assert.Equal(t, first, second, "reopening must not duplicate seeds")
}

func TestSeedFromCategoriesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "categories.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`categories:
  - name: Pets
    emoji: "🐕"
    keywords: [vet, dog food, kibble]
`), 0o644))

	db, err := Open(filepath.Join(dir, "test.db"), file, logging.NewMock())
	require.NoError(t, err)

	var cat models.Category
	require.NoError(t, db.Where("name = ?", "Pets").First(&cat).Error)
	assert.Equal(t, []string{"vet", "dog food", "kibble"}, cat.KeywordList())

	// Reserved categories are ensured even with a custom file.
	var other models.Category
	require.NoError(t, db.Where("name = ?", models.CategoryOther).First(&other).Error)
}

func TestForeignKeysEnforced(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), "", logging.NewMock())
	require.NoError(t, err)

	err = db.Create(&models.InstallmentPayment{
		PlanID: 9999, Sequence: 1, Status: models.PaymentPending,
	}).Error
	assert.Error(t, err, "payments must reference an existing plan")
}

func TestUpsertGroup(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), "", logging.NewMock())
	require.NoError(t, err)

	require.NoError(t, UpsertGroup(db, "chat-1", "Family"))
	require.NoError(t, UpsertGroup(db, "chat-1", "Family Budget"))

	var groups []models.Group
	require.NoError(t, db.Find(&groups).Error)
	require.Len(t, groups, 1)
	assert.Equal(t, "Family Budget", groups[0].Name)
	assert.True(t, groups[0].Active)
}
