package mlscore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/fraud-engine/internal/models"
	"github.com/sentinel/fraud-engine/internal/rules"
)

func testContext() *rules.Context {
	return &rules.Context{
		DeviceVelocity: models.VelocityCounts{Count1m: 1, Count10m: 2, Count1h: 3, Count24h: 4},
		PhoneVelocity:  models.VelocityCounts{Count1h: 1},
		DeviceHistory:  models.DeviceHistory{TransactionCount: 5, FraudCount: 1, MeanAmount: 300},
		Now:            time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
	}
}

func TestExtractFeaturesShapeAndOrder(t *testing.T) {
	tx := &models.Transaction{Amount: 1000, TransactionType: models.TypePurchase}
	features := ExtractFeatures(tx, testContext())

	require.Len(t, features, FeatureCount)
	assert.Equal(t, 1000.0, features[0])
	assert.InDelta(t, 6.9088, features[1], 0.001) // log1p(1000)
	assert.Equal(t, 3.0, features[4])             // device 1h
	assert.Equal(t, 1.0, features[15])            // late-night indicator at 03:00

	// one purchase bit set, nothing else in the one-hot block
	var hot int
	for _, v := range features[16:] {
		if v == 1 {
			hot++
		}
	}
	assert.Equal(t, 1, hot)
}

func TestPredictWithoutModelIsZero(t *testing.T) {
	scorer := NewScorer()
	tx := &models.Transaction{Amount: 1000, TransactionType: models.TypeTransfer}

	assert.False(t, scorer.Enabled())
	assert.Zero(t, scorer.Predict(tx, testContext()))
}

func TestPredictFailsClosedOnShapeMismatch(t *testing.T) {
	scorer := NewWithModel(&Model{
		Version:      "v9",
		FeatureCount: 3,
		Weights:      []float64{1, 1, 1},
	})
	tx := &models.Transaction{Amount: 1000, TransactionType: models.TypeTransfer}

	assert.Zero(t, scorer.Predict(tx, testContext()))
}

func TestPredictIsBoundedAndMonotone(t *testing.T) {
	weights := make([]float64, FeatureCount)
	weights[1] = 0.5 // weight on log1p(amount)
	scorer := NewWithModel(&Model{
		Version:      "v1",
		FeatureCount: FeatureCount,
		Weights:      weights,
		Bias:         -3,
	})

	small := &models.Transaction{Amount: 10, TransactionType: models.TypeTransfer}
	large := &models.Transaction{Amount: 1_000_000, TransactionType: models.TypeTransfer}
	ctx := testContext()

	pSmall := scorer.Predict(small, ctx)
	pLarge := scorer.Predict(large, ctx)

	assert.GreaterOrEqual(t, pSmall, 0.0)
	assert.LessOrEqual(t, pLarge, 1.0)
	assert.Greater(t, pLarge, pSmall)
}

func TestLoadArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")

	weights := make([]float64, FeatureCount)
	artifact, err := json.Marshal(Model{
		Version:      "2026-03",
		FeatureCount: FeatureCount,
		Weights:      weights,
		Bias:         0.1,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, artifact, 0o644))

	scorer, err := Load(path)
	require.NoError(t, err)
	assert.True(t, scorer.Enabled())
}

func TestLoadRejectsInconsistentArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"x","feature_count":5,"weights":[1,2]}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEmptyPathDisablesScorer(t *testing.T) {
	scorer, err := Load("")
	require.NoError(t, err)
	assert.False(t, scorer.Enabled())
}
