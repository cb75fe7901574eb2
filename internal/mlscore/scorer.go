// Package mlscore runs in-process inference over a trained logistic model
// artifact. Training happens elsewhere; the scorer only consumes weights.
package mlscore

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/internal/models"
	"github.com/sentinel/fraud-engine/internal/rules"
)

// Model is the on-disk artifact: a logistic regression over the fixed feature
// vector. FeatureCount is checked against the extractor on every prediction
// so a stale artifact fails closed instead of producing a wrong-shape score.
type Model struct {
	Version      string    `json:"version"`
	FeatureCount int       `json:"feature_count"`
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
}

// Scorer predicts a fraud probability in [0,1]. A nil model predicts 0.
type Scorer struct {
	model *Model
}

// NewScorer returns a scorer with no model loaded; Predict returns 0.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Load reads the model artifact from path. An empty path leaves the scorer
// disabled without error.
func Load(path string) (*Scorer, error) {
	if path == "" {
		log.Info().Msg("No ML model path configured, scorer disabled")
		return NewScorer(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}

	model := &Model{}
	if err := json.Unmarshal(data, model); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}
	if len(model.Weights) != model.FeatureCount {
		return nil, fmt.Errorf("model artifact declares %d features but carries %d weights",
			model.FeatureCount, len(model.Weights))
	}

	log.Info().
		Str("version", model.Version).
		Int("feature_count", model.FeatureCount).
		Msg("ML model loaded")
	return &Scorer{model: model}, nil
}

// NewWithModel wraps an in-memory model (tests).
func NewWithModel(model *Model) *Scorer {
	return &Scorer{model: model}
}

// Enabled reports whether a model is loaded.
func (s *Scorer) Enabled() bool {
	return s.model != nil
}

// Predict returns the fraud probability for one transaction. Inference is
// side-effect-free; any shape mismatch logs and returns 0.
func (s *Scorer) Predict(tx *models.Transaction, ctx *rules.Context) float64 {
	if s.model == nil {
		return 0
	}

	features := ExtractFeatures(tx, ctx)
	if len(features) != s.model.FeatureCount {
		log.Error().
			Int("expected", s.model.FeatureCount).
			Int("got", len(features)).
			Str("version", s.model.Version).
			Msg("Feature count mismatch, failing closed")
		return 0
	}

	z := s.model.Bias
	for i, w := range s.model.Weights {
		z += w * features[i]
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// transaction types in one-hot order. The order is part of the model
// contract; never reorder without bumping the artifact version.
var oneHotTypes = []string{
	models.TypeLoanApplication,
	models.TypeLoanDisbursement,
	models.TypeLoanRepayment,
	models.TypeTransfer,
	models.TypeWithdrawal,
	models.TypeDeposit,
	models.TypePurchase,
	models.TypeCardTransaction,
	models.TypeBetPlacement,
	models.TypeBetWithdrawal,
	models.TypeCryptoDeposit,
	models.TypeCryptoWithdrawal,
	models.TypeMarketplaceListing,
	models.TypeMarketplacePurchase,
}

// FeatureCount is the length of the extracted vector.
var FeatureCount = 16 + len(oneHotTypes)

// ExtractFeatures builds the fixed-order feature vector: amount terms,
// velocity counters, device history stats, time-of-day terms, then the
// transaction-type one-hot.
func ExtractFeatures(tx *models.Transaction, ctx *rules.Context) []float64 {
	features := make([]float64, 0, FeatureCount)

	features = append(features,
		tx.Amount,
		math.Log1p(tx.Amount),
	)
	features = append(features,
		float64(ctx.DeviceVelocity.Count1m),
		float64(ctx.DeviceVelocity.Count10m),
		float64(ctx.DeviceVelocity.Count1h),
		float64(ctx.DeviceVelocity.Count24h),
		float64(ctx.PhoneVelocity.Count1m),
		float64(ctx.PhoneVelocity.Count10m),
		float64(ctx.PhoneVelocity.Count1h),
		float64(ctx.PhoneVelocity.Count24h),
	)
	features = append(features,
		float64(ctx.DeviceHistory.TransactionCount),
		float64(ctx.DeviceHistory.FraudCount),
		ctx.DeviceHistory.MeanAmount,
	)

	hour := ctx.Now.Hour()
	lateNight := 0.0
	if hour >= 2 && hour <= 5 {
		lateNight = 1.0
	}
	features = append(features,
		float64(hour),
		float64(ctx.Now.Weekday()),
		lateNight,
	)

	for _, t := range oneHotTypes {
		if tx.TransactionType == t {
			features = append(features, 1)
		} else {
			features = append(features, 0)
		}
	}
	return features
}
