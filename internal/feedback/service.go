// Package feedback is the learning loop: outcome labels update rule accuracy,
// rule weights and the consortium aggregates.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/internal/consortium"
	"github.com/sentinel/fraud-engine/internal/models"
	"github.com/sentinel/fraud-engine/internal/repositories"
)

// ErrTransactionNotFound mirrors the repository sentinel for the API layer.
var ErrTransactionNotFound = repositories.ErrTransactionNotFound

// Weight bounds and mapping. The mapping is linear in accuracy and crosses
// the neutral 1.0 at accuracy 0.5, clamped to the permitted band.
const (
	weightMin = 0.1
	weightMax = 2.0
)

func weightFromAccuracy(accuracy float64) float64 {
	w := 0.4 + 1.2*accuracy
	if w < weightMin {
		return weightMin
	}
	if w > weightMax {
		return weightMax
	}
	return w
}

// TransactionStore is the slice of the transaction repository feedback needs.
type TransactionStore interface {
	GetByID(ctx context.Context, tenantID, transactionID string) (*models.Transaction, error)
	ApplyFeedback(ctx context.Context, tenantID, transactionID string, actualFraud bool, at time.Time) (bool, error)
}

// AccuracyStore persists per-rule confusion matrices under row locks.
type AccuracyStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, ruleID int, ruleName string) (*models.RuleAccuracy, error)
	Save(ctx context.Context, tx pgx.Tx, ra *models.RuleAccuracy) error
	GetAll(ctx context.Context) ([]*models.RuleAccuracy, error)
}

// TxRunner runs a function inside one database transaction.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// ConsortiumWriter records fraud observations against hashed identifiers.
type ConsortiumWriter interface {
	RecordFeedback(ctx context.Context, refs []repositories.IdentifierRef, tenantID string, isFraud bool, now time.Time)
}

// WeightSink receives refreshed rule-weight snapshots.
type WeightSink interface {
	SetWeights(weights map[int]float64)
}

// WebhookEnqueuer mirrors the dispatcher's enqueue surface.
type WebhookEnqueuer interface {
	Enqueue(tenant *models.Tenant, eventType string, data interface{})
}

// Clock supplies feedback timestamps.
type Clock interface {
	Now() time.Time
}

// Service applies outcome labels exactly once per transaction.
type Service struct {
	txRepo     TransactionStore
	accuracy   AccuracyStore
	db         TxRunner
	consortium ConsortiumWriter
	weights    WeightSink
	webhooks   WebhookEnqueuer
	clock      Clock
}

// NewService wires the learning loop. webhooks may be nil.
func NewService(
	txRepo TransactionStore,
	accuracy AccuracyStore,
	db TxRunner,
	consortiumWriter ConsortiumWriter,
	weights WeightSink,
	webhooks WebhookEnqueuer,
	clk Clock,
) *Service {
	return &Service{
		txRepo:     txRepo,
		accuracy:   accuracy,
		db:         db,
		consortium: consortiumWriter,
		weights:    weights,
		webhooks:   webhooks,
		clock:      clk,
	}
}

// Submit records one fraud/not-fraud label. The label is applied at most
// once; repeat submissions acknowledge without touching the confusion
// matrices or the consortium.
func (s *Service) Submit(ctx context.Context, tenant *models.Tenant, req *models.FeedbackRequest) (*models.FeedbackResponse, error) {
	tx, err := s.txRepo.GetByID(ctx, tenant.TenantID, req.TransactionID)
	if err != nil {
		return nil, err
	}

	actualFraud := *req.ActualFraud
	now := s.clock.Now()

	applied, err := s.txRepo.ApplyFeedback(ctx, tenant.TenantID, req.TransactionID, actualFraud, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record feedback: %w", err)
	}
	if !applied {
		return &models.FeedbackResponse{
			TransactionID:  req.TransactionID,
			Applied:        false,
			AlreadyApplied: true,
			Message:        "feedback already applied",
		}, nil
	}

	// The scoring-time prediction is "fraud" when the composite landed in
	// the high or critical band.
	predictedFraud := tx.RiskLevel == models.RiskLevelHigh || tx.RiskLevel == models.RiskLevelCritical

	s.updateRuleAccuracy(ctx, tx, predictedFraud, actualFraud)
	s.refreshWeights(ctx)

	s.consortium.RecordFeedback(ctx,
		consortium.Identifiers(tx.BVNHash, tx.PhoneHash, tx.EmailHash, tx.DeviceHash),
		tenant.TenantID, actualFraud, now)

	if s.webhooks != nil && tenant.WebhookURL != "" {
		s.webhooks.Enqueue(tenant, "transaction.feedback", &models.FeedbackResponse{
			TransactionID: req.TransactionID,
			Applied:       true,
		})
	}

	log.Info().
		Str("tenant_id", tenant.TenantID).
		Str("transaction_id", req.TransactionID).
		Bool("actual_fraud", actualFraud).
		Bool("predicted_fraud", predictedFraud).
		Int("flag_count", len(tx.Flags)).
		Msg("Feedback applied")

	return &models.FeedbackResponse{TransactionID: req.TransactionID, Applied: true}, nil
}

// updateRuleAccuracy bumps one confusion-matrix cell per flag under a row
// lock. A failure on one rule does not block the others.
func (s *Service) updateRuleAccuracy(ctx context.Context, tx *models.Transaction, predictedFraud, actualFraud bool) {
	for _, flag := range tx.Flags {
		if flag.RuleID <= 0 {
			continue // synthetic flags carry no learnable rule
		}
		flag := flag
		err := s.db.WithTransaction(ctx, func(dbTx pgx.Tx) error {
			ra, err := s.accuracy.GetForUpdate(ctx, dbTx, flag.RuleID, flag.RuleName)
			if err != nil {
				return err
			}

			switch {
			case predictedFraud && actualFraud:
				ra.TruePositives++
			case predictedFraud && !actualFraud:
				ra.FalsePositives++
			case !predictedFraud && actualFraud:
				ra.FalseNegatives++
			default:
				ra.TrueNegatives++
			}
			ra.Recompute()
			ra.Weight = weightFromAccuracy(ra.Accuracy)

			return s.accuracy.Save(ctx, dbTx, ra)
		})
		if err != nil {
			log.Error().Err(err).
				Int("rule_id", flag.RuleID).
				Str("rule_name", flag.RuleName).
				Msg("Rule accuracy update failed")
		}
	}
}

// refreshWeights snapshots the accuracy table into the rule engine so
// concurrent scorings flip atomically from the old table to the new one.
func (s *Service) refreshWeights(ctx context.Context) {
	all, err := s.accuracy.GetAll(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Weight snapshot refresh failed")
		return
	}
	weights := make(map[int]float64, len(all))
	for _, ra := range all {
		weights[ra.RuleID] = ra.Weight
	}
	s.weights.SetWeights(weights)
}

// IsNotFound reports whether err means the transaction does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repositories.ErrTransactionNotFound)
}
