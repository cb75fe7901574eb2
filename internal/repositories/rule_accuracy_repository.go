package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/sentinel/fraud-engine/internal/models"
)

// RuleAccuracyRepository stores per-rule confusion matrices and learned
// weights. Updates run inside a transaction with a row lock so concurrent
// feedback never interleaves partial recomputes.
type RuleAccuracyRepository struct {
	db *Database
}

// NewRuleAccuracyRepository creates a new rule accuracy repository.
func NewRuleAccuracyRepository(db *Database) *RuleAccuracyRepository {
	return &RuleAccuracyRepository{db: db}
}

const ruleAccuracyColumns = `
	rule_id, rule_name, true_positives, false_positives, true_negatives,
	false_negatives, precision_rate, recall_rate, accuracy, weight, updated_at`

// GetAll returns the full accuracy table, used to snapshot weights for the
// rule engine and for the admin surface.
func (r *RuleAccuracyRepository) GetAll(ctx context.Context) ([]*models.RuleAccuracy, error) {
	query := `SELECT ` + ruleAccuracyColumns + ` FROM rule_accuracy ORDER BY rule_id`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RuleAccuracy
	for rows.Next() {
		ra := &models.RuleAccuracy{}
		if err := rows.Scan(
			&ra.RuleID, &ra.RuleName,
			&ra.TruePositives, &ra.FalsePositives, &ra.TrueNegatives, &ra.FalseNegatives,
			&ra.Precision, &ra.Recall, &ra.Accuracy, &ra.Weight, &ra.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, ra)
	}
	return out, rows.Err()
}

// GetForUpdate loads one rule's accuracy row inside tx with a row lock,
// inserting the neutral default row first when the rule has never been
// updated.
func (r *RuleAccuracyRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, ruleID int, ruleName string) (*models.RuleAccuracy, error) {
	insert := `
		INSERT INTO rule_accuracy (` + ruleAccuracyColumns + `)
		VALUES ($1, $2, 0, 0, 0, 0, 0, 0, 0, 1.0, NOW())
		ON CONFLICT (rule_id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insert, ruleID, ruleName); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleAccuracyColumns + ` FROM rule_accuracy WHERE rule_id = $1 FOR UPDATE`
	ra := &models.RuleAccuracy{}
	err := tx.QueryRow(ctx, query, ruleID).Scan(
		&ra.RuleID, &ra.RuleName,
		&ra.TruePositives, &ra.FalsePositives, &ra.TrueNegatives, &ra.FalseNegatives,
		&ra.Precision, &ra.Recall, &ra.Accuracy, &ra.Weight, &ra.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.New("rule accuracy row vanished under lock")
		}
		return nil, err
	}
	return ra, nil
}

// Save writes back a recomputed accuracy row inside tx.
func (r *RuleAccuracyRepository) Save(ctx context.Context, tx pgx.Tx, ra *models.RuleAccuracy) error {
	query := `
		UPDATE rule_accuracy
		SET rule_name = $2, true_positives = $3, false_positives = $4,
		    true_negatives = $5, false_negatives = $6, precision_rate = $7,
		    recall_rate = $8, accuracy = $9, weight = $10, updated_at = NOW()
		WHERE rule_id = $1
	`
	_, err := tx.Exec(ctx, query,
		ra.RuleID, ra.RuleName,
		ra.TruePositives, ra.FalsePositives, ra.TrueNegatives, ra.FalseNegatives,
		ra.Precision, ra.Recall, ra.Accuracy, ra.Weight,
	)
	return err
}
