package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sentinel/fraud-engine/internal/hashing"
	"github.com/sentinel/fraud-engine/internal/models"
)

// ConsortiumRepository stores the shared cross-tenant fraud aggregates. The
// entries table is append/increment-only on the core path.
type ConsortiumRepository struct {
	db *Database
}

// NewConsortiumRepository creates a new consortium repository.
func NewConsortiumRepository(db *Database) *ConsortiumRepository {
	return &ConsortiumRepository{db: db}
}

// IdentifierRef names one hashed identifier for lookups and updates.
type IdentifierRef struct {
	Type string
	Hash hashing.HashedID
}

// GetByHashes returns every entry matching any of the given identifier hashes.
func (r *ConsortiumRepository) GetByHashes(ctx context.Context, refs []IdentifierRef) ([]*models.ConsortiumEntry, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	hashes := make([]string, 0, len(refs))
	for _, ref := range refs {
		if !ref.Hash.IsZero() {
			hashes = append(hashes, string(ref.Hash))
		}
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	query := `
		SELECT identifier_type, identifier_hash, fraud_count, total_count,
		       client_count, fraud_rate, first_seen, last_seen
		FROM consortium_entries
		WHERE identifier_hash = ANY($1)
	`

	rows, err := r.db.Pool.Query(ctx, query, hashes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ConsortiumEntry
	for rows.Next() {
		entry := &models.ConsortiumEntry{}
		var hash string
		if err := rows.Scan(
			&entry.IdentifierType, &hash,
			&entry.FraudCount, &entry.TotalCount, &entry.ClientCount,
			&entry.FraudRate, &entry.FirstSeen, &entry.LastSeen,
		); err != nil {
			return nil, err
		}
		entry.IdentifierHash = hashing.HashedID(hash)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RecordObservation applies the write contract for one identifier: bump
// total_count (and fraud_count when fraudulent), refresh last_seen, and keep
// client_count equal to the number of distinct tenants that have reported the
// identifier. The whole update runs in one transaction so concurrent feedback
// on the same entry never loses increments.
func (r *ConsortiumRepository) RecordObservation(ctx context.Context, ref IdentifierRef, tenantID string, isFraud bool, now time.Time) error {
	if ref.Hash.IsZero() {
		return nil
	}

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		linkQuery := `
			INSERT INTO consortium_tenants (identifier_type, identifier_hash, tenant_id)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`
		if _, err := tx.Exec(ctx, linkQuery, ref.Type, string(ref.Hash), tenantID); err != nil {
			return err
		}

		fraudIncr := 0
		if isFraud {
			fraudIncr = 1
		}

		upsertQuery := `
			INSERT INTO consortium_entries (
				identifier_type, identifier_hash, fraud_count, total_count,
				client_count, fraud_rate, first_seen, last_seen
			) VALUES ($1, $2, $3, 1, 1, $3, $4, $4)
			ON CONFLICT (identifier_type, identifier_hash) DO UPDATE SET
				fraud_count = consortium_entries.fraud_count + $3,
				total_count = consortium_entries.total_count + 1,
				fraud_rate  = (consortium_entries.fraud_count + $3)::float
				              / (consortium_entries.total_count + 1),
				last_seen   = $4
		`
		if _, err := tx.Exec(ctx, upsertQuery, ref.Type, string(ref.Hash), fraudIncr, now); err != nil {
			return err
		}

		clientQuery := `
			UPDATE consortium_entries
			SET client_count = (
				SELECT COUNT(*) FROM consortium_tenants
				WHERE identifier_type = $1 AND identifier_hash = $2
			)
			WHERE identifier_type = $1 AND identifier_hash = $2
		`
		_, err := tx.Exec(ctx, clientQuery, ref.Type, string(ref.Hash))
		return err
	})
}

// Insights aggregates the shared store for the consortium-insights endpoint.
type Insights struct {
	TotalIdentifiers int     `json:"total_identifiers"`
	TotalReports     int     `json:"total_reports"`
	FraudReports     int     `json:"fraud_reports"`
	ContributingOrgs int     `json:"contributing_orgs"`
	AvgFraudRate     float64 `json:"avg_fraud_rate"`
}

// GetInsights summarises the consortium store.
func (r *ConsortiumRepository) GetInsights(ctx context.Context) (*Insights, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(total_count), 0),
		       COALESCE(SUM(fraud_count), 0),
		       COALESCE(AVG(fraud_rate), 0)
		FROM consortium_entries
	`
	insights := &Insights{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&insights.TotalIdentifiers,
		&insights.TotalReports,
		&insights.FraudReports,
		&insights.AvgFraudRate,
	)
	if err != nil {
		return nil, err
	}

	orgQuery := `SELECT COUNT(DISTINCT tenant_id) FROM consortium_tenants`
	if err := r.db.Pool.QueryRow(ctx, orgQuery).Scan(&insights.ContributingOrgs); err != nil {
		return nil, err
	}
	return insights, nil
}
