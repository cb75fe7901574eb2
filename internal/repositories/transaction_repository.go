package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sentinel/fraud-engine/internal/hashing"
	"github.com/sentinel/fraud-engine/internal/models"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateTransaction = errors.New("duplicate transaction for tenant")
)

// TransactionRepository handles transaction database operations. Transactions
// are keyed by (tenant_id, transaction_id); the primary key is what makes the
// first successful scoring win.
type TransactionRepository struct {
	db *Database
}

// NewTransactionRepository creates a new transaction repository.
func NewTransactionRepository(db *Database) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `
	tenant_id, transaction_id, user_id, amount, currency, transaction_type,
	vertical, bvn_hash, phone_hash, email_hash, device_hash, ip_address,
	user_agent, device_fingerprint, location, risk_score, risk_level,
	recommendation, flags, consortium_match, processing_time_ms,
	actual_fraud, feedback_timestamp, created_at`

// Create persists a freshly scored transaction. Returns
// ErrDuplicateTransaction when the (tenant_id, transaction_id) pair already
// exists, which callers use to resolve concurrent first-writer races.
func (r *TransactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`

	fingerprintBytes, _ := tx.DeviceFingerprint.Value()
	locationBytes := marshalNullable(tx.Location)
	flagsBytes, err := json.Marshal(flagsOrEmpty(tx.Flags))
	if err != nil {
		return err
	}

	_, err = r.db.Pool.Exec(ctx, query,
		tx.TenantID,
		tx.TransactionID,
		tx.UserID,
		tx.Amount,
		tx.Currency,
		tx.TransactionType,
		tx.Vertical,
		string(tx.BVNHash),
		string(tx.PhoneHash),
		string(tx.EmailHash),
		string(tx.DeviceHash),
		tx.IPAddress,
		tx.UserAgent,
		fingerprintBytes,
		locationBytes,
		tx.RiskScore,
		tx.RiskLevel,
		tx.Recommendation,
		flagsBytes,
		tx.ConsortiumMatch,
		tx.ProcessingTimeMs,
		tx.ActualFraud,
		tx.FeedbackTimestamp,
		tx.CreatedAt,
	)

	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

// GetByID retrieves a transaction scoped to a tenant.
func (r *TransactionRepository) GetByID(ctx context.Context, tenantID, transactionID string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = $1 AND transaction_id = $2`

	row := r.db.Pool.QueryRow(ctx, query, tenantID, transactionID)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// GetDeviceHistory summarises a device's recent transactions for the tenant,
// capped at the most recent limit rows.
func (r *TransactionRepository) GetDeviceHistory(ctx context.Context, tenantID string, deviceHash hashing.HashedID, limit int) (*models.DeviceHistory, error) {
	if deviceHash.IsZero() {
		return &models.DeviceHistory{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT amount, actual_fraud, location, created_at
		FROM transactions
		WHERE tenant_id = $1 AND device_hash = $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, tenantID, string(deviceHash), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := &models.DeviceHistory{}
	var amountSum float64
	for rows.Next() {
		var amount float64
		var actualFraud *bool
		var locationBytes []byte
		var createdAt time.Time
		if err := rows.Scan(&amount, &actualFraud, &locationBytes, &createdAt); err != nil {
			return nil, err
		}
		history.TransactionCount++
		amountSum += amount
		if actualFraud != nil && *actualFraud {
			history.FraudCount++
		}
		if history.LastSeen == nil {
			ts := createdAt
			history.LastSeen = &ts
			if len(locationBytes) > 0 {
				var loc models.Location
				if json.Unmarshal(locationBytes, &loc) == nil {
					history.LastLocation = &loc
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if history.TransactionCount > 0 {
		history.MeanAmount = amountSum / float64(history.TransactionCount)
	}
	return history, nil
}

// ApplyFeedback sets the fraud label exactly once. The second and later
// applications report applied=false so the learning loop stays idempotent.
func (r *TransactionRepository) ApplyFeedback(ctx context.Context, tenantID, transactionID string, actualFraud bool, at time.Time) (applied bool, err error) {
	query := `
		UPDATE transactions
		SET actual_fraud = $3, feedback_timestamp = $4
		WHERE tenant_id = $1 AND transaction_id = $2 AND feedback_timestamp IS NULL
	`

	tag, err := r.db.Pool.Exec(ctx, query, tenantID, transactionID, actualFraud, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// List returns a page of the tenant's transactions, optionally filtered by
// risk level, newest first.
func (r *TransactionRepository) List(ctx context.Context, tenantID string, limit, offset int, riskLevel string) ([]*models.Transaction, int, error) {
	countQuery := `
		SELECT COUNT(*) FROM transactions
		WHERE tenant_id = $1 AND ($2 = '' OR risk_level = $2)
	`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, tenantID, riskLevel).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = $1 AND ($2 = '' OR risk_level = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool.Query(ctx, query, tenantID, riskLevel, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	tx := &models.Transaction{}
	var bvnHash, phoneHash, emailHash, deviceHash string
	var fingerprintBytes, locationBytes, flagsBytes []byte

	err := row.Scan(
		&tx.TenantID,
		&tx.TransactionID,
		&tx.UserID,
		&tx.Amount,
		&tx.Currency,
		&tx.TransactionType,
		&tx.Vertical,
		&bvnHash,
		&phoneHash,
		&emailHash,
		&deviceHash,
		&tx.IPAddress,
		&tx.UserAgent,
		&fingerprintBytes,
		&locationBytes,
		&tx.RiskScore,
		&tx.RiskLevel,
		&tx.Recommendation,
		&flagsBytes,
		&tx.ConsortiumMatch,
		&tx.ProcessingTimeMs,
		&tx.ActualFraud,
		&tx.FeedbackTimestamp,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.BVNHash = hashing.HashedID(bvnHash)
	tx.PhoneHash = hashing.HashedID(phoneHash)
	tx.EmailHash = hashing.HashedID(emailHash)
	tx.DeviceHash = hashing.HashedID(deviceHash)
	tx.DeviceFingerprint.Scan(fingerprintBytes)
	if len(locationBytes) > 0 {
		var loc models.Location
		if json.Unmarshal(locationBytes, &loc) == nil {
			tx.Location = &loc
		}
	}
	if len(flagsBytes) > 0 {
		json.Unmarshal(flagsBytes, &tx.Flags)
	}
	if tx.Flags == nil {
		tx.Flags = []models.Flag{}
	}
	return tx, nil
}

func flagsOrEmpty(flags []models.Flag) []models.Flag {
	if flags == nil {
		return []models.Flag{}
	}
	return flags
}

func marshalNullable(v interface{}) []byte {
	if v == nil {
		return nil
	}
	if loc, ok := v.(*models.Location); ok && loc == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
