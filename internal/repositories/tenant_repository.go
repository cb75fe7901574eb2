package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/sentinel/fraud-engine/internal/models"
)

var ErrTenantNotFound = errors.New("tenant not found")

// TenantRepository handles tenant database operations. Tenants are resolved
// on every request by API key hash, so the lookup path stays narrow.
type TenantRepository struct {
	db *Database
}

// NewTenantRepository creates a new tenant repository.
func NewTenantRepository(db *Database) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantColumns = `
	tenant_id, name, plan, api_key_hash, vertical, rate_limit_per_minute,
	enabled_rule_ids, ml_enabled, rule_score_weight, ml_weight,
	consortium_weight, webhook_url, webhook_secret, active, created_at`

// GetByAPIKeyHash resolves a tenant from the SHA-256 of its API key.
func (r *TenantRepository) GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE api_key_hash = $1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, query, apiKeyHash))
}

// GetByID retrieves a tenant by its identifier.
func (r *TenantRepository) GetByID(ctx context.Context, tenantID string) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE tenant_id = $1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, query, tenantID))
}

func (r *TenantRepository) scanOne(row pgx.Row) (*models.Tenant, error) {
	tenant := &models.Tenant{}
	var enabledRules []int64

	err := row.Scan(
		&tenant.TenantID,
		&tenant.Name,
		&tenant.Plan,
		&tenant.APIKeyHash,
		&tenant.Vertical,
		&tenant.RateLimitPerMinute,
		pq.Array(&enabledRules),
		&tenant.MLEnabled,
		&tenant.RuleScoreWeight,
		&tenant.MLWeight,
		&tenant.ConsortiumWeight,
		&tenant.WebhookURL,
		&tenant.WebhookSecret,
		&tenant.Active,
		&tenant.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}

	for _, id := range enabledRules {
		tenant.EnabledRuleIDs = append(tenant.EnabledRuleIDs, int(id))
	}
	return tenant, nil
}
