package models

import (
	"encoding/json"
	"time"

	"github.com/sentinel/fraud-engine/internal/hashing"
)

// Vertical enum values select which rule subset applies.
const (
	VerticalFintech     = "fintech"
	VerticalEcommerce   = "ecommerce"
	VerticalBetting     = "betting"
	VerticalCrypto      = "crypto"
	VerticalMarketplace = "marketplace"
)

// TransactionType enum values
const (
	TypeLoanApplication     = "loan_application"
	TypeLoanDisbursement    = "loan_disbursement"
	TypeLoanRepayment       = "loan_repayment"
	TypeTransfer            = "transfer"
	TypeWithdrawal          = "withdrawal"
	TypeDeposit             = "deposit"
	TypePurchase            = "purchase"
	TypeCardTransaction     = "card_transaction"
	TypeBetPlacement        = "bet_placement"
	TypeBetWithdrawal       = "bet_withdrawal"
	TypeCryptoDeposit       = "crypto_deposit"
	TypeCryptoWithdrawal    = "crypto_withdrawal"
	TypeMarketplaceListing  = "marketplace_listing"
	TypeMarketplacePurchase = "marketplace_purchase"
)

// RiskLevel enum values
const (
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// Severity enum values for flags
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Recommendation enum values
const (
	RecommendationApprove = "APPROVE"
	RecommendationReview  = "REVIEW"
	RecommendationReject  = "REJECT"
)

// Flag is a single triggered rule on a scored transaction.
type Flag struct {
	RuleID     int     `json:"rule_id"`
	RuleName   string  `json:"rule_name"`
	Severity   string  `json:"severity"`
	Message    string  `json:"message"`
	Confidence float64 `json:"confidence"`
}

// Location is an optional geo blob attached to a transaction.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	City      string  `json:"city,omitempty"`
	State     string  `json:"state,omitempty"`
	Country   string  `json:"country,omitempty"`
}

// Transaction is the durable record of one scored transaction. PII only ever
// appears in hashed form.
type Transaction struct {
	TransactionID     string           `json:"transaction_id"`
	TenantID          string           `json:"tenant_id"`
	UserID            string           `json:"user_id"`
	Amount            float64          `json:"amount"`
	Currency          string           `json:"currency"`
	TransactionType   string           `json:"transaction_type"`
	Vertical          string           `json:"vertical"`
	BVNHash           hashing.HashedID `json:"bvn_hash,omitempty"`
	PhoneHash         hashing.HashedID `json:"phone_hash,omitempty"`
	EmailHash         hashing.HashedID `json:"email_hash,omitempty"`
	DeviceHash        hashing.HashedID `json:"device_hash,omitempty"`
	IPAddress         string           `json:"ip_address,omitempty"`
	UserAgent         string           `json:"user_agent,omitempty"`
	DeviceFingerprint JSONB            `json:"device_fingerprint,omitempty"`
	Location          *Location        `json:"location,omitempty"`
	RiskScore         int              `json:"risk_score"`
	RiskLevel         string           `json:"risk_level"`
	Recommendation    string           `json:"recommendation"`
	Flags             []Flag           `json:"flags"`
	ConsortiumMatch   bool             `json:"consortium_match"`
	Cached            bool             `json:"cached"`
	ProcessingTimeMs  int64            `json:"processing_time_ms"`
	ActualFraud       *bool            `json:"actual_fraud,omitempty"`
	FeedbackTimestamp *time.Time       `json:"feedback_timestamp,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Tenant is an API client of the scoring service.
type Tenant struct {
	TenantID           string    `json:"tenant_id"`
	Name               string    `json:"name"`
	Plan               string    `json:"plan"`
	APIKeyHash         string    `json:"-"`
	Vertical           string    `json:"vertical"`
	RateLimitPerMinute int       `json:"rate_limit_per_minute"`
	EnabledRuleIDs     []int     `json:"enabled_rule_ids,omitempty"`
	MLEnabled          bool      `json:"ml_enabled"`
	RuleScoreWeight    float64   `json:"rule_score_weight"`
	MLWeight           float64   `json:"ml_weight"`
	ConsortiumWeight   float64   `json:"consortium_weight"`
	WebhookURL         string    `json:"webhook_url,omitempty"`
	WebhookSecret      string    `json:"-"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
}

// Weights returns the tenant's composite weights normalised to sum to 1,
// falling back to the (0.5, 0.3, 0.2) defaults when all three are zero.
func (t *Tenant) Weights() (ruleW, mlW, consortiumW float64) {
	ruleW, mlW, consortiumW = t.RuleScoreWeight, t.MLWeight, t.ConsortiumWeight
	sum := ruleW + mlW + consortiumW
	if sum <= 0 {
		return 0.5, 0.3, 0.2
	}
	return ruleW / sum, mlW / sum, consortiumW / sum
}

// RuleAccuracy tracks the confusion matrix and learned weight for one rule.
type RuleAccuracy struct {
	RuleID         int       `json:"rule_id"`
	RuleName       string    `json:"rule_name"`
	TruePositives  int       `json:"true_positives"`
	FalsePositives int       `json:"false_positives"`
	TrueNegatives  int       `json:"true_negatives"`
	FalseNegatives int       `json:"false_negatives"`
	Precision      float64   `json:"precision"`
	Recall         float64   `json:"recall"`
	Accuracy       float64   `json:"accuracy"`
	Weight         float64   `json:"weight"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Recompute derives precision, recall and accuracy from the confusion matrix.
func (ra *RuleAccuracy) Recompute() {
	tp, fp, tn, fn := float64(ra.TruePositives), float64(ra.FalsePositives),
		float64(ra.TrueNegatives), float64(ra.FalseNegatives)
	if tp+fp > 0 {
		ra.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		ra.Recall = tp / (tp + fn)
	}
	if total := tp + fp + tn + fn; total > 0 {
		ra.Accuracy = (tp + tn) / total
	}
}

// Identifier types used by the consortium and velocity stores.
const (
	IdentifierBVN    = "bvn"
	IdentifierPhone  = "phone"
	IdentifierEmail  = "email"
	IdentifierDevice = "device"
	IdentifierIP     = "ip"
)

// ConsortiumEntry is the cross-tenant fraud aggregate for one hashed identifier.
type ConsortiumEntry struct {
	IdentifierType string           `json:"identifier_type"`
	IdentifierHash hashing.HashedID `json:"identifier_hash"`
	FraudCount     int              `json:"fraud_count"`
	TotalCount     int              `json:"total_count"`
	ClientCount    int              `json:"client_count"`
	FraudRate      float64          `json:"fraud_rate"`
	FirstSeen      time.Time        `json:"first_seen"`
	LastSeen       time.Time        `json:"last_seen"`
}

// ConsortiumSignal is the read-side aggregate across all matching entries.
type ConsortiumSignal struct {
	Match       bool    `json:"match"`
	FraudRate   float64 `json:"fraud_rate"`
	ClientCount int     `json:"client_count"`
	FraudCount  int     `json:"fraud_count"`
	TotalCount  int     `json:"total_count"`
}

// VelocityCounts holds the multi-window counters for one identifier key.
type VelocityCounts struct {
	Count1m    int64   `json:"count_1m"`
	Count10m   int64   `json:"count_10m"`
	Count1h    int64   `json:"count_1h"`
	Count24h   int64   `json:"count_24h"`
	Amount1h   float64 `json:"amount_1h"`
	Amount24h  float64 `json:"amount_24h"`
}

// DeviceHistory summarises a device's recent transactions for rule evaluation.
type DeviceHistory struct {
	TransactionCount int     `json:"transaction_count"`
	FraudCount       int     `json:"fraud_count"`
	MeanAmount       float64 `json:"mean_amount"`
	LastLocation     *Location
	LastSeen         *time.Time
}

// FraudRatio returns the share of known-fraud transactions in the history.
func (h DeviceHistory) FraudRatio() float64 {
	if h.TransactionCount == 0 {
		return 0
	}
	return float64(h.FraudCount) / float64(h.TransactionCount)
}

// TransactionCheckRequest is the public scoring request body.
type TransactionCheckRequest struct {
	TransactionID     string                 `json:"transaction_id" binding:"required"`
	UserID            string                 `json:"user_id" binding:"required"`
	Amount            float64                `json:"amount" binding:"required,gt=0"`
	Currency          string                 `json:"currency" binding:"required,len=3"`
	TransactionType   string                 `json:"transaction_type" binding:"required"`
	Vertical          string                 `json:"vertical"`
	BVN               string                 `json:"bvn,omitempty"`
	PhoneNumber       string                 `json:"phone_number,omitempty"`
	Email             string                 `json:"email,omitempty"`
	DeviceID          string                 `json:"device_id,omitempty"`
	IPAddress         string                 `json:"ip_address,omitempty"`
	UserAgent         string                 `json:"user_agent,omitempty"`
	DeviceFingerprint map[string]interface{} `json:"device_fingerprint,omitempty"`
	Location          *Location              `json:"location,omitempty"`
}

// TransactionCheckResponse is the public scoring response body. ErrorCode is
// set only on batch items that failed to score; such items carry no risk
// assessment.
type TransactionCheckResponse struct {
	TransactionID    string `json:"transaction_id"`
	RiskScore        int    `json:"risk_score"`
	RiskLevel        string `json:"risk_level"`
	Recommendation   string `json:"recommendation"`
	Flags            []Flag `json:"flags"`
	ConsortiumMatch  bool   `json:"consortium_match"`
	Cached           bool   `json:"cached"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	ErrorCode        string `json:"error_code,omitempty"`
}

// BatchCheckRequest scores up to 100 transactions in one call.
type BatchCheckRequest struct {
	Transactions []TransactionCheckRequest `json:"transactions" binding:"required,min=1,max=100,dive"`
}

// BatchCheckResponse wraps the per-item results.
type BatchCheckResponse struct {
	Results          []TransactionCheckResponse `json:"results"`
	TotalProcessed   int                        `json:"total_processed"`
	ProcessingTimeMs int64                      `json:"processing_time_ms"`
}

// FeedbackRequest labels a previously scored transaction.
type FeedbackRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	ActualFraud   *bool  `json:"actual_fraud" binding:"required"`
	Notes         string `json:"notes,omitempty"`
}

// FeedbackResponse acknowledges a feedback submission.
type FeedbackResponse struct {
	TransactionID  string `json:"transaction_id"`
	Applied        bool   `json:"applied"`
	AlreadyApplied bool   `json:"already_applied,omitempty"`
	Message        string `json:"message,omitempty"`
}

// JSONB is a helper type for PostgreSQL JSONB columns.
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}
