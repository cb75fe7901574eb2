// Package scoring composes hashing, velocity, history, rules, ML and the
// consortium signal into the end-to-end transaction scoring pipeline.
package scoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/internal/cache"
	"github.com/sentinel/fraud-engine/internal/clock"
	"github.com/sentinel/fraud-engine/internal/consortium"
	"github.com/sentinel/fraud-engine/internal/hashing"
	"github.com/sentinel/fraud-engine/internal/models"
	"github.com/sentinel/fraud-engine/internal/repositories"
	"github.com/sentinel/fraud-engine/internal/rules"
	"github.com/sentinel/fraud-engine/internal/velocity"
)

// Validation errors surfaced as semantic (422) failures.
var (
	ErrUnknownTransactionType = errors.New("unknown transaction type")
	ErrUnknownVertical        = errors.New("unknown vertical")
)

// criticalThreshold is fixed; the high and medium thresholds are configured.
const criticalThreshold = 85

// TransactionStore is the slice of the transaction repository the
// orchestrator needs.
type TransactionStore interface {
	Create(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, tenantID, transactionID string) (*models.Transaction, error)
	GetDeviceHistory(ctx context.Context, tenantID string, deviceHash hashing.HashedID, limit int) (*models.DeviceHistory, error)
}

// VelocityTracker reads and bumps the multi-window counters.
type VelocityTracker interface {
	Bump(ctx context.Context, identifierKey string, amount float64)
	Read(ctx context.Context, identifierKey string) models.VelocityCounts
}

// ConsortiumReader returns the cross-tenant signal for a set of identifiers.
type ConsortiumReader interface {
	Signals(ctx context.Context, refs []repositories.IdentifierRef) models.ConsortiumSignal
}

// RuleEvaluator runs the rule catalogue.
type RuleEvaluator interface {
	Evaluate(tx *models.Transaction, tenant *models.Tenant, ctx *rules.Context) ([]models.Flag, float64)
}

// MLPredictor returns a fraud probability in [0,1].
type MLPredictor interface {
	Enabled() bool
	Predict(tx *models.Transaction, ctx *rules.Context) float64
}

// WebhookEnqueuer accepts fire-and-forget delivery requests.
type WebhookEnqueuer interface {
	Enqueue(tenant *models.Tenant, eventType string, data interface{})
}

// EventSink receives scored transactions for downstream analytics.
type EventSink interface {
	PublishScore(tx *models.Transaction)
}

// ResultCache is the content-hash result cache.
type ResultCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Config carries the orchestrator thresholds and timeouts.
type Config struct {
	ThresholdHigh   int
	ThresholdMedium int
	CacheTTL        time.Duration
	ScoringTimeout  time.Duration
}

// Orchestrator runs the scoring pipeline. All dependencies are injected at
// construction; per-request state stays on the stack.
type Orchestrator struct {
	txRepo     TransactionStore
	tracker    VelocityTracker
	consortium ConsortiumReader
	engine     RuleEvaluator
	scorer     MLPredictor
	webhooks   WebhookEnqueuer
	events     EventSink
	results    ResultCache
	clock      clock.Clock
	cfg        Config
}

// NewOrchestrator wires the pipeline. webhooks and events may be nil when the
// corresponding outputs are not configured.
func NewOrchestrator(
	txRepo TransactionStore,
	tracker VelocityTracker,
	consortiumReader ConsortiumReader,
	engine RuleEvaluator,
	scorer MLPredictor,
	webhooks WebhookEnqueuer,
	events EventSink,
	results ResultCache,
	clk clock.Clock,
	cfg Config,
) *Orchestrator {
	if cfg.ScoringTimeout <= 0 {
		cfg.ScoringTimeout = 2 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Orchestrator{
		txRepo:     txRepo,
		tracker:    tracker,
		consortium: consortiumReader,
		engine:     engine,
		scorer:     scorer,
		webhooks:   webhooks,
		events:     events,
		results:    results,
		clock:      clk,
		cfg:        cfg,
	}
}

var validTypes = map[string]bool{
	models.TypeLoanApplication: true, models.TypeLoanDisbursement: true,
	models.TypeLoanRepayment: true, models.TypeTransfer: true,
	models.TypeWithdrawal: true, models.TypeDeposit: true,
	models.TypePurchase: true, models.TypeCardTransaction: true,
	models.TypeBetPlacement: true, models.TypeBetWithdrawal: true,
	models.TypeCryptoDeposit: true, models.TypeCryptoWithdrawal: true,
	models.TypeMarketplaceListing: true, models.TypeMarketplacePurchase: true,
}

var validVerticals = map[string]bool{
	models.VerticalFintech: true, models.VerticalEcommerce: true,
	models.VerticalBetting: true, models.VerticalCrypto: true,
	models.VerticalMarketplace: true,
}

// Score runs the full pipeline for one request.
func (o *Orchestrator) Score(ctx context.Context, tenant *models.Tenant, req *models.TransactionCheckRequest) (*models.TransactionCheckResponse, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ScoringTimeout)
	defer cancel()

	vertical := req.Vertical
	if vertical == "" {
		vertical = tenant.Vertical
	}
	if !validTypes[req.TransactionType] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransactionType, req.TransactionType)
	}
	if !validVerticals[vertical] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVertical, vertical)
	}

	// Durable idempotency: the first successful scoring for this id wins.
	if stored, err := o.txRepo.GetByID(ctx, tenant.TenantID, req.TransactionID); err == nil {
		return cachedResponse(stored, start), nil
	} else if !errors.Is(err, repositories.ErrTransactionNotFound) {
		log.Warn().Err(err).
			Str("tenant_id", tenant.TenantID).
			Str("transaction_id", req.TransactionID).
			Msg("Idempotency lookup failed, proceeding with fresh evaluation")
	}

	tx := o.buildTransaction(tenant, req, vertical)

	// Burst cache: near-identical requests within the TTL share a result.
	contentKey := contentHashKey(tenant.TenantID, tx, req)
	var cached models.TransactionCheckResponse
	if err := o.results.Get(ctx, contentKey, &cached); err == nil {
		cached.Cached = true
		cached.ProcessingTimeMs = time.Since(start).Milliseconds()
		return &cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		log.Warn().Err(err).Str("tenant_id", tenant.TenantID).Msg("Content cache read failed")
	}

	evalCtx := o.assembleContext(ctx, tenant, tx)

	flags, ruleScore := o.engine.Evaluate(tx, tenant, evalCtx)

	var mlProb float64
	if tenant.MLEnabled && o.scorer.Enabled() {
		mlProb = o.scorer.Predict(tx, evalCtx)
	}

	signal := o.consortium.Signals(ctx, consortium.Identifiers(tx.BVNHash, tx.PhoneHash, tx.EmailHash, tx.DeviceHash))
	if signal.Match {
		flags = append(flags, models.Flag{
			RuleID:     0,
			RuleName:   "ConsortiumMatch",
			Severity:   models.SeverityHigh,
			Message:    fmt.Sprintf("identifier reported fraudulent by %d organisations", signal.ClientCount),
			Confidence: signal.FraudRate,
		})
	}

	ruleW, mlW, consortiumW := tenant.Weights()
	raw := ruleW*ruleScore + 100*mlW*mlProb + 100*consortiumW*signal.FraudRate
	score := int(math.Round(math.Min(100, raw)))

	tx.Flags = flagsOrEmpty(flags)
	tx.ConsortiumMatch = signal.Match
	tx.RiskScore = score
	tx.RiskLevel = o.riskLevel(score)
	tx.Recommendation = o.recommendation(score, flags)

	// A cancelled request must leave no trace: no row, no counter bumps, no
	// webhook.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx.ProcessingTimeMs = time.Since(start).Milliseconds()
	if err := o.txRepo.Create(ctx, tx); err != nil {
		if errors.Is(err, repositories.ErrDuplicateTransaction) {
			// Lost the first-writer race; the winner's result is the result.
			if stored, getErr := o.txRepo.GetByID(ctx, tenant.TenantID, req.TransactionID); getErr == nil {
				return cachedResponse(stored, start), nil
			}
		}
		return nil, fmt.Errorf("failed to persist transaction: %w", err)
	}

	o.bumpVelocity(ctx, tx)

	resp := responseFrom(tx)
	if err := o.results.Set(ctx, contentKey, resp, o.cfg.CacheTTL); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenant.TenantID).Msg("Content cache write failed")
	}

	if o.webhooks != nil && tenant.WebhookURL != "" &&
		(tx.RiskLevel == models.RiskLevelHigh || tx.RiskLevel == models.RiskLevelCritical) {
		o.webhooks.Enqueue(tenant, "transaction.flagged", resp)
	}
	if o.events != nil {
		o.events.PublishScore(tx)
	}

	log.Info().
		Str("tenant_id", tx.TenantID).
		Str("transaction_id", tx.TransactionID).
		Int("risk_score", tx.RiskScore).
		Str("risk_level", tx.RiskLevel).
		Str("recommendation", tx.Recommendation).
		Int("flag_count", len(tx.Flags)).
		Bool("consortium_match", tx.ConsortiumMatch).
		Int64("processing_time_ms", tx.ProcessingTimeMs).
		Msg("Transaction scored")

	return resp, nil
}

// ScoreBatch scores requests in order. Per-item idempotency holds exactly as
// for single submissions; one failing item does not abort the rest. A failed
// item carries an error code and no risk assessment.
func (o *Orchestrator) ScoreBatch(ctx context.Context, tenant *models.Tenant, reqs []models.TransactionCheckRequest) *models.BatchCheckResponse {
	start := time.Now()
	results := make([]models.TransactionCheckResponse, 0, len(reqs))

	for i := range reqs {
		resp, err := o.Score(ctx, tenant, &reqs[i])
		if err != nil {
			log.Warn().Err(err).
				Str("tenant_id", tenant.TenantID).
				Str("transaction_id", reqs[i].TransactionID).
				Msg("Batch item failed")
			results = append(results, models.TransactionCheckResponse{
				TransactionID: reqs[i].TransactionID,
				Flags:         []models.Flag{},
				ErrorCode:     batchErrorCode(err),
			})
			continue
		}
		results = append(results, *resp)
	}

	return &models.BatchCheckResponse{
		Results:          results,
		TotalProcessed:   len(results),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
}

// batchErrorCode maps a per-item scoring failure onto the public error codes.
func batchErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTransactionType), errors.Is(err, ErrUnknownVertical):
		return "SEMANTIC_ERROR"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}

func (o *Orchestrator) buildTransaction(tenant *models.Tenant, req *models.TransactionCheckRequest, vertical string) *models.Transaction {
	return &models.Transaction{
		TransactionID:     req.TransactionID,
		TenantID:          tenant.TenantID,
		UserID:            req.UserID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		TransactionType:   req.TransactionType,
		Vertical:          vertical,
		BVNHash:           hashing.Hash(req.BVN),
		PhoneHash:         hashing.HashPhone(req.PhoneNumber),
		EmailHash:         hashing.HashEmail(req.Email),
		DeviceHash:        hashing.Hash(req.DeviceID),
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: models.JSONB(req.DeviceFingerprint),
		Location:          req.Location,
		CreatedAt:         o.clock.Now(),
	}
}

// assembleContext fans out the independent reads. Any individual failure
// degrades that signal to its zero value inside the called component; the
// pipeline always gets a usable context.
func (o *Orchestrator) assembleContext(ctx context.Context, tenant *models.Tenant, tx *models.Transaction) *rules.Context {
	evalCtx := &rules.Context{Now: o.clock.Now()}

	var wg sync.WaitGroup
	read := func(key string, dest *models.VelocityCounts) {
		if key == "" {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			*dest = o.tracker.Read(ctx, key)
		}()
	}

	read(velocityKey(velocity.DeviceKey, tx.DeviceHash), &evalCtx.DeviceVelocity)
	read(velocityKey(velocity.PhoneKey, tx.PhoneHash), &evalCtx.PhoneVelocity)
	read(velocityKey(velocity.EmailKey, tx.EmailHash), &evalCtx.EmailVelocity)
	read(velocityKey(velocity.BVNKey, tx.BVNHash), &evalCtx.BVNVelocity)
	if tx.IPAddress != "" {
		read(velocity.IPKey(tx.IPAddress), &evalCtx.IPVelocity)
	}

	if !tx.DeviceHash.IsZero() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			history, err := o.txRepo.GetDeviceHistory(ctx, tenant.TenantID, tx.DeviceHash, 10)
			if err != nil {
				log.Warn().Err(err).
					Str("tenant_id", tenant.TenantID).
					Msg("Device history read failed, degrading to empty history")
				return
			}
			evalCtx.DeviceHistory = *history
		}()
	}

	wg.Wait()
	return evalCtx
}

func velocityKey(build func(string) string, hash hashing.HashedID) string {
	if hash.IsZero() {
		return ""
	}
	return build(string(hash))
}

func (o *Orchestrator) bumpVelocity(ctx context.Context, tx *models.Transaction) {
	for _, key := range []string{
		velocityKey(velocity.DeviceKey, tx.DeviceHash),
		velocityKey(velocity.PhoneKey, tx.PhoneHash),
		velocityKey(velocity.EmailKey, tx.EmailHash),
		velocityKey(velocity.BVNKey, tx.BVNHash),
	} {
		if key != "" {
			o.tracker.Bump(ctx, key, tx.Amount)
		}
	}
	if tx.IPAddress != "" {
		o.tracker.Bump(ctx, velocity.IPKey(tx.IPAddress), tx.Amount)
	}
}

func (o *Orchestrator) riskLevel(score int) string {
	switch {
	case score >= criticalThreshold:
		return models.RiskLevelCritical
	case score >= o.cfg.ThresholdHigh:
		return models.RiskLevelHigh
	case score >= o.cfg.ThresholdMedium:
		return models.RiskLevelMedium
	default:
		return models.RiskLevelLow
	}
}

func (o *Orchestrator) recommendation(score int, flags []models.Flag) string {
	if score >= o.cfg.ThresholdHigh {
		return models.RecommendationReject
	}
	for _, f := range flags {
		if f.Severity == models.SeverityCritical {
			return models.RecommendationReject
		}
	}
	if score >= o.cfg.ThresholdMedium {
		return models.RecommendationReview
	}
	return models.RecommendationApprove
}

func responseFrom(tx *models.Transaction) *models.TransactionCheckResponse {
	return &models.TransactionCheckResponse{
		TransactionID:    tx.TransactionID,
		RiskScore:        tx.RiskScore,
		RiskLevel:        tx.RiskLevel,
		Recommendation:   tx.Recommendation,
		Flags:            flagsOrEmpty(tx.Flags),
		ConsortiumMatch:  tx.ConsortiumMatch,
		Cached:           false,
		ProcessingTimeMs: tx.ProcessingTimeMs,
	}
}

func cachedResponse(tx *models.Transaction, start time.Time) *models.TransactionCheckResponse {
	resp := responseFrom(tx)
	resp.Cached = true
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	return resp
}

// canonicalContent is the field-stable shape hashed for the burst cache. PII
// enters only in hashed form.
type canonicalContent struct {
	TenantID        string           `json:"tenant_id"`
	TransactionID   string           `json:"transaction_id"`
	UserID          string           `json:"user_id"`
	Amount          float64          `json:"amount"`
	Currency        string           `json:"currency"`
	TransactionType string           `json:"transaction_type"`
	Vertical        string           `json:"vertical"`
	BVNHash         hashing.HashedID `json:"bvn_hash"`
	PhoneHash       hashing.HashedID `json:"phone_hash"`
	EmailHash       hashing.HashedID `json:"email_hash"`
	DeviceHash      hashing.HashedID `json:"device_hash"`
	IPAddress       string           `json:"ip_address"`
}

func contentHashKey(tenantID string, tx *models.Transaction, req *models.TransactionCheckRequest) string {
	content := canonicalContent{
		TenantID:        tenantID,
		TransactionID:   req.TransactionID,
		UserID:          req.UserID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		TransactionType: req.TransactionType,
		Vertical:        tx.Vertical,
		BVNHash:         tx.BVNHash,
		PhoneHash:       tx.PhoneHash,
		EmailHash:       tx.EmailHash,
		DeviceHash:      tx.DeviceHash,
		IPAddress:       req.IPAddress,
	}
	data, _ := json.Marshal(content)
	digest := sha256.Sum256(data)
	return "score:content:" + hex.EncodeToString(digest[:])
}

func flagsOrEmpty(flags []models.Flag) []models.Flag {
	if flags == nil {
		return []models.Flag{}
	}
	return flags
}
