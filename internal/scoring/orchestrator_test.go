package scoring

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/fraud-engine/internal/cache"
	"github.com/sentinel/fraud-engine/internal/clock"
	"github.com/sentinel/fraud-engine/internal/hashing"
	"github.com/sentinel/fraud-engine/internal/models"
	"github.com/sentinel/fraud-engine/internal/repositories"
	"github.com/sentinel/fraud-engine/internal/rules"
)

type fakeTxStore struct {
	mu      sync.Mutex
	rows    map[string]*models.Transaction
	history *models.DeviceHistory
	failOn  error
}

func newFakeTxStore() *fakeTxStore {
	return &fakeTxStore{rows: make(map[string]*models.Transaction)}
}

func (f *fakeTxStore) key(tenantID, txID string) string { return tenantID + "/" + txID }

func (f *fakeTxStore) Create(_ context.Context, tx *models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil {
		return f.failOn
	}
	k := f.key(tx.TenantID, tx.TransactionID)
	if _, ok := f.rows[k]; ok {
		return repositories.ErrDuplicateTransaction
	}
	copied := *tx
	f.rows[k] = &copied
	return nil
}

func (f *fakeTxStore) GetByID(_ context.Context, tenantID, txID string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.rows[f.key(tenantID, txID)]; ok {
		copied := *tx
		return &copied, nil
	}
	return nil, repositories.ErrTransactionNotFound
}

func (f *fakeTxStore) GetDeviceHistory(_ context.Context, _ string, _ hashing.HashedID, _ int) (*models.DeviceHistory, error) {
	if f.history != nil {
		return f.history, nil
	}
	return &models.DeviceHistory{}, nil
}

type fakeTracker struct {
	mu     sync.Mutex
	counts map[string]models.VelocityCounts
	bumps  []string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{counts: make(map[string]models.VelocityCounts)}
}

func (f *fakeTracker) Bump(_ context.Context, key string, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bumps = append(f.bumps, key)
}

func (f *fakeTracker) Read(_ context.Context, key string) models.VelocityCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

func (f *fakeTracker) bumpCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bumps)
}

type fakeConsortium struct {
	signal models.ConsortiumSignal
}

func (f *fakeConsortium) Signals(_ context.Context, _ []repositories.IdentifierRef) models.ConsortiumSignal {
	return f.signal
}

type fakeScorer struct {
	enabled bool
	prob    float64
}

func (f *fakeScorer) Enabled() bool { return f.enabled }
func (f *fakeScorer) Predict(_ *models.Transaction, _ *rules.Context) float64 {
	return f.prob
}

type fakeWebhooks struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeWebhooks) Enqueue(_ *models.Tenant, eventType string, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) Get(_ context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.entries[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(data, dest)
}

func (f *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.entries[key] = data
	return nil
}

type pipeline struct {
	orch    *Orchestrator
	store   *fakeTxStore
	tracker *fakeTracker
	cons    *fakeConsortium
	webhook *fakeWebhooks
	engine  *rules.Engine
	clock   *clock.Fake
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		store:   newFakeTxStore(),
		tracker: newFakeTracker(),
		cons:    &fakeConsortium{},
		webhook: &fakeWebhooks{},
		engine:  rules.NewEngine(),
		clock:   clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
	}
	p.orch = NewOrchestrator(
		p.store, p.tracker, p.cons, p.engine, &fakeScorer{},
		p.webhook, nil, newFakeCache(), p.clock,
		Config{ThresholdHigh: 70, ThresholdMedium: 40, CacheTTL: 5 * time.Minute, ScoringTimeout: 2 * time.Second},
	)
	return p
}

func tenant() *models.Tenant {
	return &models.Tenant{
		TenantID:           "tenant-1",
		Vertical:           models.VerticalFintech,
		RateLimitPerMinute: 1000,
		Active:             true,
	}
}

func cleanPurchase() *models.TransactionCheckRequest {
	return &models.TransactionCheckRequest{
		TransactionID:   "T1",
		UserID:          "U1",
		Amount:          500,
		Currency:        "NGN",
		TransactionType: models.TypePurchase,
		Vertical:        models.VerticalFintech,
		DeviceID:        "D1",
		PhoneNumber:     "+2348012345678",
		IPAddress:       "197.210.1.1",
	}
}

func TestCleanPurchaseApproved(t *testing.T) {
	p := newPipeline(t)
	resp, err := p.orch.Score(context.Background(), tenant(), cleanPurchase())

	require.NoError(t, err)
	assert.Less(t, resp.RiskScore, 40)
	assert.Equal(t, models.RiskLevelLow, resp.RiskLevel)
	assert.Equal(t, models.RecommendationApprove, resp.Recommendation)
	assert.Empty(t, resp.Flags)
	assert.False(t, resp.Cached)
}

func TestLoanStackingRejected(t *testing.T) {
	p := newPipeline(t)

	phoneHash := hashing.HashPhone("+2348099999999")
	p.tracker.counts["phone:"+string(phoneHash)] = models.VelocityCounts{Count1h: 3, Count24h: 3}

	req := &models.TransactionCheckRequest{
		TransactionID:   "T-loan-4",
		UserID:          "U2",
		Amount:          200_000,
		Currency:        "NGN",
		TransactionType: models.TypeLoanApplication,
		Vertical:        models.VerticalFintech,
		PhoneNumber:     "+2348099999999",
		BVN:             "22212345678",
		DeviceID:        "D2",
	}

	resp, err := p.orch.Score(context.Background(), tenant(), req)
	require.NoError(t, err)

	names := make([]string, 0, len(resp.Flags))
	var criticalSeen bool
	for _, f := range resp.Flags {
		names = append(names, f.RuleName)
		if f.Severity == models.SeverityCritical {
			criticalSeen = true
		}
	}
	assert.Contains(t, names, "LoanStacking")
	assert.Contains(t, names, "MultipleApplications")
	assert.True(t, criticalSeen)
	assert.Equal(t, models.RecommendationReject, resp.Recommendation)
}

func TestIdempotentRetryIgnoresSecondPayload(t *testing.T) {
	p := newPipeline(t)

	first, err := p.orch.Score(context.Background(), tenant(), cleanPurchase())
	require.NoError(t, err)
	bumpsAfterFirst := p.tracker.bumpCount()
	assert.Positive(t, bumpsAfterFirst)

	retry := cleanPurchase()
	retry.Amount = 25_000 // different payload, same id

	second, err := p.orch.Score(context.Background(), tenant(), retry)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.RiskLevel, second.RiskLevel)
	assert.Equal(t, first.Recommendation, second.Recommendation)
	assert.Equal(t, first.Flags, second.Flags)
	assert.Equal(t, bumpsAfterFirst, p.tracker.bumpCount(), "retry must not bump velocity")
}

func TestConsortiumLift(t *testing.T) {
	p := newPipeline(t)
	p.cons.signal = models.ConsortiumSignal{
		Match: true, FraudRate: 0.7, ClientCount: 3, FraudCount: 7, TotalCount: 10,
	}

	resp, err := p.orch.Score(context.Background(), tenant(), cleanPurchase())
	require.NoError(t, err)

	require.NotEmpty(t, resp.Flags)
	var match *models.Flag
	for i := range resp.Flags {
		if resp.Flags[i].RuleName == "ConsortiumMatch" {
			match = &resp.Flags[i]
		}
	}
	require.NotNil(t, match)
	assert.Equal(t, 0, match.RuleID)
	assert.Equal(t, models.SeverityHigh, match.Severity)
	assert.InDelta(t, 0.7, match.Confidence, 0.001)
	assert.True(t, resp.ConsortiumMatch)
	// 100 * 0.2 * 0.7 from the consortium term alone
	assert.GreaterOrEqual(t, resp.RiskScore, 14)
}

func TestMLContributesWhenEnabled(t *testing.T) {
	p := newPipeline(t)
	p.orch.scorer = &fakeScorer{enabled: true, prob: 1.0}

	withML := tenant()
	withML.MLEnabled = true

	resp, err := p.orch.Score(context.Background(), withML, cleanPurchase())
	require.NoError(t, err)
	// 100 * 0.3 * 1.0 from the ML term
	assert.GreaterOrEqual(t, resp.RiskScore, 30)

	p2 := newPipeline(t)
	p2.orch.scorer = &fakeScorer{enabled: true, prob: 1.0}
	resp2, err := p2.orch.Score(context.Background(), tenant(), cleanPurchase())
	require.NoError(t, err)
	assert.Less(t, resp2.RiskScore, 30, "ML must not contribute when the tenant has it off")
}

func TestPanickingRuleDoesNotFailScoring(t *testing.T) {
	p := newPipeline(t)
	p.engine.Register(rules.Rule{
		ID: 99, Name: "Broken", BaseScore: 50, Severity: models.SeverityCritical,
		Universal: true,
		Check: func(_ *models.Transaction, _ *rules.Context) (bool, string) {
			panic("boom")
		},
	})

	resp, err := p.orch.Score(context.Background(), tenant(), cleanPurchase())
	require.NoError(t, err)
	for _, f := range resp.Flags {
		assert.NotEqual(t, "Broken", f.RuleName)
	}
}

func TestWebhookEnqueuedForHighRisk(t *testing.T) {
	p := newPipeline(t)
	p.cons.signal = models.ConsortiumSignal{Match: true, FraudRate: 1.0, ClientCount: 4}
	p.orch.scorer = &fakeScorer{enabled: true, prob: 1.0}

	hooked := tenant()
	hooked.MLEnabled = true
	hooked.MLWeight = 0.5
	hooked.ConsortiumWeight = 0.5
	hooked.WebhookURL = "https://client.example/hook"
	hooked.WebhookSecret = "s3cret"

	resp, err := p.orch.Score(context.Background(), hooked, cleanPurchase())
	require.NoError(t, err)
	assert.Equal(t, models.RiskLevelCritical, resp.RiskLevel)
	assert.Equal(t, []string{"transaction.flagged"}, p.webhook.events)
}

func TestNoWebhookForLowRisk(t *testing.T) {
	p := newPipeline(t)
	hooked := tenant()
	hooked.WebhookURL = "https://client.example/hook"

	_, err := p.orch.Score(context.Background(), hooked, cleanPurchase())
	require.NoError(t, err)
	assert.Empty(t, p.webhook.events)
}

func TestPersistFailureSurfaces(t *testing.T) {
	p := newPipeline(t)
	p.store.failOn = assert.AnError

	_, err := p.orch.Score(context.Background(), tenant(), cleanPurchase())
	assert.Error(t, err)
}

func TestCancelledRequestLeavesNoTrace(t *testing.T) {
	p := newPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.orch.Score(ctx, tenant(), cleanPurchase())
	require.Error(t, err)
	assert.Empty(t, p.store.rows)
	assert.Zero(t, p.tracker.bumpCount())
	assert.Empty(t, p.webhook.events)
}

func TestUnknownTransactionTypeRejected(t *testing.T) {
	p := newPipeline(t)
	req := cleanPurchase()
	req.TransactionType = "teleport"

	_, err := p.orch.Score(context.Background(), tenant(), req)
	assert.ErrorIs(t, err, ErrUnknownTransactionType)
}

func TestVerticalDefaultsToTenant(t *testing.T) {
	p := newPipeline(t)
	req := cleanPurchase()
	req.Vertical = ""

	_, err := p.orch.Score(context.Background(), tenant(), req)
	require.NoError(t, err)

	stored, err := p.store.GetByID(context.Background(), "tenant-1", "T1")
	require.NoError(t, err)
	assert.Equal(t, models.VerticalFintech, stored.Vertical)
}

func TestBatchScoresEveryItem(t *testing.T) {
	p := newPipeline(t)

	reqs := make([]models.TransactionCheckRequest, 3)
	for i := range reqs {
		r := cleanPurchase()
		r.TransactionID = "B" + string(rune('1'+i))
		reqs[i] = *r
	}
	reqs[1].TransactionType = "teleport" // invalid item must not abort the batch

	resp := p.orch.ScoreBatch(context.Background(), tenant(), reqs)

	assert.Equal(t, 3, resp.TotalProcessed)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, models.RecommendationApprove, resp.Results[0].Recommendation)
	assert.Equal(t, models.RecommendationApprove, resp.Results[2].Recommendation)

	// The failed item carries an error code and no invented risk assessment.
	failed := resp.Results[1]
	assert.Equal(t, "B2", failed.TransactionID)
	assert.Equal(t, "SEMANTIC_ERROR", failed.ErrorCode)
	assert.Zero(t, failed.RiskScore)
	assert.Empty(t, failed.RiskLevel)
	assert.Empty(t, failed.Recommendation)
}

// Same payload under a different transaction id is a different transaction:
// it must be scored and persisted on its own, not served from the burst cache.
func TestSamePayloadDistinctIDsScoredSeparately(t *testing.T) {
	p := newPipeline(t)

	first, err := p.orch.Score(context.Background(), tenant(), cleanPurchase())
	require.NoError(t, err)
	require.False(t, first.Cached)

	second := cleanPurchase()
	second.TransactionID = "T2"

	resp, err := p.orch.Score(context.Background(), tenant(), second)
	require.NoError(t, err)

	assert.Equal(t, "T2", resp.TransactionID)
	assert.False(t, resp.Cached)

	_, err = p.store.GetByID(context.Background(), "tenant-1", "T1")
	require.NoError(t, err)
	_, err = p.store.GetByID(context.Background(), "tenant-1", "T2")
	require.NoError(t, err, "second id must be persisted, not absorbed by the cache")
}

// raceStore reports a duplicate-key conflict on Create but lets GetByID see
// the winner's row, mimicking a concurrent first writer landing between the
// idempotency lookup and the insert.
type raceStore struct {
	*fakeTxStore
	winner *models.Transaction
}

func (r *raceStore) Create(_ context.Context, _ *models.Transaction) error {
	r.fakeTxStore.mu.Lock()
	r.fakeTxStore.rows[r.key(r.winner.TenantID, r.winner.TransactionID)] = r.winner
	r.fakeTxStore.mu.Unlock()
	return repositories.ErrDuplicateTransaction
}

func TestDuplicateRaceReturnsWinner(t *testing.T) {
	p := newPipeline(t)
	winner := &models.Transaction{
		TenantID: "tenant-1", TransactionID: "T1",
		RiskScore: 12, RiskLevel: models.RiskLevelLow,
		Recommendation: models.RecommendationApprove,
	}
	p.orch.txRepo = &raceStore{fakeTxStore: newFakeTxStore(), winner: winner}

	resp, err := p.orch.Score(context.Background(), tenant(), cleanPurchase())
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, 12, resp.RiskScore)
}
