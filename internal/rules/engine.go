package rules

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/internal/models"
)

// Engine evaluates the catalogue against one transaction at a time. Weights
// are an atomic snapshot swapped in by the learning loop, so concurrent
// scorings read either the pre- or post-update table, never a partial one.
type Engine struct {
	mu       sync.RWMutex
	rules    []Rule
	disabled map[int]bool

	weights atomic.Value // map[int]float64
}

// NewEngine creates an engine over the built-in catalogue with neutral
// weights.
func NewEngine() *Engine {
	e := &Engine{
		rules:    Catalogue(),
		disabled: make(map[int]bool),
	}
	e.weights.Store(map[int]float64{})
	return e
}

// Register appends a rule to the catalogue. Used for tenant-specific
// extensions and in tests.
func (e *Engine) Register(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
	log.Info().Int("rule_id", rule.ID).Str("rule_name", rule.Name).Msg("Rule registered")
}

// SetEnabled flips a rule's global state. Disabled rules are never evaluated
// and their flags never appear.
func (e *Engine) SetEnabled(ruleID int, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.ID == ruleID {
			e.disabled[ruleID] = !enabled
			log.Info().Int("rule_id", ruleID).Bool("enabled", enabled).Msg("Rule state changed")
			return true
		}
	}
	return false
}

// RuleInfo is the admin-surface view of one catalogue entry.
type RuleInfo struct {
	ID        int      `json:"id"`
	Name      string   `json:"name"`
	BaseScore float64  `json:"base_score"`
	Severity  string   `json:"severity"`
	Universal bool     `json:"universal"`
	Verticals []string `json:"verticals,omitempty"`
	Types     []string `json:"types,omitempty"`
	Enabled   bool     `json:"enabled"`
	Weight    float64  `json:"weight"`
}

// Rules returns the catalogue with each rule's global state and weight.
func (e *Engine) Rules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]RuleInfo, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, RuleInfo{
			ID:        r.ID,
			Name:      r.Name,
			BaseScore: r.BaseScore,
			Severity:  r.Severity,
			Universal: r.Universal,
			Verticals: r.Verticals,
			Types:     r.Types,
			Enabled:   !e.disabled[r.ID],
			Weight:    e.weightFor(r.ID),
		})
	}
	return out
}

// SetWeights swaps in a new weight snapshot from the accuracy table.
func (e *Engine) SetWeights(weights map[int]float64) {
	copied := make(map[int]float64, len(weights))
	for id, w := range weights {
		copied[id] = w
	}
	e.weights.Store(copied)
}

func (e *Engine) weightFor(ruleID int) float64 {
	weights := e.weights.Load().(map[int]float64)
	if w, ok := weights[ruleID]; ok {
		return w
	}
	return 1.0
}

// Evaluate runs the selected rules and returns the triggered flags plus the
// weighted rule score, capped at 100. Selection is the union of universal
// rules, the vertical's rules and the tenant's explicitly enabled rules,
// minus globally disabled ones; rules then filter themselves by transaction
// type.
func (e *Engine) Evaluate(tx *models.Transaction, tenant *models.Tenant, ctx *Context) ([]models.Flag, float64) {
	e.mu.RLock()
	rules := e.rules
	disabled := make(map[int]bool, len(e.disabled))
	for id, d := range e.disabled {
		disabled[id] = d
	}
	e.mu.RUnlock()

	enabledByTenant := make(map[int]bool, len(tenant.EnabledRuleIDs))
	for _, id := range tenant.EnabledRuleIDs {
		enabledByTenant[id] = true
	}

	var flags []models.Flag
	var score float64

	for i := range rules {
		rule := &rules[i]
		if disabled[rule.ID] {
			continue
		}
		if !rule.Universal && !rule.forVertical(tx.Vertical) && !enabledByTenant[rule.ID] {
			continue
		}
		if !rule.appliesTo(tx) {
			continue
		}

		triggered, msg := e.checkSafely(rule, tx, ctx)
		if !triggered {
			continue
		}

		flag := models.Flag{
			RuleID:     rule.ID,
			RuleName:   rule.Name,
			Severity:   rule.Severity,
			Message:    msg,
			Confidence: DefaultConfidence,
		}
		flags = append(flags, flag)
		score += rule.BaseScore * e.weightFor(rule.ID) * flag.Confidence
	}

	if score > 100 {
		score = 100
	}
	return flags, score
}

// checkSafely isolates a misbehaving rule: a panic is logged once and treated
// as not triggered.
func (e *Engine) checkSafely(rule *Rule, tx *models.Transaction, ctx *Context) (triggered bool, msg string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int("rule_id", rule.ID).
				Str("rule_name", rule.Name).
				Interface("panic", r).
				Msg("Rule evaluation panicked, treating as not triggered")
			triggered = false
			msg = ""
		}
	}()
	return rule.Check(tx, ctx)
}
