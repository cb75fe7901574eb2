// Package rules is the deterministic half of the scoring pipeline: a flat
// catalogue of named predicates evaluated against a transaction and its
// assembled context.
package rules

import (
	"time"

	"github.com/sentinel/fraud-engine/internal/models"
)

// DefaultConfidence is attached to a flag when the rule does not supply one.
const DefaultConfidence = 0.8

// Context carries the signals a rule may consult. All fields are read-only
// snapshots assembled by the orchestrator before evaluation.
type Context struct {
	DeviceVelocity models.VelocityCounts
	PhoneVelocity  models.VelocityCounts
	EmailVelocity  models.VelocityCounts
	BVNVelocity    models.VelocityCounts
	IPVelocity     models.VelocityCounts
	DeviceHistory  models.DeviceHistory
	Now            time.Time
}

// Rule is one catalogue entry. Check returns whether the rule triggered and a
// human-readable message for the flag. A nil Verticals slice plus Universal
// false means the rule only runs when a tenant enables it explicitly.
type Rule struct {
	ID        int
	Name      string
	BaseScore float64
	Severity  string
	Universal bool
	Verticals []string
	Types     []string
	Check     func(tx *models.Transaction, ctx *Context) (bool, string)
}

// appliesTo reports whether the rule runs for this transaction's type.
func (r *Rule) appliesTo(tx *models.Transaction) bool {
	if len(r.Types) == 0 {
		return true
	}
	for _, t := range r.Types {
		if t == tx.TransactionType {
			return true
		}
	}
	return false
}

// forVertical reports whether the rule belongs to the vertical's default set.
func (r *Rule) forVertical(vertical string) bool {
	for _, v := range r.Verticals {
		if v == vertical {
			return true
		}
	}
	return false
}
