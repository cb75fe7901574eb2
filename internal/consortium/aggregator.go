// Package consortium computes the cross-tenant fraud signal from the shared
// identifier aggregates and applies feedback observations back to them.
package consortium

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/internal/hashing"
	"github.com/sentinel/fraud-engine/internal/models"
	"github.com/sentinel/fraud-engine/internal/repositories"
)

// Store is the slice of the consortium repository the aggregator needs.
type Store interface {
	GetByHashes(ctx context.Context, refs []repositories.IdentifierRef) ([]*models.ConsortiumEntry, error)
	RecordObservation(ctx context.Context, ref repositories.IdentifierRef, tenantID string, isFraud bool, now time.Time) error
}

// Aggregator reads and writes the consortium store. When disabled it always
// returns the neutral signal so scoring composes the same way either path.
type Aggregator struct {
	repo    Store
	enabled bool
}

// NewAggregator creates a consortium aggregator.
func NewAggregator(repo Store, enabled bool) *Aggregator {
	return &Aggregator{repo: repo, enabled: enabled}
}

// Identifiers collects the hashed identifiers of one transaction, skipping
// empties.
func Identifiers(bvn, phone, email, device hashing.HashedID) []repositories.IdentifierRef {
	refs := make([]repositories.IdentifierRef, 0, 4)
	for _, candidate := range []struct {
		typ  string
		hash hashing.HashedID
	}{
		{models.IdentifierBVN, bvn},
		{models.IdentifierPhone, phone},
		{models.IdentifierEmail, email},
		{models.IdentifierDevice, device},
	} {
		if !candidate.hash.IsZero() {
			refs = append(refs, repositories.IdentifierRef{Type: candidate.typ, Hash: candidate.hash})
		}
	}
	return refs
}

// Signals aggregates every matching consortium entry into one signal:
// counts are summed, client_count takes the maximum, fraud_rate is recomputed
// from the summed counts. A store failure degrades to the neutral signal.
func (a *Aggregator) Signals(ctx context.Context, refs []repositories.IdentifierRef) models.ConsortiumSignal {
	var signal models.ConsortiumSignal
	if !a.enabled || len(refs) == 0 {
		return signal
	}

	entries, err := a.repo.GetByHashes(ctx, refs)
	if err != nil {
		log.Warn().Err(err).Msg("consortium lookup failed, degrading to neutral signal")
		return signal
	}
	if len(entries) == 0 {
		return signal
	}

	signal.Match = true
	for _, entry := range entries {
		signal.FraudCount += entry.FraudCount
		signal.TotalCount += entry.TotalCount
		if entry.ClientCount > signal.ClientCount {
			signal.ClientCount = entry.ClientCount
		}
	}
	if signal.TotalCount > 0 {
		signal.FraudRate = float64(signal.FraudCount) / float64(signal.TotalCount)
	}
	return signal
}

// RecordFeedback applies one fraud/not-fraud observation to every identifier
// on the transaction. Each entry updates in its own transaction; a failure on
// one identifier does not block the rest.
func (a *Aggregator) RecordFeedback(ctx context.Context, refs []repositories.IdentifierRef, tenantID string, isFraud bool, now time.Time) {
	if !a.enabled {
		return
	}
	for _, ref := range refs {
		if err := a.repo.RecordObservation(ctx, ref, tenantID, isFraud, now); err != nil {
			log.Error().Err(err).
				Str("tenant_id", tenantID).
				Str("identifier_type", ref.Type).
				Msg("consortium update failed")
		}
	}
}
