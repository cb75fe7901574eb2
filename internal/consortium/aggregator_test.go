package consortium

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/fraud-engine/internal/hashing"
	"github.com/sentinel/fraud-engine/internal/models"
	"github.com/sentinel/fraud-engine/internal/repositories"
)

type fakeStore struct {
	entries      []*models.ConsortiumEntry
	getErr       error
	observations []repositories.IdentifierRef
	recordErr    error
}

func (f *fakeStore) GetByHashes(_ context.Context, _ []repositories.IdentifierRef) ([]*models.ConsortiumEntry, error) {
	return f.entries, f.getErr
}

func (f *fakeStore) RecordObservation(_ context.Context, ref repositories.IdentifierRef, _ string, _ bool, _ time.Time) error {
	f.observations = append(f.observations, ref)
	return f.recordErr
}

func refs(t *testing.T) []repositories.IdentifierRef {
	t.Helper()
	out := Identifiers(
		hashing.Hash("12345678901"),
		hashing.HashPhone("+2348012345678"),
		hashing.HashEmail("user@example.com"),
		hashing.Hash("device-1"),
	)
	require.Len(t, out, 4)
	return out
}

func TestIdentifiersSkipsEmpty(t *testing.T) {
	out := Identifiers("", hashing.HashPhone("+2348012345678"), "", "")
	require.Len(t, out, 1)
	assert.Equal(t, models.IdentifierPhone, out[0].Type)
}

func TestSignalsSumsCountsAndTakesMaxClients(t *testing.T) {
	store := &fakeStore{entries: []*models.ConsortiumEntry{
		{IdentifierType: models.IdentifierDevice, FraudCount: 7, TotalCount: 10, ClientCount: 3},
		{IdentifierType: models.IdentifierPhone, FraudCount: 1, TotalCount: 10, ClientCount: 5},
	}}
	agg := NewAggregator(store, true)

	signal := agg.Signals(context.Background(), refs(t))

	assert.True(t, signal.Match)
	assert.Equal(t, 8, signal.FraudCount)
	assert.Equal(t, 20, signal.TotalCount)
	assert.Equal(t, 5, signal.ClientCount)
	assert.InDelta(t, 0.4, signal.FraudRate, 0.001)
}

func TestSignalsNeutralWhenNoEntries(t *testing.T) {
	agg := NewAggregator(&fakeStore{}, true)

	signal := agg.Signals(context.Background(), refs(t))

	assert.False(t, signal.Match)
	assert.Zero(t, signal.FraudRate)
	assert.Zero(t, signal.ClientCount)
}

func TestSignalsNeutralWhenDisabled(t *testing.T) {
	store := &fakeStore{entries: []*models.ConsortiumEntry{
		{FraudCount: 9, TotalCount: 10, ClientCount: 2},
	}}
	agg := NewAggregator(store, false)

	signal := agg.Signals(context.Background(), refs(t))

	assert.False(t, signal.Match)
	assert.Zero(t, signal.TotalCount)
}

func TestSignalsDegradesOnStoreError(t *testing.T) {
	agg := NewAggregator(&fakeStore{getErr: assert.AnError}, true)

	signal := agg.Signals(context.Background(), refs(t))

	assert.False(t, signal.Match)
}

func TestRecordFeedbackTouchesEveryIdentifier(t *testing.T) {
	store := &fakeStore{}
	agg := NewAggregator(store, true)

	agg.RecordFeedback(context.Background(), refs(t), "tenant-1", true, time.Now())

	require.Len(t, store.observations, 4)
	assert.Equal(t, models.IdentifierBVN, store.observations[0].Type)
	assert.Equal(t, models.IdentifierDevice, store.observations[3].Type)
}

func TestRecordFeedbackNoopWhenDisabled(t *testing.T) {
	store := &fakeStore{}
	agg := NewAggregator(store, false)

	agg.RecordFeedback(context.Background(), refs(t), "tenant-1", false, time.Now())

	assert.Empty(t, store.observations)
}
