package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEnv(t *testing.T) {
	t.Setenv("TEST_BROKERS", "kafka-1:9092, kafka-2:9092 ,,kafka-3:9092")
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092", "kafka-3:9092"}, splitEnv("TEST_BROKERS"))

	t.Setenv("TEST_BROKERS", "")
	assert.Nil(t, splitEnv("TEST_BROKERS"))
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("SECRET_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("RISK_THRESHOLD_HIGH", "40")
	t.Setenv("RISK_THRESHOLD_MEDIUM", "70")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RISK_THRESHOLD_MEDIUM")
}
