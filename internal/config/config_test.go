package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/engagement/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddress)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, int64(5000), cfg.PolicyConstants().StepThreshold)
	assert.Equal(t, "2025-01", cfg.PolicyConstants().Version)
	assert.Equal(t, 24*time.Hour, cfg.PolicyConstants().MaxStepSyncLag)
	assert.False(t, cfg.AutoMigrate)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("STEP_THRESHOLD", "8000")
	t.Setenv("POLICY_VERSION", "2025-09")
	t.Setenv("RECONCILE_INTERVAL", "5m")
	t.Setenv("KINDS_EXTRA", "mentoring:monthly:30")
	t.Setenv("STEP_SYNC_MAX_LAG", "72h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	constants := cfg.PolicyConstants()
	assert.Equal(t, int64(8000), constants.StepThreshold)
	assert.Equal(t, "2025-09", constants.Version)
	assert.Equal(t, 72*time.Hour, constants.MaxStepSyncLag)

	kinds, err := cfg.Kinds()
	require.NoError(t, err)
	spec, ok := kinds.Lookup("mentoring")
	require.True(t, ok)
	assert.Equal(t, domain.LimitMonthly, spec.Limit)
	assert.Equal(t, 30, spec.Points)
	assert.True(t, spec.Manual)

	_, ok = kinds.Lookup(domain.KindGymVisit)
	assert.True(t, ok)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "many")
	_, err := Load()
	require.Error(t, err)
}

func TestKindsRejectsBadSpec(t *testing.T) {
	cfg := Config{KindsExtra: "mentoring:weekly:30"}
	_, err := cfg.Kinds()
	require.ErrorContains(t, err, "KINDS_EXTRA")
}
