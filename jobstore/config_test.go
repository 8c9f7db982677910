package jobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	require.NotNil(t, cfg.PrepareSchemaIfNecessary)
	require.True(t, *cfg.PrepareSchemaIfNecessary)
	require.Equal(t, time.Hour, cfg.JobExpirationCheckInterval)
	require.Equal(t, 5*time.Minute, cfg.CountersAggregateInterval)
	require.Equal(t, 30*time.Minute, cfg.InvisibilityTimeout)
	require.Equal(t, time.Minute, cfg.TransactionTimeout)
	require.Equal(t, 2, cfg.PoolMin)
	require.Equal(t, 10, cfg.PoolMax)
	require.NotNil(t, cfg.Logger)
	require.NotNil(t, cfg.TimeProvider)
}

func TestConfig_WithDefaults_PreservesExplicitValues(t *testing.T) {
	disabled := false
	cfg := Config{
		PrepareSchemaIfNecessary: &disabled,
		PoolMin:                  5,
		PoolMax:                  8,
	}.withDefaults()

	require.False(t, *cfg.PrepareSchemaIfNecessary)
	require.Equal(t, 5, cfg.PoolMin)
	require.Equal(t, 8, cfg.PoolMax)
}
