package config

import (
	"testing"
	"time"

	"github.com/ManuelReschke/HangarLedger/internal/pkg/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	env.Env = values
	t.Cleanup(func() { env.Env = nil })
}

func requiredKeys() map[string]string {
	return map[string]string{
		"STRIPE_SECRET_KEY":     "sk_test_123",
		"STRIPE_WEBHOOK_SECRET": "whsec_123",
		"OPS_API_KEY":           "ops-key",
	}
}

func TestLoadDefaults(t *testing.T) {
	withEnv(t, requiredKeys())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.JobQueueWorkers)
	assert.Equal(t, "0 3 * * *", cfg.ReconcileCron)
	assert.True(t, cfg.ReconcileEnabled)
	assert.Equal(t, 15*time.Minute, cfg.PendingEventAge)
	assert.Equal(t, "usd", cfg.RentCurrency)
	assert.False(t, cfg.Archive.Enabled)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
}

func TestLoadRequiresGatewayAndOpsKeys(t *testing.T) {
	for _, key := range []string{"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "OPS_API_KEY"} {
		t.Run(key, func(t *testing.T) {
			values := requiredKeys()
			values[key] = ""
			withEnv(t, values)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadValidatesArchiveWhenEnabled(t *testing.T) {
	values := requiredKeys()
	values["ARCHIVE_ENABLED"] = "true"
	values["ARCHIVE_S3_ACCESS_KEY_ID"] = "ak"
	values["ARCHIVE_S3_SECRET_ACCESS_KEY"] = "sk"
	withEnv(t, values)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHIVE_S3_BUCKET_NAME")
}

func TestLoadRejectsZeroWorkers(t *testing.T) {
	values := requiredKeys()
	values["JOBQUEUE_WORKERS"] = "0"
	withEnv(t, values)

	_, err := Load()
	require.Error(t, err)
}
