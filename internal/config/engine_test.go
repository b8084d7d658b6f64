package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPrecisionFor(t *testing.T) {
	cfg := DefaultEngineConfig()

	assert.Equal(t, int32(2), cfg.PrecisionFor("usd"))
	assert.Equal(t, int32(0), cfg.PrecisionFor(" jpy "))
	assert.Equal(t, int32(3), cfg.PrecisionFor("KWD"))
}

func TestStaticHolderNormalizes(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.DeletedSuffix = "Soft Deleted"
	cfg.CurrencyPrecision = map[string]int32{"eur": 3}
	cfg.Outbox = OutboxConfig{}

	got := NewStaticEngineConfigHolder(cfg).Get()
	assert.Equal(t, "soft-deleted", got.DeletedSuffix)
	assert.Equal(t, int32(3), got.PrecisionFor("EUR"))
	assert.Equal(t, DefaultEngineConfig().Outbox, got.Outbox)
}

func TestNilHolderReturnsDefaults(t *testing.T) {
	var holder *EngineConfigHolder
	got := holder.Get()

	assert.Equal(t, "deleted", got.DeletedSuffix)
	assert.True(t, got.VerifyConsistency)
	assert.Equal(t, 4, got.NumberPadding)
}

func TestValidateEngineConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{name: "precision too high", mutate: func(c *EngineConfig) { c.DefaultPrecision = 7 }},
		{name: "negative currency precision", mutate: func(c *EngineConfig) { c.CurrencyPrecision = map[string]int32{"usd": -1} }},
		{name: "padding too wide", mutate: func(c *EngineConfig) { c.NumberPadding = 13 }},
	}

	require.NoError(t, validateEngineConfig(DefaultEngineConfig()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultEngineConfig()
			tt.mutate(&cfg)
			require.Error(t, validateEngineConfig(cfg))
		})
	}
}

func TestNewEngineConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`engine:
  default_precision: 3
  currency_precision:
    usd: 2
  deleted_suffix: removed
  number_padding: 6
  verify_consistency: false
  outbox:
    poll_interval: 5s
    batch_size: 10
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.yml"), content, 0o600))
	chdir(t, dir)

	holder, err := NewEngineConfigHolder(zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, int32(3), got.DefaultPrecision)
	assert.Equal(t, int32(2), got.PrecisionFor("USD"))
	assert.Equal(t, "removed", got.DeletedSuffix)
	assert.Equal(t, 6, got.NumberPadding)
	assert.False(t, got.VerifyConsistency)
	assert.Equal(t, 5*time.Second, got.Outbox.PollInterval)
	assert.Equal(t, 10, got.Outbox.BatchSize)
	assert.Equal(t, DefaultEngineConfig().Outbox.MaxAttempts, got.Outbox.MaxAttempts)
}

func TestNewEngineConfigHolderRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.yml"), []byte("engine:\n  number_padding: 40\n"), 0o600))
	chdir(t, dir)

	_, err := NewEngineConfigHolder(zap.NewNop())
	require.Error(t, err)
}

func TestParseShards(t *testing.T) {
	got := parseShards("eu=host=eu-db user=app; us = host=us-db ;broken;=nodsn")

	assert.Equal(t, map[string]string{
		"eu": "host=eu-db user=app",
		"us": "host=us-db",
	}, got)
}

func TestNewEngineConfigHolderMergesDefaultsUnderPartialFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.yml"), []byte("engine:\n  number_padding: 5\n"), 0o600))
	chdir(t, dir)

	holder, err := NewEngineConfigHolder(zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, 5, got.NumberPadding)
	assert.True(t, got.VerifyConsistency)
	assert.Equal(t, int32(2), got.DefaultPrecision)
	assert.Equal(t, int32(0), got.PrecisionFor("JPY"))
}

func TestNewEngineConfigHolderEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("INVOICEBALANCE_ENGINE_NUMBER_PADDING", "8")
	t.Setenv("INVOICEBALANCE_ENGINE_VERIFY_CONSISTENCY", "false")

	holder, err := NewEngineConfigHolder(zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, 8, got.NumberPadding)
	assert.False(t, got.VerifyConsistency)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
