package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("UL_INDEX", "banknifty")
	t.Setenv("PAPER_TRADING", "false")
	t.Setenv("CONFIRM_INTERVAL_MS", "120")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("ORDER_WORKERS", "4")
	t.Setenv("MOCK_PRICES", "nifty=25100, sensex = 81000,broken,BAD=x,NEG=-1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "BANKNIFTY", cfg.DefaultULIndex)
	assert.False(t, cfg.PaperTrading)
	assert.Equal(t, 120*time.Millisecond, cfg.ConfirmInterval())
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, map[string]float64{"NIFTY": 25100, "SENSEX": 81000}, cfg.MockPrices)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ORDER_WORKERS", "")
	t.Setenv("CONFIRM_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 10, cfg.ConfirmAttempts)
	assert.Equal(t, 10, cfg.Workers)
	assert.Equal(t, "15:20", cfg.SquareOffAt)
	assert.Equal(t, 25000.0, cfg.MockPrices["NIFTY"])
}

func TestLocationFallsBackToLocal(t *testing.T) {
	cfg := &Config{Timezone: "Not/AZone"}
	assert.Equal(t, time.Local, cfg.Location())
}
