package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BRANCH_IDS", "")
	t.Setenv("HTTP_TIMEOUT", "")
	cfg := Load()

	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "0 23 * * *", cfg.DailyReportCron)
	assert.Equal(t, 180, cfg.IForestTrainingDays)
	assert.Equal(t, 30, cfg.MinTrainingSamples)
	assert.InDelta(t, 0.1, cfg.IForestContamination, 1e-12)
	assert.Empty(t, cfg.BranchIDs)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BRANCH_IDS", "1, 2,x,5")
	t.Setenv("HTTP_TIMEOUT", "45")
	t.Setenv("BUNDLE_CACHE_TTL", "90m")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SMTP_USE_SSL", "true")
	t.Setenv("IFOREST_CONTAMINATION", "0.05")

	cfg := Load()
	assert.Equal(t, []int{1, 2, 5}, cfg.BranchIDs)
	assert.Equal(t, 45*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 90*time.Minute, cfg.BundleCacheTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.SMTPUseSSL)
	assert.InDelta(t, 0.05, cfg.IForestContamination, 1e-12)
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := Config{Timezone: "Not/AZone"}
	assert.Equal(t, time.UTC, cfg.Location())
}
