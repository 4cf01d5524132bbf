package historical

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdjustAgreeOnStrongAnomalyClampsHigh(t *testing.T) {
	res := &Result{
		IsAnomaly: true,
		Anomalies: []FeatureAnomaly{{Feature: "total_revenue", ZScore: 6, DeviationPct: 200}},
	}
	adj := AdjustConfidence(0.8, true, res)
	assert.Equal(t, "agree_anomaly", adj.Agreement)
	assert.Equal(t, MaxAdjustedConfidence, adj.Confidence)
}

func TestAdjustIsAdditiveBeforeClamp(t *testing.T) {
	// agree on anomaly +0.15, one feature +0.02, weak deviation -0.10
	res := &Result{
		IsAnomaly: true,
		Anomalies: []FeatureAnomaly{{Feature: "order_count", ZScore: 1.5, DeviationPct: 5, IsAboveP95: true}},
	}
	adj := AdjustConfidence(0.5, true, res)
	assert.InDelta(t, 0.57, adj.Confidence, 1e-9)
	assert.Len(t, adj.Steps, 3)
}

func TestAdjustDisagreementDropsConfidence(t *testing.T) {
	res := &Result{
		IsAnomaly: true,
		Anomalies: []FeatureAnomaly{{Feature: "customer_count", ZScore: 2.4, DeviationPct: 12}},
	}
	adj := AdjustConfidence(0.5, false, res)
	assert.Equal(t, "disagree", adj.Agreement)
	assert.InDelta(t, 0.32, adj.Confidence, 1e-9)
	assert.GreaterOrEqual(t, adj.Confidence, MinAdjustedConfidence)
	assert.LessOrEqual(t, adj.Confidence, 0.6)

	floor := AdjustConfidence(0.3, false, res)
	assert.Equal(t, MinAdjustedConfidence, floor.Confidence)
}

func TestAdjustCombinedBaselines(t *testing.T) {
	split := &Result{
		Individual: map[string]*Result{
			MethodWeekday:  {IsAnomaly: false},
			MethodRolling7: {IsAnomaly: true},
		},
	}
	assert.InDelta(t, 0.6, AdjustConfidence(0.6, false, split).Confidence, 1e-9)

	agree := &Result{
		Individual: map[string]*Result{
			MethodWeekday:  {IsAnomaly: false},
			MethodRolling7: {IsAnomaly: false},
		},
	}
	assert.InDelta(t, 0.75, AdjustConfidence(0.6, false, agree).Confidence, 1e-9)
}

func TestAdjustCapsFeatureBonus(t *testing.T) {
	var anomalies []FeatureAnomaly
	for i := 0; i < 8; i++ {
		anomalies = append(anomalies, FeatureAnomaly{ZScore: 2.5, DeviationPct: 20})
	}
	res := &Result{IsAnomaly: true, Anomalies: anomalies}
	// +0.15 agreement, +0.10 capped feature bonus
	assert.InDelta(t, 0.75, AdjustConfidence(0.5, true, res).Confidence, 1e-9)
}
