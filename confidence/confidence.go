// Package confidence rates a generated report on four axes (source data
// quality, model confidence, analysis quality and past forecast accuracy)
// and composes them into one overall score with a level and warnings.
package confidence

import (
	"branchanalytics/models"
	"branchanalytics/stats"
)

// Levels of the overall score.
const (
	LevelHigh   = "HIGH"
	LevelMedium = "MEDIUM"
	LevelLow    = "LOW"
)

// Sub-score weights of the overall score.
const (
	WeightDataQuality = 0.25
	WeightML          = 0.25
	WeightAI          = 0.30
	WeightHistorical  = 0.20
)

// WarnBelow is the sub-score under which a warning is raised.
const WarnBelow = 0.6

// Warning types.
const (
	WarnDataQuality = "data_quality"
	WarnML          = "ml_confidence"
	WarnAIQuality   = "ai_quality"
	WarnHistorical  = "historical_accuracy"
)

// Scores are the four sub-scores, each in [0, 1].
type Scores struct {
	DataQuality        float64 `json:"data_quality"`
	MLConfidence       float64 `json:"ml_confidence"`
	AIQuality          float64 `json:"ai_quality"`
	HistoricalAccuracy float64 `json:"historical_accuracy"`
}

// Result is a composed confidence assessment.
type Result struct {
	Scores
	Overall   float64                 `json:"overall_confidence"`
	Level     string                  `json:"confidence_level"`
	Breakdown map[string]interface{}  `json:"breakdown"`
	Warnings  []models.ValidationFlag `json:"warnings"`
}

// Overall is the weighted sum of the clamped sub-scores.
func Overall(s Scores) float64 {
	return WeightDataQuality*stats.Clamp(s.DataQuality, 0, 1) +
		WeightML*stats.Clamp(s.MLConfidence, 0, 1) +
		WeightAI*stats.Clamp(s.AIQuality, 0, 1) +
		WeightHistorical*stats.Clamp(s.HistoricalAccuracy, 0, 1)
}

// Level maps an overall score to its level; boundaries belong to the upper
// level.
func Level(overall float64) string {
	switch {
	case overall >= 0.8:
		return LevelHigh
	case overall >= 0.6:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Warnings returns one flag per sub-score under WarnBelow, in sub-score order.
func Warnings(s Scores) []models.ValidationFlag {
	checks := []struct {
		kind, message, severity string
		score                   float64
	}{
		{WarnDataQuality, "Source data is incomplete or stale", "medium", s.DataQuality},
		{WarnML, "Model confidence is low", "medium", s.MLConfidence},
		{WarnAIQuality, "The analysis misses metrics, anomalies or facts", "high", s.AIQuality},
		{WarnHistorical, "Recent forecasts were inaccurate", "low", s.HistoricalAccuracy},
	}
	out := []models.ValidationFlag{}
	for _, c := range checks {
		if c.score < WarnBelow {
			out = append(out, models.ValidationFlag{
				Type:     c.kind,
				Message:  c.message,
				Severity: c.severity,
				Score:    stats.Round(c.score, 4),
			})
		}
	}
	return out
}

// Compose builds the result of s. breakdown may be nil.
func Compose(s Scores, breakdown map[string]interface{}) *Result {
	o := Overall(s)
	if breakdown == nil {
		breakdown = map[string]interface{}{}
	}
	breakdown["weights"] = map[string]float64{
		WarnDataQuality: WeightDataQuality,
		WarnML:          WeightML,
		WarnAIQuality:   WeightAI,
		WarnHistorical:  WeightHistorical,
	}
	return &Result{
		Scores:    s,
		Overall:   stats.Round(o, 4),
		Level:     Level(o),
		Breakdown: breakdown,
		Warnings:  Warnings(s),
	}
}

// Apply copies the assessment into a report.
func (r *Result) Apply(rep *models.Report) {
	rep.DataQualityScore = stats.Round(r.DataQuality, 4)
	rep.MLConfidence = stats.Round(r.MLConfidence, 4)
	rep.AIQualityScore = stats.Round(r.AIQuality, 4)
	rep.HistoricalAccuracyScore = stats.Round(r.HistoricalAccuracy, 4)
	rep.OverallConfidence = r.Overall
	rep.ConfidenceLevel = r.Level
	rep.ConfidenceBreakdown = models.JSONB(r.Breakdown)
	rep.ValidationFlags = r.Warnings
}
