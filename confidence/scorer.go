package confidence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/store"
)

// Input is a generated report to rate.
type Input struct {
	BranchID        int
	DataDate        time.Time
	Snapshot        map[string]interface{}
	Analysis        string
	Recommendations []string
}

// Scorer rates reports; it reads past forecasts for historical accuracy.
type Scorer struct {
	forecasts store.ForecastStore
	logger    *zap.Logger
	now       func() time.Time
}

func NewScorer(fs store.ForecastStore, logger *zap.Logger) *Scorer {
	return &Scorer{forecasts: fs, logger: logger.Named("confidence"), now: time.Now}
}

// Score computes the four sub-scores of in and composes them. A failure to
// read past forecasts degrades historical accuracy to its neutral value.
func (s *Scorer) Score(ctx context.Context, in Input) (*Result, error) {
	g, err := Generic(in.Snapshot)
	if err != nil {
		return nil, errs.Internal("normalise snapshot", err)
	}
	snap, _ := g.(map[string]interface{})
	if snap == nil {
		snap = map[string]interface{}{}
	}

	dq, dqParts := DataQuality(snap, in.DataDate, s.now())
	ml, mlParts := MLConfidence(snap)
	ai, aiParts := AIQuality(in.Analysis, in.Recommendations, actualMetrics(snap), anomalousFeatures(snap))

	hist, rows := NeutralHistorical, 0
	histParts := map[string]interface{}{}
	if s.forecasts != nil {
		fs, err := s.forecasts.LatestForecasts(ctx, in.BranchID, HistoryRows)
		if err != nil {
			s.logger.Warn("read past forecasts", zap.Int("branch_id", in.BranchID), zap.Error(err))
			histParts["error"] = err.Error()
		} else {
			hist, rows = HistoricalAccuracy(fs)
		}
	}
	histParts["evaluable_forecasts"] = rows
	histParts["historical_accuracy"] = hist

	res := Compose(Scores{
		DataQuality:        dq,
		MLConfidence:       ml,
		AIQuality:          ai,
		HistoricalAccuracy: hist,
	}, map[string]interface{}{
		WarnDataQuality: dqParts,
		WarnML:          mlParts,
		WarnAIQuality:   aiParts,
		WarnHistorical:  histParts,
	})
	s.logger.Debug("report scored",
		zap.Int("branch_id", in.BranchID),
		zap.Float64("overall", res.Overall),
		zap.String("level", res.Level))
	return res, nil
}

// actualMetrics reads the numeric entries of the metrics source.
func actualMetrics(snap map[string]interface{}) map[string]float64 {
	src, _ := snap[SourceMetrics].(map[string]interface{})
	out := make(map[string]float64, len(src))
	for k, v := range src {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}

// anomalousFeatures reads the feature names flagged by the anomaly source.
func anomalousFeatures(snap map[string]interface{}) []string {
	src, _ := snap[SourceAnomaly].(map[string]interface{})
	list, _ := src["anomalous_features"].([]interface{})
	var out []string
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
