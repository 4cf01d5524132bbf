// Package pipeline runs the daily report job: it collects a snapshot of a
// branch day, has it analysed, scores the result, stores the report and
// mails it.
package pipeline

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"branchanalytics/anomaly"
	"branchanalytics/confidence"
	"branchanalytics/forecast"
	"branchanalytics/historical"
	"branchanalytics/models"
	"branchanalytics/registry"
	"branchanalytics/source"
	"branchanalytics/stats"
	"branchanalytics/store"
)

// AnomalyDetector is the part of the anomaly engine the collector uses.
type AnomalyDetector interface {
	Detect(ctx context.Context, branchID int, day time.Time, opts anomaly.DetectOptions) (*anomaly.Detection, error)
}

// Forecaster is the part of the forecast engine the collector uses.
type Forecaster interface {
	Predict(ctx context.Context, opts forecast.ForecastOptions) (*forecast.Forecast, error)
}

// ServiceFetcher reads the per-branch endpoints of the operational services.
type ServiceFetcher interface {
	BranchDay(ctx context.Context, branchID int, day time.Time) []source.Result
}

// SnapshotConfig selects what the collector embeds.
type SnapshotConfig struct {
	ForecastTarget    string
	ForecastAlgorithm string
	ForecastDays      int
	Ensemble          bool
	HistoryDays       int
}

func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		ForecastTarget:    models.FieldTotalRevenue,
		ForecastAlgorithm: registry.AlgoProphet,
		ForecastDays:      7,
		Ensemble:          true,
		HistoryDays:       30,
	}
}

// Snapshot is the data a report is generated from.
type Snapshot struct {
	Metrics           *models.DailyBranchMetrics
	Data              map[string]interface{}
	AnomalousFeatures []string
	Detection         *anomaly.Detection
	Forecast          *forecast.Forecast
}

// Collector assembles snapshots.
type Collector struct {
	metrics  store.MetricsStore
	anomaly  AnomalyDetector
	forecast Forecaster
	services ServiceFetcher
	cfg      SnapshotConfig
	logger   *zap.Logger
}

// NewCollector returns a collector. ad, fc and sf may be nil; the matching
// snapshot entries then carry an error.
func NewCollector(ms store.MetricsStore, ad AnomalyDetector, fc Forecaster, sf ServiceFetcher, cfg SnapshotConfig, logger *zap.Logger) *Collector {
	return &Collector{metrics: ms, anomaly: ad, forecast: fc, services: sf, cfg: cfg, logger: logger.Named("snapshot")}
}

func errorEntry(err error) map[string]interface{} {
	return map[string]interface{}{"error": err.Error()}
}

// Collect reads the stored metrics of day and runs the anomaly detection of
// day and the forecast of the following days concurrently. A failure of
// either is recorded in its snapshot entry; missing metrics fail the call.
func (c *Collector) Collect(ctx context.Context, branchID int, day time.Time) (*Snapshot, error) {
	day = models.DateOnly(day)
	m, err := c.metrics.GetDailyMetrics(ctx, branchID, day)
	if err != nil {
		return nil, err
	}

	var (
		wg       sync.WaitGroup
		det      *anomaly.Detection
		detErr   error
		fc       *forecast.Forecast
		fcErr    error
		services []source.Result
	)
	if c.anomaly != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			det, detErr = c.anomaly.Detect(ctx, branchID, day, anomaly.DetectOptions{Ensemble: c.cfg.Ensemble, Persist: true})
		}()
	}
	if c.forecast != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fc, fcErr = c.forecast.Predict(ctx, forecast.ForecastOptions{
				BranchID:  branchID,
				Target:    c.cfg.ForecastTarget,
				Algorithm: c.cfg.ForecastAlgorithm,
				Date:      day,
				Days:      c.cfg.ForecastDays,
				Persist:   true,
			})
		}()
	}
	if c.services != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			services = c.services.BranchDay(ctx, branchID, day)
		}()
	}
	wg.Wait()

	snap := &Snapshot{
		Metrics: m,
		Data:    map[string]interface{}{confidence.SourceMetrics: m.Snapshot()},
	}

	switch {
	case c.anomaly == nil:
		snap.Data[confidence.SourceAnomaly] = map[string]interface{}{"error": "anomaly detection is not configured"}
	case detErr != nil:
		c.logger.Warn("anomaly detection failed", zap.Int("branch_id", branchID), zap.Error(detErr))
		snap.Data[confidence.SourceAnomaly] = errorEntry(detErr)
	default:
		snap.Detection = det
		snap.AnomalousFeatures = AnomalousFeatures(det)
		snap.Data[confidence.SourceAnomaly] = anomalyEntry(det, snap.AnomalousFeatures)
	}

	switch {
	case c.forecast == nil:
		snap.Data[confidence.SourceForecast] = map[string]interface{}{"error": "forecasting is not configured"}
	case fcErr != nil:
		c.logger.Warn("forecast failed", zap.Int("branch_id", branchID), zap.Error(fcErr))
		snap.Data[confidence.SourceForecast] = errorEntry(fcErr)
	default:
		snap.Forecast = fc
		snap.Data[confidence.SourceForecast] = forecastEntry(fc)
	}

	history, err := c.metrics.ListDailyMetrics(ctx, branchID, day.AddDate(0, 0, -c.cfg.HistoryDays), day.AddDate(0, 0, -1))
	if err != nil {
		snap.Data[confidence.SourceHistorical] = errorEntry(err)
	} else {
		snap.Data[confidence.SourceHistorical] = map[string]interface{}{
			"days":       len(history),
			"comparison": historical.ComparisonSummary(m, history, historical.DefaultFeatures),
		}
	}

	for _, r := range services {
		if r.OK() {
			snap.Data[r.Name] = r.Data
		} else if r.Err != nil {
			snap.Data[r.Name] = errorEntry(r.Err)
		}
	}
	return snap, nil
}

// AnomalousFeatures lists the features behind a detection: the features the
// historical comparison flagged and, for an anomalous day, the explanations
// with |z| of at least 2.
func AnomalousFeatures(d *anomaly.Detection) []string {
	if d == nil {
		return nil
	}
	seen := map[string]bool{}
	if d.Historical != nil {
		for _, a := range d.Historical.Anomalies {
			seen[a.Feature] = true
		}
	}
	if d.IsAnomaly {
		expl := d.Explanations
		if d.Ensemble != nil && d.Ensemble.IsAnomaly && len(d.Ensemble.Explanations) > 0 {
			expl = append(append([]historical.Explanation(nil), expl...), d.Ensemble.Explanations...)
		}
		for _, x := range expl {
			if math.Abs(x.ZScore) >= 2 {
				seen[x.Feature] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func anomalyEntry(d *anomaly.Detection, feats []string) map[string]interface{} {
	expl := make([]map[string]interface{}, 0, len(d.Explanations))
	for _, x := range d.Explanations {
		expl = append(expl, map[string]interface{}{
			"feature":       x.Feature,
			"value":         x.Value,
			"baseline_mean": stats.Round(x.BaselineMean, 2),
			"z_score":       stats.Round(x.ZScore, 2),
			"deviation_pct": stats.Round(x.DeviationPct, 2),
			"direction":     x.Direction,
		})
	}
	out := map[string]interface{}{
		"is_anomaly":         d.IsAnomaly,
		"anomaly_score":      d.Score,
		"confidence":         d.Confidence,
		"severity":           d.Severity,
		"anomalous_features": feats,
		"explanations":       expl,
	}
	if d.ResultID != 0 {
		out["result_id"] = d.ResultID
	}
	return out
}

// ForecastConfidence derives a confidence from the model's holdout
// evaluation: 1 − MAPE/100, else the interval coverage.
func ForecastConfidence(ev map[string]float64) (float64, bool) {
	if mape, ok := ev["mape"]; ok && !math.IsNaN(mape) {
		return stats.Clamp(1-mape/100, 0, 1), true
	}
	if cov, ok := ev["coverage"]; ok && !math.IsNaN(cov) {
		return stats.Clamp(cov, 0, 1), true
	}
	return 0, false
}

func forecastEntry(f *forecast.Forecast) map[string]interface{} {
	points := make([]map[string]interface{}, 0, len(f.Points))
	for _, p := range f.Points {
		points = append(points, map[string]interface{}{
			"date":  p.Date,
			"yhat":  stats.Round(p.Yhat, 2),
			"lower": stats.Round(p.Lower, 2),
			"upper": stats.Round(p.Upper, 2),
		})
	}
	out := map[string]interface{}{
		"target_metric": f.Target,
		"start_date":    f.StartDate,
		"end_date":      f.EndDate,
		"points":        points,
	}
	if c, ok := ForecastConfidence(f.Evaluation); ok {
		out["confidence"] = stats.Round(c, 4)
	}
	return out
}
