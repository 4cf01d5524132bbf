// Package anomaly trains and applies the per-branch isolation-forest models,
// the feature-group ensemble and their backtests.
package anomaly

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/events"
	"branchanalytics/features"
	"branchanalytics/historical"
	"branchanalytics/ml/iforest"
	"branchanalytics/ml/scaler"
	"branchanalytics/models"
	"branchanalytics/registry"
	"branchanalytics/stats"
	"branchanalytics/store"
)

// Config holds the engine defaults.
type Config struct {
	TrainingDays  int
	MinSamples    int
	Contamination float64
	Estimators    int
	Workers       int
	Lookback      int
	ExplainTopK   int
}

func DefaultConfig() Config {
	return Config{
		TrainingDays:  180,
		MinSamples:    30,
		Contamination: 0.1,
		Estimators:    100,
		Workers:       4,
		Lookback:      90,
		ExplainTopK:   5,
	}
}

type Engine struct {
	metrics    store.MetricsStore
	anomalies  store.AnomalyStore
	registry   *registry.Registry
	comparator *historical.Comparator
	events     events.Publisher
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// New wires the engine. pub may be nil.
func New(ms store.MetricsStore, as store.AnomalyStore, reg *registry.Registry, cmp *historical.Comparator, pub events.Publisher, cfg Config, logger *zap.Logger) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	def := DefaultConfig()
	if cfg.TrainingDays <= 0 {
		cfg.TrainingDays = def.TrainingDays
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.Contamination <= 0 {
		cfg.Contamination = def.Contamination
	}
	if cfg.Estimators <= 0 {
		cfg.Estimators = def.Estimators
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.ExplainTopK <= 0 {
		cfg.ExplainTopK = def.ExplainTopK
	}
	return &Engine{
		metrics:    ms,
		anomalies:  as,
		registry:   reg,
		comparator: cmp,
		events:     pub,
		cfg:        cfg,
		logger:     logger.Named("anomaly"),
		now:        time.Now,
	}
}

func (e *Engine) defaultParams() iforest.Params {
	p := iforest.DefaultParams()
	p.NEstimators = e.cfg.Estimators
	p.Contamination = e.cfg.Contamination
	return p
}

// TrainOptions selects the training window and model parameters.
type TrainOptions struct {
	BranchID  int
	EndDate   time.Time
	Days      int
	Features  []string
	Params    *iforest.Params
	Version   string
	CreatedBy string
	Tuning    map[string]interface{}
}

// TrainResult is the registered model with its training summary.
type TrainResult struct {
	Model      *models.MLModel        `json:"model"`
	Samples    int                    `json:"training_samples"`
	ScoreStats registry.ScoreStats    `json:"score_stats"`
	Metrics    map[string]interface{} `json:"metrics"`
	NullCounts map[string]int         `json:"null_counts"`
}

// fitted is an in-memory bundle with the training outputs.
type fitted struct {
	bundle *registry.IForestBundle
	matrix features.Matrix
	scaled [][]float64
	scores []float64
	preds  []int
}

func fit(rows []models.DailyBranchMetrics, set features.Set, p iforest.Params) (*fitted, error) {
	mx, err := features.Build(rows, set)
	if err != nil {
		return nil, errs.Input("%v", err)
	}
	sc, err := scaler.Fit(mx.Rows)
	if err != nil {
		return nil, errs.Internal("fit scaler", err)
	}
	scaled, err := sc.Transform(mx.Rows)
	if err != nil {
		return nil, errs.Internal("scale training rows", err)
	}
	forest, err := iforest.Fit(scaled, p)
	if err != nil {
		return nil, errs.Input("%v", err)
	}
	scores := forest.ScoreSamples(scaled)
	return &fitted{
		bundle: &registry.IForestBundle{
			SchemaVersion: registry.BundleSchemaVersion,
			Model:         forest,
			Scaler:        sc,
			Features:      set.Names(),
			ScoreStats:    NewScoreStats(scores, p.Contamination),
		},
		matrix: mx,
		scaled: scaled,
		scores: scores,
		preds:  forest.Predict(scaled),
	}, nil
}

func (e *Engine) trainingRows(ctx context.Context, branchID int, end time.Time, days int) ([]models.DailyBranchMetrics, time.Time, error) {
	if days <= 0 {
		days = e.cfg.TrainingDays
	}
	end = models.DateOnly(end)
	start := end.AddDate(0, 0, -(days - 1))
	rows, err := e.metrics.ListDailyMetrics(ctx, branchID, start, end)
	if err != nil {
		return nil, start, err
	}
	if len(rows) < e.cfg.MinSamples {
		return nil, start, errs.InsufficientData("training samples", len(rows), e.cfg.MinSamples)
	}
	return rows, start, nil
}

// Train fits and registers the branch anomaly model, deactivating earlier
// versions.
func (e *Engine) Train(ctx context.Context, opts TrainOptions) (*TrainResult, error) {
	end := opts.EndDate
	if end.IsZero() {
		end = e.now().AddDate(0, 0, -1)
	}
	rows, start, err := e.trainingRows(ctx, opts.BranchID, end, opts.Days)
	if err != nil {
		return nil, err
	}
	names := opts.Features
	if len(names) == 0 {
		names = DefaultFeatures
	}
	set, err := features.NewSet(names)
	if err != nil {
		return nil, errs.Input("%v", err)
	}
	p := e.defaultParams()
	if opts.Params != nil {
		p = *opts.Params
	}

	f, err := fit(rows, set, p)
	if err != nil {
		return nil, err
	}
	metrics := trainingMetrics(f.scores, f.preds, p.Contamination)
	data, err := registry.EncodeIForest(f.bundle)
	if err != nil {
		return nil, errs.Internal("encode anomaly bundle", err)
	}

	hp := paramsMap(p)
	if opts.Tuning != nil {
		hp["tuning"] = opts.Tuning
	}
	m, err := e.registry.Register(ctx, registry.Registration{
		Name:            registry.AnomalyModelName(opts.BranchID),
		Version:         opts.Version,
		Type:            models.ModelTypeIsolationForest,
		Bundle:          data,
		Hyperparameters: hp,
		FeatureList:     set.Names(),
		TrainingStart:   start,
		TrainingEnd:     models.DateOnly(end),
		TrainingSamples: len(rows),
		Metrics:         metrics,
		Activate:        true,
		CreatedBy:       opts.CreatedBy,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("anomaly model trained",
		zap.Int("branch_id", opts.BranchID),
		zap.Int("samples", len(rows)),
		zap.Float64("anomaly_rate", metrics["anomaly_rate"].(float64)))
	return &TrainResult{Model: m, Samples: len(rows), ScoreStats: f.bundle.ScoreStats, Metrics: metrics, NullCounts: f.matrix.NullCounts}, nil
}

func paramsMap(p iforest.Params) map[string]interface{} {
	return map[string]interface{}{
		"n_estimators":  p.NEstimators,
		"contamination": p.Contamination,
		"max_samples":   p.MaxSamples,
		"max_features":  p.MaxFeatures,
		"bootstrap":     p.Bootstrap,
		"random_state":  p.Seed,
	}
}

// trainingMetrics describes the fitted classes. The classification metrics
// use the lowest contamination fraction of the model's own scores as labels
// and are flagged as pseudo metrics.
func trainingMetrics(scores []float64, preds []int, contamination float64) map[string]interface{} {
	var normal, anomalous []float64
	for i, s := range scores {
		if preds[i] == -1 {
			anomalous = append(anomalous, s)
		} else {
			normal = append(normal, s)
		}
	}
	nm, ns := stats.MeanStd(normal)
	am, as := stats.MeanStd(anomalous)

	cut := stats.Percentile(scores, 100*contamination)
	var tp, fp, tn, fn int
	for i, s := range scores {
		truth := s <= cut
		pred := preds[i] == -1
		switch {
		case truth && pred:
			tp++
		case !truth && pred:
			fp++
		case truth && !pred:
			fn++
		default:
			tn++
		}
	}
	precision, recall, f1 := prf(tp, fp, fn)

	rate := 0.0
	if len(scores) > 0 {
		rate = float64(len(anomalous)) / float64(len(scores))
	}
	return map[string]interface{}{
		"anomaly_rate":       stats.Round(rate, 4),
		"n_anomalies":        len(anomalous),
		"normal_score_mean":  stats.Round(nm, 6),
		"normal_score_std":   stats.Round(ns, 6),
		"anomaly_score_mean": stats.Round(am, 6),
		"anomaly_score_std":  stats.Round(as, 6),
		"pseudo_labels":      true,
		"label_source":       "lowest_contamination_fraction_of_training_scores",
		"precision":          stats.Round(precision, 4),
		"recall":             stats.Round(recall, 4),
		"f1_score":           stats.Round(f1, 4),
		"confusion_matrix":   map[string]int{"tp": tp, "fp": fp, "tn": tn, "fn": fn},
	}
}

func prf(tp, fp, fn int) (precision, recall, f1 float64) {
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return
}

// Prediction is the scored verdict of one model on one day.
type Prediction struct {
	BranchID     int                `json:"branch_id"`
	Date         string             `json:"date"`
	ModelID      int64              `json:"model_id,omitempty"`
	ModelName    string             `json:"model_name,omitempty"`
	ModelVersion string             `json:"model_version,omitempty"`
	IsAnomaly    bool               `json:"is_anomaly"`
	Score        float64            `json:"anomaly_score"`
	RawScore     float64            `json:"raw_score"`
	Confidence   float64            `json:"confidence"`
	Tier         string             `json:"normalisation"`
	Detail       ConfidenceDetail   `json:"confidence_detail"`
	Missing      []string           `json:"missing_features,omitempty"`
	Values       map[string]float64 `json:"feature_values"`
	Warning      string             `json:"warning,omitempty"`
}

// Score applies a bundle to one metrics row. Unknown feature names are an
// input error; null values are scored as 0 and reported as missing.
func Score(b *registry.IForestBundle, m *models.DailyBranchMetrics) (*Prediction, error) {
	set, err := features.NewSet(b.Features)
	if err != nil {
		return nil, errs.Internal("bundle feature list", err)
	}
	row, missing, err := features.Vector(m, set)
	if err != nil {
		var unknown features.ErrUnknownFeature
		if errors.As(err, &unknown) {
			return nil, errs.Input("%v", err)
		}
		return nil, err
	}
	scaled, err := b.Scaler.TransformRow(row)
	if err != nil {
		return nil, errs.Internal("scale row", err)
	}
	raw := b.Model.ScoreSamples([][]float64{scaled})[0]
	pred := b.Model.Predict([][]float64{scaled})[0]
	score, tier := Normalise(raw, b.ScoreStats)
	detail := Confidence(raw, b.ScoreStats, b.Model.Offset)

	values := make(map[string]float64, len(row))
	for i, n := range b.Features {
		values[n] = row[i]
	}
	return &Prediction{
		BranchID:   m.BranchID,
		Date:       m.ReportDate.Format(models.DateLayout),
		IsAnomaly:  pred == -1,
		Score:      stats.Round(score, 4),
		RawScore:   raw,
		Confidence: detail.Confidence,
		Tier:       tier,
		Detail:     detail,
		Missing:    missing,
		Values:     values,
	}, nil
}

// Predict scores a stored day with the active branch model.
func (e *Engine) Predict(ctx context.Context, branchID int, day time.Time) (*Prediction, error) {
	m, err := e.metrics.GetDailyMetrics(ctx, branchID, models.DateOnly(day))
	if err != nil {
		return nil, err
	}
	res, err := e.registry.Resolve(ctx, registry.AnomalyCandidates(branchID))
	if err != nil {
		return nil, err
	}
	b, err := e.registry.LoadIForest(ctx, res.Model)
	if err != nil {
		return nil, err
	}
	p, err := Score(b, m)
	if err != nil {
		return nil, err
	}
	p.ModelID = res.Model.ID
	p.ModelName = res.Model.ModelName
	p.ModelVersion = res.Model.ModelVersion
	p.Warning = res.Warning
	return p, nil
}

// DetectOptions controls a full detection.
type DetectOptions struct {
	Method   string
	Ensemble bool
	Persist  bool
}

// Detection combines the model verdict, the historical comparison and the
// optional ensemble into one stored anomaly result.
type Detection struct {
	BranchID     int                      `json:"branch_id"`
	Date         string                   `json:"date"`
	IsAnomaly    bool                     `json:"is_anomaly"`
	Score        float64                  `json:"anomaly_score"`
	Confidence   float64                  `json:"confidence"`
	Severity     string                   `json:"severity"`
	Prediction   *Prediction              `json:"model"`
	Historical   *historical.Result       `json:"historical"`
	Adjustment   historical.Adjustment    `json:"confidence_adjustment"`
	Explanations []historical.Explanation `json:"explanations"`
	Ensemble     *EnsembleResult          `json:"ensemble,omitempty"`
	ResultID     int64                    `json:"result_id,omitempty"`
	Warnings     []string                 `json:"warnings,omitempty"`
}

// Detect scores day, compares it with history and, when Persist is set,
// stores the verdict and publishes anomaly.detected for anomalous days.
func (e *Engine) Detect(ctx context.Context, branchID int, day time.Time, opts DetectOptions) (*Detection, error) {
	day = models.DateOnly(day)
	pred, err := e.Predict(ctx, branchID, day)
	if err != nil {
		return nil, err
	}
	method := opts.Method
	if method == "" {
		method = historical.MethodCombined
	}
	hist, err := e.comparator.Compare(ctx, branchID, day, method, nil)
	if err != nil {
		return nil, err
	}
	adj := historical.AdjustConfidence(pred.Confidence, pred.IsAnomaly, hist)
	expl, err := e.comparator.Explain(ctx, branchID, day, e.cfg.Lookback, nil, e.cfg.ExplainTopK)
	if err != nil {
		return nil, err
	}

	d := &Detection{
		BranchID:     branchID,
		Date:         pred.Date,
		IsAnomaly:    pred.IsAnomaly,
		Score:        pred.Score,
		Confidence:   adj.Confidence,
		Prediction:   pred,
		Historical:   hist,
		Adjustment:   adj,
		Explanations: expl,
	}
	if pred.Warning != "" {
		d.Warnings = append(d.Warnings, pred.Warning)
	}

	if opts.Ensemble {
		ens, err := e.DetectEnsemble(ctx, branchID, day)
		switch {
		case err == nil:
			d.Ensemble = ens
			if ens.IsAnomaly {
				d.IsAnomaly = true
				if ens.Score > d.Score {
					d.Score = ens.Score
				}
			}
		case errs.Is(err, errs.KindModelInconsistent):
			d.Warnings = append(d.Warnings, "ensemble skipped: no group model is active")
		default:
			return nil, err
		}
	}
	d.Severity = Severity(d.Score, d.Confidence)

	if opts.Persist {
		if err := e.persist(ctx, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (e *Engine) persist(ctx context.Context, d *Detection) error {
	day, _ := time.Parse(models.DateLayout, d.Date)
	m, err := e.metrics.GetDailyMetrics(ctx, d.BranchID, day)
	if err != nil {
		return err
	}

	affected := make([]interface{}, 0, len(d.Explanations))
	baseline := models.JSONB{}
	actual := models.JSONB{}
	for _, x := range d.Explanations {
		affected = append(affected, map[string]interface{}{
			"feature":       x.Feature,
			"z_score":       x.ZScore,
			"deviation_pct": x.DeviationPct,
			"direction":     x.Direction,
		})
		baseline[x.Feature] = x.BaselineMean
		actual[x.Feature] = x.Value
	}

	r := &models.AnomalyResult{
		MetricID:         m.ID,
		BranchID:         d.BranchID,
		AnalysisDate:     day,
		ModelID:          d.Prediction.ModelID,
		IsAnomaly:        d.IsAnomaly,
		AnomalyScore:     d.Score,
		ConfidenceLevel:  d.Confidence,
		Severity:         d.Severity,
		Status:           models.StatusDetected,
		AffectedFeatures: models.JSONB{"features": affected},
		BaselineValues:   baseline,
		ActualValues:     actual,
		CreatedAt:        e.now(),
	}
	id, err := e.anomalies.SaveAnomaly(ctx, r)
	if err != nil {
		return err
	}
	d.ResultID = id

	if d.IsAnomaly {
		ev := events.Event{
			Type:     events.TypeAnomalyDetected,
			BranchID: d.BranchID,
			Payload: map[string]interface{}{
				"result_id":     id,
				"date":          d.Date,
				"anomaly_score": d.Score,
				"confidence":    d.Confidence,
				"severity":      d.Severity,
			},
		}
		if err := e.events.Publish(ctx, ev); err != nil {
			e.logger.Warn("anomaly event not published", zap.Int64("result_id", id), zap.Error(err))
		}
	}
	return nil
}
