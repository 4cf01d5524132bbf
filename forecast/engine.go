package forecast

import (
	"context"
	"time"

	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/events"
	"branchanalytics/ml/prophet"
	"branchanalytics/models"
	"branchanalytics/registry"
	"branchanalytics/stats"
	"branchanalytics/store"
	"branchanalytics/tuning"
)

// Config holds the engine defaults.
type Config struct {
	TrainingDays int
	MinRows      int
	HorizonDays  int
	TestDays     int
	Trials       int
	MinCoverage  float64
}

func DefaultConfig() Config {
	return Config{
		TrainingDays: 365,
		MinRows:      30,
		HorizonDays:  7,
		TestDays:     30,
		Trials:       20,
		MinCoverage:  0.8,
	}
}

type Engine struct {
	metrics   store.MetricsStore
	forecasts store.ForecastStore
	registry  *registry.Registry
	events    events.Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// New wires the engine. pub may be nil.
func New(ms store.MetricsStore, fs store.ForecastStore, reg *registry.Registry, pub events.Publisher, cfg Config, logger *zap.Logger) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	def := DefaultConfig()
	if cfg.TrainingDays <= 0 {
		cfg.TrainingDays = def.TrainingDays
	}
	if cfg.MinRows <= 0 {
		cfg.MinRows = def.MinRows
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = def.HorizonDays
	}
	if cfg.TestDays <= 0 {
		cfg.TestDays = def.TestDays
	}
	if cfg.Trials <= 0 {
		cfg.Trials = def.Trials
	}
	if cfg.MinCoverage <= 0 {
		cfg.MinCoverage = def.MinCoverage
	}
	return &Engine{
		metrics:   ms,
		forecasts: fs,
		registry:  reg,
		events:    pub,
		cfg:       cfg,
		logger:    logger.Named("forecast"),
		now:       time.Now,
	}
}

func (e *Engine) endOr(d time.Time) time.Time {
	if d.IsZero() {
		d = e.now().AddDate(0, 0, -1)
	}
	return models.DateOnly(d)
}

// series loads the window ending at end and prepares target.
func (e *Engine) series(ctx context.Context, branchID int, target string, end time.Time, days int, candidates []string, minRows int) (*Series, error) {
	if days <= 0 {
		days = e.cfg.TrainingDays
	}
	start := end.AddDate(0, 0, -(days - 1))
	rows, err := e.metrics.ListDailyMetrics(ctx, branchID, start, end)
	if err != nil {
		return nil, err
	}
	return Prepare(rows, target, candidates, minRows)
}

func checkRequest(target, algo string) (string, error) {
	if !ValidTarget(target) {
		return "", errs.Input("unsupported target metric %q", target)
	}
	a, err := registry.NormaliseAlgorithm(algo)
	if err != nil {
		return "", errs.Input("%v", err)
	}
	return a, nil
}

// TrainOptions selects the model to train.
type TrainOptions struct {
	BranchID  int
	Target    string
	Algorithm string
	EndDate   time.Time
	Days      int
	Params    map[string]interface{}
	Version   string
	CreatedBy string
	Tuning    map[string]interface{}
}

// TrainResult is the registered model with its holdout evaluation.
type TrainResult struct {
	Model       *models.MLModel    `json:"model"`
	Algorithm   string             `json:"algorithm"`
	Target      string             `json:"target_metric"`
	Samples     int                `json:"training_samples"`
	Regressors  []string           `json:"regressors"`
	FeatureCols []string           `json:"feature_cols,omitempty"`
	Evaluation  map[string]float64 `json:"evaluation_metrics,omitempty"`
}

func (e *Engine) fitBundle(s *Series, algo string, params map[string]interface{}) (*registry.ForecastBundle, error) {
	if algo == registry.AlgoProphet {
		return TrainProphet(s, DefaultRegressors(s.Target), ProphetParams(params))
	}
	return TrainTrees(s, algo, TreeParams(algo, params), TreeOptionsFrom(params))
}

// holdout predicts test from train the way a backtest does: Prophet is
// refitted on train with the regressors b was actually fitted with; trees
// reuse b and read their lags from train.
func holdout(b *registry.ForecastBundle, train, test *Series) ([]Point, error) {
	if b.Algorithm != registry.AlgoProphet {
		return PredictTrees(b, train, test.DS)
	}
	m, err := prophet.Fit(prophet.Frame{DS: train.DS, Y: train.Y, Regressors: train.Regressors}, b.Prophet.ExtraRegressors(), b.Prophet.Params)
	if err != nil {
		return nil, errs.Input("%v", err)
	}
	tmp := &registry.ForecastBundle{Algorithm: registry.AlgoProphet, Target: b.Target, Prophet: m}
	return PredictProphet(tmp, test.DS, test.actuals())
}

// actuals exposes the regressor columns of the series by date.
func (s *Series) actuals() Actuals {
	out := make(Actuals, s.Len())
	for i, d := range s.DS {
		row := make(map[string]float64, len(s.Regressors))
		for k, col := range s.Regressors {
			row[k] = col[i]
		}
		out[d.Format(models.DateLayout)] = row
	}
	return out
}

// evaluate scores b on the trailing rows of s. It returns nil when the
// remaining train partition is too short.
func (e *Engine) evaluate(b *registry.ForecastBundle, s *Series) *Metrics {
	k := e.cfg.TestDays
	if q := s.Len() / 4; q < k {
		k = q
	}
	if k < 1 || s.Len()-k < e.cfg.MinRows {
		return nil
	}
	train, test := s.Split(k)
	pts, err := holdout(b, train, test)
	if err != nil {
		e.logger.Warn("holdout evaluation failed", zap.String("target", s.Target), zap.Error(err))
		return nil
	}
	m := Evaluate(test.Y, pts)
	return &m
}

// Train fits, evaluates and registers a forecast model, deactivating earlier
// versions of the same name.
func (e *Engine) Train(ctx context.Context, opts TrainOptions) (*TrainResult, error) {
	algo, err := checkRequest(opts.Target, opts.Algorithm)
	if err != nil {
		return nil, err
	}
	end := e.endOr(opts.EndDate)
	s, err := e.series(ctx, opts.BranchID, opts.Target, end, opts.Days, DefaultRegressors(opts.Target), e.cfg.MinRows)
	if err != nil {
		return nil, err
	}
	b, err := e.fitBundle(s, algo, opts.Params)
	if err != nil {
		return nil, err
	}
	return e.register(ctx, opts.BranchID, registry.ForecastModelName(algo, opts.Target, opts.BranchID), b, s, opts.Version, opts.CreatedBy, opts.Tuning)
}

func (e *Engine) register(ctx context.Context, branchID int, name string, b *registry.ForecastBundle, s *Series, version, createdBy string, tuningInfo map[string]interface{}) (*TrainResult, error) {
	metrics := map[string]interface{}{}
	if ev := e.evaluate(b, s); ev != nil {
		b.Metadata.EvaluationMetrics = ev.Map()
		for k, v := range b.Metadata.EvaluationMetrics {
			metrics[k] = v
		}
	}
	hp := make(map[string]interface{}, len(b.Metadata.Hyperparameters)+1)
	for k, v := range b.Metadata.Hyperparameters {
		hp[k] = v
	}
	if tuningInfo != nil {
		hp["tuning"] = tuningInfo
	}
	if b.Metadata.Variant != "" {
		hp["variant"] = b.Metadata.Variant
	}
	data, err := registry.EncodeForecast(b)
	if err != nil {
		return nil, errs.Internal("encode forecast bundle", err)
	}
	featureList := b.Metadata.FeatureCols
	if b.Algorithm == registry.AlgoProphet {
		featureList = b.Metadata.Regressors
	}
	m, err := e.registry.Register(ctx, registry.Registration{
		Name:            name,
		Version:         version,
		Type:            registry.ModelType(b.Algorithm),
		Bundle:          data,
		Hyperparameters: hp,
		FeatureList:     featureList,
		TrainingStart:   s.DS[0],
		TrainingEnd:     s.DS[s.Len()-1],
		TrainingSamples: s.Len(),
		Metrics:         metrics,
		Activate:        true,
		CreatedBy:       createdBy,
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.Event{
		Type:     events.TypeModelTrained,
		BranchID: branchID,
		Payload: map[string]interface{}{
			"model_id":      m.ID,
			"model_name":    m.ModelName,
			"model_version": m.ModelVersion,
			"target_metric": b.Target,
		},
	})
	e.logger.Info("forecast model trained",
		zap.Int("branch_id", branchID),
		zap.String("model_name", name),
		zap.Int("samples", s.Len()),
		zap.Any("evaluation", b.Metadata.EvaluationMetrics))
	return &TrainResult{
		Model:       m,
		Algorithm:   b.Algorithm,
		Target:      b.Target,
		Samples:     s.Len(),
		Regressors:  b.Metadata.Regressors,
		FeatureCols: b.Metadata.FeatureCols,
		Evaluation:  b.Metadata.EvaluationMetrics,
	}, nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish event failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

// loaded is a resolved forecast model with its bundle.
type loaded struct {
	res    *registry.Resolution
	bundle *registry.ForecastBundle
}

func (e *Engine) load(ctx context.Context, branchID int, target, algo string) (*loaded, error) {
	res, err := e.registry.Resolve(ctx, registry.ForecastCandidates(algo, target, branchID))
	if err != nil {
		return nil, err
	}
	b, err := e.registry.LoadForecast(ctx, res.Model)
	if err != nil {
		return nil, err
	}
	if b.Target != target {
		return nil, errs.Input("model %s forecasts %s, not %s", res.Model.ModelName, b.Target, target)
	}
	return &loaded{res: res, bundle: b}, nil
}

// ForecastOptions selects the forecast window [Date+1, Date+Days].
type ForecastOptions struct {
	BranchID  int
	Target    string
	Algorithm string
	Date      time.Time
	Days      int
	Persist   bool
}

// Forecast is a forecast with the model that produced it.
type Forecast struct {
	BranchID     int                `json:"branch_id"`
	Target       string             `json:"target_metric"`
	Algorithm    string             `json:"algorithm"`
	ModelID      int64              `json:"model_id"`
	ModelName    string             `json:"model_name"`
	ModelVersion string             `json:"model_version"`
	ForecastDate string             `json:"forecast_date"`
	StartDate    string             `json:"forecast_start_date"`
	EndDate      string             `json:"forecast_end_date"`
	Points       []Point            `json:"forecast"`
	Evaluation   map[string]float64 `json:"evaluation_metrics,omitempty"`
	ResultID     int64              `json:"forecast_id,omitempty"`
	Warning      string             `json:"warning,omitempty"`
}

// Predict forecasts the days after opts.Date with the active model.
func (e *Engine) Predict(ctx context.Context, opts ForecastOptions) (*Forecast, error) {
	algo, err := checkRequest(opts.Target, opts.Algorithm)
	if err != nil {
		return nil, err
	}
	days := opts.Days
	if days <= 0 {
		days = e.cfg.HorizonDays
	}
	if days > 365 {
		return nil, errs.Input("forecast_days must be at most 365, got %d", days)
	}
	ref := e.endOr(opts.Date)
	l, err := e.load(ctx, opts.BranchID, opts.Target, algo)
	if err != nil {
		return nil, err
	}
	dates := Dates(ref.AddDate(0, 0, 1), days)

	var history *Series
	var actuals Actuals
	if l.bundle.Algorithm == registry.AlgoProphet {
		rows, err := e.metrics.ListDailyMetrics(ctx, opts.BranchID, dates[0], dates[len(dates)-1])
		if err != nil {
			return nil, err
		}
		actuals = ActualsFrom(rows, l.bundle.Prophet.ExtraRegressors())
	} else {
		history, err = e.series(ctx, opts.BranchID, opts.Target, ref, e.cfg.TrainingDays, nil, 1)
		if err != nil {
			return nil, err
		}
	}
	pts, err := Predict(l.bundle, history, dates, actuals)
	if err != nil {
		return nil, err
	}

	out := &Forecast{
		BranchID:     opts.BranchID,
		Target:       opts.Target,
		Algorithm:    l.bundle.Algorithm,
		ModelID:      l.res.Model.ID,
		ModelName:    l.res.Model.ModelName,
		ModelVersion: l.res.Model.ModelVersion,
		ForecastDate: ref.Format(models.DateLayout),
		StartDate:    pts[0].Date,
		EndDate:      pts[len(pts)-1].Date,
		Points:       pts,
		Evaluation:   l.bundle.Metadata.EvaluationMetrics,
		Warning:      l.res.Warning,
	}
	if opts.Persist {
		id, err := e.forecasts.SaveForecast(ctx, e.result(out, l.res.Model, ref, dates))
		if err != nil {
			return nil, err
		}
		out.ResultID = id
	}
	e.logger.Info("forecast produced",
		zap.Int("branch_id", opts.BranchID),
		zap.String("target", opts.Target),
		zap.String("model_name", out.ModelName),
		zap.Int("days", days))
	return out, nil
}

func (e *Engine) result(f *Forecast, m *models.MLModel, ref time.Time, dates []time.Time) *models.ForecastResult {
	r := &models.ForecastResult{
		BranchID:            f.BranchID,
		ForecastDate:        ref,
		ForecastStartDate:   dates[0],
		ForecastEndDate:     dates[len(dates)-1],
		ModelID:             m.ID,
		TargetMetric:        f.Target,
		Algorithm:           f.Algorithm,
		ForecastValues:      make(map[string]float64, len(f.Points)),
		ConfidenceIntervals: make(map[string]models.Interval, len(f.Points)),
		MAE:                 metricPtr(m.PerformanceMetrics, "mae"),
		MSE:                 metricPtr(m.PerformanceMetrics, "mse"),
		RMSE:                metricPtr(m.PerformanceMetrics, "rmse"),
		MAPE:                metricPtr(m.PerformanceMetrics, "mape"),
		TrainingStartDate:   m.TrainingStartDate,
		TrainingEndDate:     m.TrainingEndDate,
		TrainingSamples:     m.TrainingSamples,
		HorizonDays:         len(dates),
		CreatedAt:           e.now(),
	}
	for _, p := range f.Points {
		r.ForecastValues[p.Date] = stats.Round(p.Yhat, 2)
		r.ConfidenceIntervals[p.Date] = models.Interval{Lower: stats.Round(p.Lower, 2), Upper: stats.Round(p.Upper, 2)}
	}
	return r
}

func metricPtr(m models.JSONB, key string) *float64 {
	if _, ok := m[key]; !ok {
		return nil
	}
	v := tuning.Float(m, key, 0)
	return &v
}
