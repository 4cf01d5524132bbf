package forecast

import (
	"context"
	"time"

	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/models"
	"branchanalytics/registry"
	"branchanalytics/stats"
	"branchanalytics/tuning"
)

// BacktestOptions selects the model and the trailing test window.
type BacktestOptions struct {
	BranchID    int
	Target      string
	Algorithm   string
	EndDate     time.Time
	Days        int
	TestDays    int
	MinCoverage *float64
}

// BacktestPoint is one test day.
type BacktestPoint struct {
	Date   string  `json:"date"`
	Actual float64 `json:"actual"`
	Yhat   float64 `json:"yhat"`
	Lower  float64 `json:"yhat_lower"`
	Upper  float64 `json:"yhat_upper"`
}

// BacktestResult reports the holdout accuracy of the active model. When a
// coverage gate widened the intervals, Metrics describe the widened ones and
// CoverageBefore the original coverage.
type BacktestResult struct {
	BranchID       int             `json:"branch_id"`
	Target         string          `json:"target_metric"`
	Algorithm      string          `json:"algorithm"`
	ModelID        int64           `json:"model_id"`
	ModelName      string          `json:"model_name"`
	ModelVersion   string          `json:"model_version"`
	Regressors     []string        `json:"regressors"`
	TrainStart     string          `json:"train_start"`
	TrainEnd       string          `json:"train_end"`
	TestStart      string          `json:"test_start"`
	TestEnd        string          `json:"test_end"`
	TrainSamples   int             `json:"train_samples"`
	TestSamples    int             `json:"test_samples"`
	Metrics        Metrics         `json:"metrics"`
	MinCoverage    *float64        `json:"min_coverage,omitempty"`
	CoverageBefore float64         `json:"coverage_before"`
	WidenFactor    float64         `json:"interval_widen_factor"`
	Points         []BacktestPoint `json:"points"`
	Warning        string          `json:"warning,omitempty"`
}

// Backtest evaluates the active model on the last TestDays rows. Prophet is
// refitted on the rows before them with the saved hyperparameters and the
// regressors the active model was fitted with. Tree models are used as
// stored, reading their lags from the rows before the window.
func (e *Engine) Backtest(ctx context.Context, opts BacktestOptions) (*BacktestResult, error) {
	algo, err := checkRequest(opts.Target, opts.Algorithm)
	if err != nil {
		return nil, err
	}
	testDays := opts.TestDays
	if testDays <= 0 {
		testDays = e.cfg.TestDays
	}
	if g := opts.MinCoverage; g != nil && (*g <= 0 || *g > 1) {
		return nil, errs.Input("min_coverage must be in (0, 1], got %v", *g)
	}
	l, err := e.load(ctx, opts.BranchID, opts.Target, algo)
	if err != nil {
		return nil, err
	}
	var regs []string
	if l.bundle.Prophet != nil {
		regs = l.bundle.Prophet.ExtraRegressors()
	}
	end := e.endOr(opts.EndDate)
	s, err := e.series(ctx, opts.BranchID, opts.Target, end, opts.Days, regs, testDays+e.cfg.MinRows)
	if err != nil {
		return nil, err
	}
	train, test := s.Split(testDays)
	pts, err := holdout(l.bundle, train, test)
	if err != nil {
		return nil, err
	}

	m := Evaluate(test.Y, pts)
	res := &BacktestResult{
		BranchID:       opts.BranchID,
		Target:         opts.Target,
		Algorithm:      l.bundle.Algorithm,
		ModelID:        l.res.Model.ID,
		ModelName:      l.res.Model.ModelName,
		ModelVersion:   l.res.Model.ModelVersion,
		Regressors:     regs,
		TrainStart:     train.DS[0].Format(models.DateLayout),
		TrainEnd:       train.DS[train.Len()-1].Format(models.DateLayout),
		TestStart:      test.DS[0].Format(models.DateLayout),
		TestEnd:        test.DS[test.Len()-1].Format(models.DateLayout),
		TrainSamples:   train.Len(),
		TestSamples:    test.Len(),
		MinCoverage:    opts.MinCoverage,
		CoverageBefore: m.Coverage,
		WidenFactor:    1,
		Warning:        l.res.Warning,
	}
	if g := opts.MinCoverage; g != nil && m.Coverage < *g {
		pts, res.WidenFactor = WidenToCoverage(test.Y, pts, *g)
		m = Evaluate(test.Y, pts)
	}
	res.Metrics = m
	for i, p := range pts {
		res.Points = append(res.Points, BacktestPoint{
			Date:   p.Date,
			Actual: test.Y[i],
			Yhat:   stats.Round(p.Yhat, 2),
			Lower:  stats.Round(p.Lower, 2),
			Upper:  stats.Round(p.Upper, 2),
		})
	}
	e.logger.Info("forecast backtest finished",
		zap.Int("branch_id", opts.BranchID),
		zap.String("model_name", res.ModelName),
		zap.Float64("mape", m.MAPE),
		zap.Float64("coverage", m.Coverage))
	return res, nil
}

// Search spaces of the forecast tuners.
var (
	ProphetSpace = []tuning.Param{
		{Name: "changepoint_prior_scale", Kind: tuning.KindLogFloat, Low: 0.001, High: 0.5},
		{Name: "seasonality_prior_scale", Kind: tuning.KindLogFloat, Low: 0.01, High: 10},
		{Name: "seasonality_mode", Kind: tuning.KindCategorical, Choices: []interface{}{"additive", "multiplicative"}},
		{Name: "n_changepoints", Kind: tuning.KindInt, Low: 5, High: 30},
	}
	TreeSpace = []tuning.Param{
		{Name: "n_estimators", Kind: tuning.KindInt, Low: 50, High: 300},
		{Name: "learning_rate", Kind: tuning.KindLogFloat, Low: 0.01, High: 0.3},
		{Name: "max_depth", Kind: tuning.KindInt, Low: 3, High: 8},
		{Name: "num_leaves", Kind: tuning.KindInt, Low: 8, High: 64},
		{Name: "min_child_samples", Kind: tuning.KindInt, Low: 5, High: 30},
		{Name: "subsample", Kind: tuning.KindFloat, Low: 0.6, High: 1},
		{Name: "colsample_bytree", Kind: tuning.KindFloat, Low: 0.6, High: 1},
	}
)

// TuneOptions configures a tuning run.
type TuneOptions struct {
	BranchID  int
	Target    string
	Algorithm string
	EndDate   time.Time
	Days      int
	TestDays  int
	Trials    int
	Seed      int64
	CreatedBy string
}

// TuneResult is the study summary and the model trained with the winner.
type TuneResult struct {
	Study tuning.Summary `json:"study"`
	Train *TrainResult   `json:"train"`
}

// Tune minimises holdout MAE over the search space of the algorithm, then
// trains and registers a model with the best parameters.
func (e *Engine) Tune(ctx context.Context, opts TuneOptions) (*TuneResult, error) {
	algo, err := checkRequest(opts.Target, opts.Algorithm)
	if err != nil {
		return nil, err
	}
	end := e.endOr(opts.EndDate)
	s, err := e.series(ctx, opts.BranchID, opts.Target, end, opts.Days, DefaultRegressors(opts.Target), e.cfg.MinRows)
	if err != nil {
		return nil, err
	}
	k := opts.TestDays
	if k <= 0 {
		k = e.cfg.TestDays
	}
	if q := s.Len() / 4; q < k {
		k = q
	}
	if k < 1 {
		return nil, errs.InsufficientData("usable rows for a tuning holdout", s.Len(), 4)
	}
	train, test := s.Split(k)
	trials := opts.Trials
	if trials <= 0 {
		trials = e.cfg.Trials
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 42
	}
	space := TreeSpace
	if algo == registry.AlgoProphet {
		space = ProphetSpace
	}

	study := tuning.NewStudy(space, tuning.Minimize, seed)
	_, err = study.Optimize(ctx, func(_ context.Context, values map[string]interface{}) (float64, error) {
		b, err := e.fitBundle(train, algo, values)
		if err != nil {
			return 0, err
		}
		pts, err := Predict(b, train, test.DS, test.actuals())
		if err != nil {
			return 0, err
		}
		return Evaluate(test.Y, pts).MAE, nil
	}, trials)
	if err != nil {
		return nil, errs.Internal("forecast tuning", err)
	}
	summary := study.Summarise()

	b, err := e.fitBundle(s, algo, summary.BestParams)
	if err != nil {
		return nil, err
	}
	tr, err := e.register(ctx, opts.BranchID, registry.ForecastModelName(algo, opts.Target, opts.BranchID), b, s, "", opts.CreatedBy, map[string]interface{}{
		"best_value": summary.BestValue,
		"n_trials":   summary.NTrials,
		"completed":  summary.NCompleted,
		"objective":  "mae",
	})
	if err != nil {
		return nil, err
	}
	return &TuneResult{Study: summary, Train: tr}, nil
}
