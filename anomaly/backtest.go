package anomaly

import (
	"context"
	"time"

	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/features"
	"branchanalytics/historical"
	"branchanalytics/ml/iforest"
	"branchanalytics/models"
	"branchanalytics/stats"
	"branchanalytics/tuning"
)

// BacktestOptions selects the trailing test window.
type BacktestOptions struct {
	BranchID  int
	EndDate   time.Time
	TestDays  int
	TrainDays int
	Features  []string
	Params    *iforest.Params
	Method    string
}

// BacktestDay is the verdict of the model and the comparator on one day.
type BacktestDay struct {
	Date       string  `json:"date"`
	IsAnomaly  bool    `json:"is_anomaly"`
	Score      float64 `json:"anomaly_score"`
	Confidence float64 `json:"confidence"`
	Historical bool    `json:"historical_anomaly"`
}

// BacktestResult summarises a backtest. Precision and recall treat the
// comparator verdict as the label.
type BacktestResult struct {
	BranchID       int           `json:"branch_id"`
	TrainStart     string        `json:"train_start"`
	TrainEnd       string        `json:"train_end"`
	TestStart      string        `json:"test_start"`
	TestEnd        string        `json:"test_end"`
	TrainSamples   int           `json:"train_samples"`
	TestSamples    int           `json:"test_samples"`
	AnomalyRate    float64       `json:"anomaly_rate"`
	MeanScore      float64       `json:"mean_score"`
	MeanConfidence float64       `json:"mean_confidence"`
	Agreement      float64       `json:"agreement_rate"`
	Precision      float64       `json:"precision"`
	Recall         float64       `json:"recall"`
	F1             float64       `json:"f1_score"`
	Days           []BacktestDay `json:"days"`
}

// Backtest fits a throwaway model on the data before the test window and
// scores every day inside it. Nothing is registered.
func (e *Engine) Backtest(ctx context.Context, opts BacktestOptions) (*BacktestResult, error) {
	testDays := opts.TestDays
	if testDays <= 0 {
		testDays = 30
	}
	trainDays := opts.TrainDays
	if trainDays <= 0 {
		trainDays = e.cfg.TrainingDays
	}
	end := opts.EndDate
	if end.IsZero() {
		end = e.now().AddDate(0, 0, -1)
	}
	end = models.DateOnly(end)
	testStart := end.AddDate(0, 0, -(testDays - 1))
	trainStart := testStart.AddDate(0, 0, -trainDays)

	rows, err := e.metrics.ListDailyMetrics(ctx, opts.BranchID, trainStart, end)
	if err != nil {
		return nil, err
	}
	var train, test []models.DailyBranchMetrics
	for _, r := range rows {
		if models.DateOnly(r.ReportDate).Before(testStart) {
			train = append(train, r)
		} else {
			test = append(test, r)
		}
	}
	if len(train) < e.cfg.MinSamples {
		return nil, errs.InsufficientData("training samples before the test window", len(train), e.cfg.MinSamples)
	}
	if len(test) == 0 {
		return nil, errs.InsufficientData("test samples", 0, 1)
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
	f, err := fit(train, set, p)
	if err != nil {
		return nil, err
	}
	method := opts.Method
	if method == "" {
		method = historical.MethodRolling30
	}

	res := &BacktestResult{
		BranchID:     opts.BranchID,
		TrainStart:   train[0].ReportDate.Format(models.DateLayout),
		TrainEnd:     train[len(train)-1].ReportDate.Format(models.DateLayout),
		TestStart:    testStart.Format(models.DateLayout),
		TestEnd:      end.Format(models.DateLayout),
		TrainSamples: len(train),
		TestSamples:  len(test),
	}
	var scores, confs []float64
	var flagged, agree, tp, fp, fn int
	for i := range test {
		pred, err := Score(f.bundle, &test[i])
		if err != nil {
			return nil, err
		}
		before := rows[:len(train)+i]
		hist, err := historical.Analyze(&test[i], before, method, nil)
		if err != nil {
			return nil, err
		}
		res.Days = append(res.Days, BacktestDay{
			Date:       pred.Date,
			IsAnomaly:  pred.IsAnomaly,
			Score:      pred.Score,
			Confidence: pred.Confidence,
			Historical: hist.IsAnomaly,
		})
		scores = append(scores, pred.Score)
		confs = append(confs, pred.Confidence)
		if pred.IsAnomaly {
			flagged++
		}
		switch {
		case pred.IsAnomaly == hist.IsAnomaly:
			agree++
			if pred.IsAnomaly {
				tp++
			}
		case pred.IsAnomaly:
			fp++
		default:
			fn++
		}
	}
	n := float64(len(test))
	res.AnomalyRate = stats.Round(float64(flagged)/n, 4)
	res.Agreement = stats.Round(float64(agree)/n, 4)
	res.MeanScore = stats.Round(stats.Mean(scores), 4)
	res.MeanConfidence = stats.Round(stats.Mean(confs), 4)
	pr, rc, f1 := prf(tp, fp, fn)
	res.Precision, res.Recall, res.F1 = stats.Round(pr, 4), stats.Round(rc, 4), stats.Round(f1, 4)

	e.logger.Info("anomaly backtest finished",
		zap.Int("branch_id", opts.BranchID),
		zap.Int("test_samples", len(test)),
		zap.Float64("agreement", res.Agreement))
	return res, nil
}

// SearchSpace is the isolation-forest tuning space.
var SearchSpace = []tuning.Param{
	{Name: "n_estimators", Kind: tuning.KindInt, Low: 50, High: 300},
	{Name: "contamination", Kind: tuning.KindFloat, Low: 0.02, High: 0.2},
	{Name: "max_samples", Kind: tuning.KindFloat, Low: 0.5, High: 1.0},
	{Name: "max_features", Kind: tuning.KindFloat, Low: 0.5, High: 1.0},
	{Name: "bootstrap", Kind: tuning.KindCategorical, Choices: []interface{}{false, true}},
}

// ParamsFrom reads isolation-forest parameters over defaults.
func ParamsFrom(values map[string]interface{}, def iforest.Params) iforest.Params {
	p := def
	p.NEstimators = tuning.IntParam(values, "n_estimators", p.NEstimators)
	p.Contamination = tuning.Float(values, "contamination", p.Contamination)
	p.MaxSamples = tuning.Float(values, "max_samples", p.MaxSamples)
	p.MaxFeatures = tuning.Float(values, "max_features", p.MaxFeatures)
	p.Bootstrap = tuning.Bool(values, "bootstrap", p.Bootstrap)
	p.Seed = int64(tuning.IntParam(values, "random_state", int(p.Seed)))
	return p
}

// ParamsWith reads request parameters over the engine's configured defaults.
func (e *Engine) ParamsWith(values map[string]interface{}) iforest.Params {
	return ParamsFrom(values, e.defaultParams())
}

// TuneOptions configures a tuning run.
type TuneOptions struct {
	BranchID  int
	EndDate   time.Time
	Days      int
	Trials    int
	Seed      int64
	CreatedBy string
}

// TuneResult is the study summary and the model trained with the winner.
type TuneResult struct {
	Study tuning.Summary `json:"study"`
	Train *TrainResult   `json:"train"`
}

// Tune maximises score separation on the training window, then trains and
// registers a model with the best parameters and the study summary.
func (e *Engine) Tune(ctx context.Context, opts TuneOptions) (*TuneResult, error) {
	end := opts.EndDate
	if end.IsZero() {
		end = e.now().AddDate(0, 0, -1)
	}
	rows, _, err := e.trainingRows(ctx, opts.BranchID, end, opts.Days)
	if err != nil {
		return nil, err
	}
	set, err := features.NewSet(DefaultFeatures)
	if err != nil {
		return nil, err
	}
	trials := opts.Trials
	if trials <= 0 {
		trials = 20
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 42
	}

	study := tuning.NewStudy(SearchSpace, tuning.Maximize, seed)
	def := e.defaultParams()
	_, err = study.Optimize(ctx, func(_ context.Context, values map[string]interface{}) (float64, error) {
		f, err := fit(rows, set, ParamsFrom(values, def))
		if err != nil {
			return 0, err
		}
		return Separation(f.scores, f.preds), nil
	}, trials)
	if err != nil {
		return nil, errs.Internal("anomaly tuning", err)
	}
	summary := study.Summarise()

	best := ParamsFrom(summary.BestParams, def)
	tr, err := e.Train(ctx, TrainOptions{
		BranchID:  opts.BranchID,
		EndDate:   end,
		Days:      opts.Days,
		Params:    &best,
		CreatedBy: opts.CreatedBy,
		Tuning: map[string]interface{}{
			"best_value": summary.BestValue,
			"n_trials":   summary.NTrials,
			"completed":  summary.NCompleted,
			"objective":  "separation",
		},
	})
	if err != nil {
		return nil, err
	}
	return &TuneResult{Study: summary, Train: tr}, nil
}
