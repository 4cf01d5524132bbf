package forecast

import (
	"math"
	"time"

	"branchanalytics/errs"
	"branchanalytics/features"
	"branchanalytics/ml/gbdt"
	"branchanalytics/ml/prophet"
	"branchanalytics/models"
	"branchanalytics/registry"
	"branchanalytics/tuning"
)

// ProphetParams reads the Prophet options of a request over defaults.
func ProphetParams(values map[string]interface{}) prophet.Params {
	p := prophet.DefaultParams()
	p.SeasonalityMode = tuning.String(values, "seasonality_mode", p.SeasonalityMode)
	p.YearlySeasonality = tuning.Bool(values, "yearly_seasonality", p.YearlySeasonality)
	p.WeeklySeasonality = tuning.Bool(values, "weekly_seasonality", p.WeeklySeasonality)
	p.DailySeasonality = tuning.Bool(values, "daily_seasonality", p.DailySeasonality)
	p.IntervalWidth = tuning.Float(values, "interval_width", p.IntervalWidth)
	p.ChangepointPriorScale = tuning.Float(values, "changepoint_prior_scale", p.ChangepointPriorScale)
	p.SeasonalityPriorScale = tuning.Float(values, "seasonality_prior_scale", p.SeasonalityPriorScale)
	p.NChangepoints = tuning.IntParam(values, "n_changepoints", p.NChangepoints)
	return p
}

func prophetParamsMap(p prophet.Params) map[string]interface{} {
	return map[string]interface{}{
		"seasonality_mode":        p.SeasonalityMode,
		"yearly_seasonality":      p.YearlySeasonality,
		"weekly_seasonality":      p.WeeklySeasonality,
		"daily_seasonality":       p.DailySeasonality,
		"interval_width":          p.IntervalWidth,
		"changepoint_prior_scale": p.ChangepointPriorScale,
		"seasonality_prior_scale": p.SeasonalityPriorScale,
		"n_changepoints":          p.NChangepoints,
	}
}

// TreeParams reads the boosting options of a request over the defaults of
// algo.
func TreeParams(algo string, values map[string]interface{}) gbdt.Params {
	p := gbdt.LightGBMDefaults()
	if algo == registry.AlgoXGBoost {
		p = gbdt.XGBoostDefaults()
	}
	p.NEstimators = tuning.IntParam(values, "n_estimators", p.NEstimators)
	p.LearningRate = tuning.Float(values, "learning_rate", p.LearningRate)
	p.MaxDepth = tuning.IntParam(values, "max_depth", p.MaxDepth)
	p.NumLeaves = tuning.IntParam(values, "num_leaves", p.NumLeaves)
	p.MinChildSamples = tuning.IntParam(values, "min_child_samples", p.MinChildSamples)
	p.Subsample = tuning.Float(values, "subsample", p.Subsample)
	p.ColSample = tuning.Float(values, "colsample_bytree", p.ColSample)
	p.Lambda = tuning.Float(values, "reg_lambda", p.Lambda)
	p.Seed = int64(tuning.IntParam(values, "random_state", int(p.Seed)))
	return p
}

func treeParamsMap(p gbdt.Params, o TreeOptions) map[string]interface{} {
	return map[string]interface{}{
		"growth":                string(p.Growth),
		"n_estimators":          p.NEstimators,
		"learning_rate":         p.LearningRate,
		"max_depth":             p.MaxDepth,
		"num_leaves":            p.NumLeaves,
		"min_child_samples":     p.MinChildSamples,
		"subsample":             p.Subsample,
		"colsample_bytree":      p.ColSample,
		"reg_lambda":            p.Lambda,
		"random_state":          p.Seed,
		"winsorize":             o.Winsorize,
		"feature_selection":     o.SelectFeatures,
		"correlation_threshold": o.Threshold,
		"early_stopping_rounds": o.EarlyStopping,
	}
}

// TreeOptions are the preprocessing switches of tree training.
type TreeOptions struct {
	Winsorize      bool
	SelectFeatures bool
	Threshold      float64
	EarlyStopping  int
}

// TreeOptionsFrom reads the switches of a request; both are on by default.
func TreeOptionsFrom(values map[string]interface{}) TreeOptions {
	return TreeOptions{
		Winsorize:      tuning.Bool(values, "winsorize", true),
		SelectFeatures: tuning.Bool(values, "feature_selection", true),
		Threshold:      tuning.Float(values, "correlation_threshold", 0.1),
		EarlyStopping:  tuning.IntParam(values, "early_stopping_rounds", 50),
	}
}

func dateRange(ds []time.Time) registry.DateRange {
	if len(ds) == 0 {
		return registry.DateRange{}
	}
	return registry.DateRange{
		Start: ds[0].Format(models.DateLayout),
		End:   ds[len(ds)-1].Format(models.DateLayout),
	}
}

// addedRegressors keeps the candidates with enough non-null values.
func addedRegressors(s *Series, candidates []string) []string {
	var out []string
	for _, c := range candidates {
		col, ok := s.Regressors[c]
		if !ok {
			continue
		}
		if Coverage(col) >= MinRegressorCoverage {
			out = append(out, c)
		}
	}
	return out
}

// TrainProphet fits the Prophet-style model with every candidate regressor
// that is present on enough rows.
func TrainProphet(s *Series, candidates []string, p prophet.Params) (*registry.ForecastBundle, error) {
	added := addedRegressors(s, candidates)
	m, err := prophet.Fit(prophet.Frame{DS: s.DS, Y: s.Y, Regressors: s.Regressors}, added, p)
	if err != nil {
		return nil, errs.Input("%v", err)
	}
	return &registry.ForecastBundle{
		SchemaVersion: registry.BundleSchemaVersion,
		Algorithm:     registry.AlgoProphet,
		Target:        s.Target,
		Prophet:       m,
		Metadata: registry.ForecastMetadata{
			Hyperparameters: prophetParamsMap(m.Params),
			Regressors:      m.ExtraRegressors(),
			DayOfWeekFormat: DayOfWeekISO,
			DateRange:       dateRange(s.DS),
			TrainingSamples: s.Len(),
		},
	}, nil
}

// seriesLookup resolves y by date over the series.
func seriesLookup(ds []time.Time, y []float64) features.Lookup {
	byDate := make(map[string]float64, len(ds))
	for i, d := range ds {
		byDate[d.Format(models.DateLayout)] = y[i]
	}
	return func(d time.Time) (float64, bool) {
		v, ok := byDate[d.Format(models.DateLayout)]
		return v, ok
	}
}

// TrainTrees fits the boosted-tree model on the lag and calendar frame.
func TrainTrees(s *Series, algo string, p gbdt.Params, o TreeOptions) (*registry.ForecastBundle, error) {
	if algo != registry.AlgoLightGBM && algo != registry.AlgoXGBoost {
		return nil, errs.Input("unsupported tree algorithm %q", algo)
	}
	y := s.Y
	clipped := 0
	if o.Winsorize {
		y, clipped = features.Winsorize(s.Y)
	}
	lookup := seriesLookup(s.DS, y)
	names := features.TreeFeatureNames()
	rows := make([][]float64, s.Len())
	for i, d := range s.DS {
		rows[i] = features.TreeRow(d, lookup)
	}

	idx := make([]int, len(names))
	for j := range idx {
		idx[j] = j
	}
	if o.SelectFeatures {
		threshold := o.Threshold
		if threshold <= 0 {
			threshold = 0.1
		}
		idx = features.SelectByCorrelation(rows, y, names, threshold,
			"day_of_week", "is_weekend", "dow_sin", "dow_cos", "month")
	}
	cols := make([]string, len(idx))
	for k, j := range idx {
		cols[k] = names[j]
	}
	X := project(rows, idx)

	var trainX, valX [][]float64
	var trainY, valY []float64
	p.EarlyStoppingRounds = 0
	if o.EarlyStopping > 0 && len(X) >= 8 {
		cut := len(X) - len(X)/4
		trainX, trainY = X[:cut], y[:cut]
		valX, valY = X[cut:], y[cut:]
		p.EarlyStoppingRounds = o.EarlyStopping
	} else {
		trainX, trainY = X, y
	}
	m, err := gbdt.Fit(trainX, trainY, valX, valY, p)
	if err != nil {
		return nil, errs.Input("%v", err)
	}
	hp := treeParamsMap(m.Params, o)
	hp["best_iteration"] = m.BestIteration
	return &registry.ForecastBundle{
		SchemaVersion: registry.BundleSchemaVersion,
		Algorithm:     algo,
		Target:        s.Target,
		Trees:         m,
		Metadata: registry.ForecastMetadata{
			Hyperparameters: hp,
			Regressors:      []string{},
			DayOfWeekFormat: DayOfWeekZero,
			FeatureCols:     cols,
			DateRange:       dateRange(s.DS),
			TrainingSamples: s.Len(),
			Winsorized:      clipped,
		},
	}, nil
}

func project(rows [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		x := make([]float64, len(idx))
		for k, j := range idx {
			x[k] = r[j]
		}
		out[i] = x
	}
	return out
}

// featureIndex maps the stored feature columns back to TreeRow positions.
func featureIndex(cols []string) ([]int, error) {
	pos := make(map[string]int)
	for j, n := range features.TreeFeatureNames() {
		pos[n] = j
	}
	idx := make([]int, len(cols))
	for k, c := range cols {
		j, ok := pos[c]
		if !ok {
			return nil, errs.Input("unknown tree feature %q in model metadata", c)
		}
		idx[k] = j
	}
	return idx, nil
}

func finiteOr(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}
