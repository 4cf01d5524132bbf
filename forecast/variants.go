package forecast

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"branchanalytics/registry"
)

// Variant is one regressor configuration of the new-method Prophet models.
type Variant struct {
	Name  string
	Ops   bool
	Month bool
}

// Variants lists the four configurations in training order.
var Variants = []Variant{
	{Name: "ops_month", Ops: true, Month: true},
	{Name: "ops_no_month", Ops: true},
	{Name: "no_ops_month", Month: true},
	{Name: "no_ops_no_month"},
}

// Regressors returns the candidate regressors of v for target.
func (v Variant) Regressors(target string) []string {
	out := DefaultRegressors(target)
	if v.Ops {
		out = append(out, OpsRegressors...)
	}
	if v.Month {
		out = append(out, RegMonth)
	}
	return out
}

// VariantOptions configures a new-method run.
type VariantOptions struct {
	BranchID    int
	Target      string
	EndDate     time.Time
	Days        int
	TestDays    int
	MinCoverage float64
	Params      map[string]interface{}
	CreatedBy   string
}

// VariantResult is the holdout evaluation of one variant.
type VariantResult struct {
	Variant    string   `json:"variant"`
	Regressors []string `json:"regressors,omitempty"`
	Metrics    *Metrics `json:"metrics,omitempty"`
	Penalty    float64  `json:"coverage_penalty"`
	Error      string   `json:"error,omitempty"`

	mapeKey, maeKey float64
}

// VariantsResult lists every variant, best first, and the registered winner.
type VariantsResult struct {
	Variants []VariantResult `json:"variants"`
	Best     string          `json:"best_variant"`
	Train    *TrainResult    `json:"train"`
}

// TrainVariants evaluates the four Prophet variants on a holdout, ranks them
// by MAPE, then MAE, then coverage, and registers the winner refitted on all
// rows as the branch's new-method model. A variant whose coverage falls short
// of MinCoverage has the shortfall added to its MAPE (in points) and scaled
// onto its MAE.
func (e *Engine) TrainVariants(ctx context.Context, opts VariantOptions) (*VariantsResult, error) {
	if _, err := checkRequest(opts.Target, registry.AlgoProphet); err != nil {
		return nil, err
	}
	minCov := opts.MinCoverage
	if minCov <= 0 {
		minCov = e.cfg.MinCoverage
	}
	all := Variants[0].Regressors(opts.Target)
	end := e.endOr(opts.EndDate)
	s, err := e.series(ctx, opts.BranchID, opts.Target, end, opts.Days, all, e.cfg.MinRows)
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
	train, test := s.Split(k)
	params := ProphetParams(opts.Params)

	results := make([]VariantResult, 0, len(Variants))
	var firstErr error
	for _, v := range Variants {
		r := VariantResult{Variant: v.Name}
		b, err := TrainProphet(train, v.Regressors(opts.Target), params)
		if err == nil {
			var pts []Point
			pts, err = PredictProphet(b, test.DS, test.actuals())
			if err == nil {
				m := Evaluate(test.Y, pts)
				r.Metrics = &m
				r.Regressors = b.Metadata.Regressors
			}
		}
		if err != nil {
			r.Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			e.logger.Warn("forecast variant failed", zap.String("variant", v.Name), zap.Error(err))
		} else {
			r.rankKeys(minCov)
		}
		results = append(results, r)
	}
	rankVariants(results)
	if results[0].Metrics == nil {
		return nil, firstErr
	}

	best := variantByName(results[0].Variant)
	b, err := TrainProphet(s, best.Regressors(opts.Target), params)
	if err != nil {
		return nil, err
	}
	b.Metadata.Variant = best.Name
	tr, err := e.register(ctx, opts.BranchID, registry.NMForecastModelName(opts.Target, opts.BranchID), b, s, "", opts.CreatedBy, nil)
	if err != nil {
		return nil, err
	}
	e.logger.Info("forecast variants ranked",
		zap.Int("branch_id", opts.BranchID),
		zap.String("target", opts.Target),
		zap.String("best", best.Name))
	return &VariantsResult{Variants: results, Best: best.Name, Train: tr}, nil
}

func (r *VariantResult) rankKeys(minCov float64) {
	m := r.Metrics
	if m.Coverage < minCov {
		r.Penalty = minCov - m.Coverage
	}
	r.mapeKey = m.MAPE + 100*r.Penalty
	if m.MAPEPoints == 0 {
		r.mapeKey = 0
	}
	r.maeKey = m.MAE * (1 + r.Penalty)
}

// rankVariants sorts evaluated variants first, best first.
func rankVariants(rs []VariantResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if (a.Metrics == nil) != (b.Metrics == nil) {
			return a.Metrics != nil
		}
		if a.Metrics == nil {
			return false
		}
		if a.mapeKey != b.mapeKey {
			return a.mapeKey < b.mapeKey
		}
		if a.maeKey != b.maeKey {
			return a.maeKey < b.maeKey
		}
		return a.Metrics.Coverage > b.Metrics.Coverage
	})
}

func variantByName(name string) Variant {
	for _, v := range Variants {
		if v.Name == name {
			return v
		}
	}
	return Variants[len(Variants)-1]
}
