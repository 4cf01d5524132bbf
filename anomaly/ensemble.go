package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/features"
	"branchanalytics/historical"
	"branchanalytics/ml/iforest"
	"branchanalytics/models"
	"branchanalytics/registry"
	"branchanalytics/stats"
)

// Grid is the hyperparameter grid searched for each group.
type Grid struct {
	NEstimators   []int     `json:"n_estimators"`
	Contamination []float64 `json:"contamination"`
	MaxSamples    []float64 `json:"max_samples"`
	MaxFeatures   []float64 `json:"max_features"`
	Bootstrap     []bool    `json:"bootstrap"`
}

// DefaultGrid searches 48 combinations. MaxSamples 0 means min(256, n).
func DefaultGrid() Grid {
	return Grid{
		NEstimators:   []int{100, 200},
		Contamination: []float64{0.05, 0.1, 0.15},
		MaxSamples:    []float64{0, 0.8},
		MaxFeatures:   []float64{1.0, 0.8},
		Bootstrap:     []bool{false, true},
	}
}

func (g Grid) combos() []iforest.Params {
	var out []iforest.Params
	for _, n := range g.NEstimators {
		for _, c := range g.Contamination {
			for _, ms := range g.MaxSamples {
				for _, mf := range g.MaxFeatures {
					for _, b := range g.Bootstrap {
						p := iforest.DefaultParams()
						p.NEstimators, p.Contamination, p.MaxSamples, p.MaxFeatures, p.Bootstrap = n, c, ms, mf, b
						out = append(out, p)
					}
				}
			}
		}
	}
	return out
}

// Label sources of the group pseudo labels.
const (
	LabelsIQR       = "iqr_reference"
	LabelsPctChange = "iqr_pct_change"
	LabelsNone      = "none"
)

// PseudoLabels marks the days whose reference metric lies outside its
// 1.5·IQR fences. When no day does, the day-over-day change is used instead.
// A nil slice means no labels could be derived.
func PseudoLabels(rows []models.DailyBranchMetrics, reference string) ([]bool, string) {
	values := features.Series(rows, reference)
	if labels := outsideFences(values); labels != nil {
		return labels, LabelsIQR
	}
	if labels := outsideFences(features.PctChange(values)); labels != nil {
		return labels, LabelsPctChange
	}
	return nil, LabelsNone
}

func outsideFences(x []float64) []bool {
	if len(stats.Finite(x)) < 4 {
		return nil
	}
	band := stats.IQRBand(x, 1.5)
	labels := make([]bool, len(x))
	found := false
	for i, v := range x {
		if math.IsNaN(v) {
			continue
		}
		if !band.Contains(v) {
			labels[i] = true
			found = true
		}
	}
	if !found {
		return nil
	}
	return labels
}

// Separation is (mean normal score − mean anomalous score) / std(all).
func Separation(scores []float64, preds []int) float64 {
	var normal, anomalous []float64
	for i, s := range scores {
		if preds[i] == -1 {
			anomalous = append(anomalous, s)
		} else {
			normal = append(normal, s)
		}
	}
	if len(normal) == 0 || len(anomalous) == 0 {
		return 0
	}
	_, std := stats.MeanStd(scores)
	if std == 0 {
		return 0
	}
	return (stats.Mean(normal) - stats.Mean(anomalous)) / std
}

func pseudoF1(labels []bool, preds []int) float64 {
	var tp, fp, fn int
	for i, l := range labels {
		p := preds[i] == -1
		switch {
		case l && p:
			tp++
		case !l && p:
			fp++
		case l && !p:
			fn++
		}
	}
	_, _, f1 := prf(tp, fp, fn)
	return f1
}

type candidate struct {
	params     iforest.Params
	fit        *fitted
	separation float64
	f1         float64
	rate       float64
	err        error
}

// rank orders candidates best first: by pseudo F1 then separation when
// labels exist, otherwise by separation then closeness of the anomaly rate
// to the configured contamination.
func rank(cands []*candidate, labelled bool) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if (a.err == nil) != (b.err == nil) {
			return a.err == nil
		}
		if labelled && a.f1 != b.f1 {
			return a.f1 > b.f1
		}
		if a.separation != b.separation {
			return a.separation > b.separation
		}
		return math.Abs(a.rate-a.params.Contamination) < math.Abs(b.rate-b.params.Contamination)
	})
}

// GroupOptions configures group training.
type GroupOptions struct {
	BranchID  int
	EndDate   time.Time
	Days      int
	Groups    []string
	Grid      *Grid
	CreatedBy string
}

// GroupResult is the outcome of one group.
type GroupResult struct {
	Group       string                 `json:"group"`
	Model       *models.MLModel        `json:"model,omitempty"`
	Params      map[string]interface{} `json:"best_params,omitempty"`
	Separation  float64                `json:"separation"`
	PseudoF1    *float64               `json:"pseudo_f1,omitempty"`
	AnomalyRate float64                `json:"anomaly_rate"`
	LabelSource string                 `json:"label_source"`
	Candidates  int                    `json:"candidates"`
	Error       string                 `json:"error,omitempty"`
}

// TrainGroups tunes and registers one model per feature group. A failing
// group is reported and does not stop the others.
func (e *Engine) TrainGroups(ctx context.Context, opts GroupOptions) ([]GroupResult, error) {
	end := opts.EndDate
	if end.IsZero() {
		end = e.now().AddDate(0, 0, -1)
	}
	rows, start, err := e.trainingRows(ctx, opts.BranchID, end, opts.Days)
	if err != nil {
		return nil, err
	}
	names := opts.Groups
	if len(names) == 0 {
		names = registry.Groups
	}
	grid := DefaultGrid()
	if opts.Grid != nil {
		grid = *opts.Grid
	}

	var out []GroupResult
	for _, name := range names {
		g, ok := GroupByName(name)
		if !ok {
			return nil, errs.Input("unknown feature group %q", name)
		}
		res, err := e.trainGroup(ctx, g, rows, grid, opts, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("group training failed", zap.String("group", g.Name), zap.Int("branch_id", opts.BranchID), zap.Error(err))
			res = GroupResult{Group: g.Name, Error: err.Error()}
		}
		out = append(out, res)
	}
	return out, nil
}

func (e *Engine) trainGroup(ctx context.Context, g Group, rows []models.DailyBranchMetrics, grid Grid, opts GroupOptions, start, end time.Time) (GroupResult, error) {
	set, err := features.NewSet(g.Features)
	if err != nil {
		return GroupResult{}, err
	}
	labels, source := PseudoLabels(rows, g.Reference)
	cands, err := e.search(ctx, rows, set, grid.combos(), labels)
	if err != nil {
		return GroupResult{}, err
	}
	rank(cands, labels != nil)
	best := cands[0]
	if best.err != nil {
		return GroupResult{}, best.err
	}

	top := make([]map[string]interface{}, 0, 5)
	for i := 0; i < len(cands) && i < 5; i++ {
		if cands[i].err != nil {
			break
		}
		top = append(top, map[string]interface{}{
			"params":     paramsMap(cands[i].params),
			"separation": stats.Round(cands[i].separation, 4),
			"pseudo_f1":  stats.Round(cands[i].f1, 4),
		})
	}
	b := best.fit.bundle
	b.NewMethod = &registry.NewMethodMeta{
		Group:           g.Name,
		DropCols:        g.dropCols(),
		FeatureCols:     set.Names(),
		ReferenceMetric: g.Reference,
		LabelSource:     source,
		Tuning: map[string]interface{}{
			"method":       "grid",
			"n_candidates": len(cands),
			"top":          top,
		},
	}
	data, err := registry.EncodeIForest(b)
	if err != nil {
		return GroupResult{}, err
	}

	metrics := trainingMetrics(best.fit.scores, best.fit.preds, best.params.Contamination)
	metrics["separation"] = stats.Round(best.separation, 4)
	metrics["label_source"] = source
	if labels != nil {
		metrics["pseudo_f1"] = stats.Round(best.f1, 4)
	}
	m, err := e.registry.Register(ctx, registry.Registration{
		Name:            registry.GroupModelName(g.Name, opts.BranchID),
		Type:            models.ModelTypeIsolationForest,
		Bundle:          data,
		Hyperparameters: paramsMap(best.params),
		FeatureList:     set.Names(),
		TrainingStart:   start,
		TrainingEnd:     models.DateOnly(end),
		TrainingSamples: len(rows),
		Metrics:         metrics,
		Activate:        true,
		CreatedBy:       opts.CreatedBy,
	})
	if err != nil {
		return GroupResult{}, err
	}

	res := GroupResult{
		Group:       g.Name,
		Model:       m,
		Params:      paramsMap(best.params),
		Separation:  stats.Round(best.separation, 4),
		AnomalyRate: best.rate,
		LabelSource: source,
		Candidates:  len(cands),
	}
	if labels != nil {
		f1 := stats.Round(best.f1, 4)
		res.PseudoF1 = &f1
	}
	return res, nil
}

// search fits every combination on a bounded worker group.
func (e *Engine) search(ctx context.Context, rows []models.DailyBranchMetrics, set features.Set, combos []iforest.Params, labels []bool) ([]*candidate, error) {
	if len(combos) == 0 {
		return nil, errs.Input("empty hyperparameter grid")
	}
	cands := make([]*candidate, len(combos))
	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	for i, p := range combos {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, p iforest.Params) {
			defer wg.Done()
			defer func() { <-sem }()
			c := &candidate{params: p}
			f, err := fit(rows, set, p)
			if err != nil {
				c.err = err
				cands[i] = c
				return
			}
			c.fit = f
			c.separation = Separation(f.scores, f.preds)
			n := 0
			for _, v := range f.preds {
				if v == -1 {
					n++
				}
			}
			c.rate = float64(n) / float64(len(f.preds))
			if labels != nil {
				c.f1 = pseudoF1(labels, f.preds)
			}
			cands[i] = c
		}(i, p)
	}
	wg.Wait()
	return cands, nil
}

// GroupVerdict is one group's view of a day.
type GroupVerdict struct {
	Group        string                   `json:"group"`
	ModelID      int64                    `json:"model_id"`
	ModelName    string                   `json:"model_name"`
	IsAnomaly    bool                     `json:"is_anomaly"`
	Score        float64                  `json:"anomaly_score"`
	Confidence   float64                  `json:"confidence"`
	Deviation    float64                  `json:"max_abs_z"`
	Explanations []historical.Explanation `json:"explanations"`
}

// EnsembleResult aggregates the group verdicts: a day is anomalous when any
// group flags it and the score is the highest group score.
type EnsembleResult struct {
	IsAnomaly    bool                     `json:"is_anomaly"`
	Score        float64                  `json:"anomaly_score"`
	Confidence   float64                  `json:"confidence"`
	ExplainedBy  string                   `json:"explained_by,omitempty"`
	Explanations []historical.Explanation `json:"explanations,omitempty"`
	Groups       []GroupVerdict           `json:"groups"`
	Skipped      []string                 `json:"skipped_groups,omitempty"`
}

// DetectEnsemble scores day with every active group model. The explanation
// comes from the flagging group whose features deviate most.
func (e *Engine) DetectEnsemble(ctx context.Context, branchID int, day time.Time) (*EnsembleResult, error) {
	day = models.DateOnly(day)
	target, err := e.metrics.GetDailyMetrics(ctx, branchID, day)
	if err != nil {
		return nil, err
	}
	history, err := e.metrics.ListDailyMetrics(ctx, branchID, day.AddDate(0, 0, -e.cfg.Lookback), day.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}

	res := &EnsembleResult{}
	var tried []string
	for _, g := range Groups {
		name := registry.GroupModelName(g.Name, branchID)
		tried = append(tried, name)
		r, err := e.registry.Resolve(ctx, []string{name})
		if err != nil {
			if errs.Is(err, errs.KindModelInconsistent) {
				res.Skipped = append(res.Skipped, g.Name)
				continue
			}
			return nil, err
		}
		b, err := e.registry.LoadIForest(ctx, r.Model)
		if err != nil {
			return nil, err
		}
		p, err := Score(b, target)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.Name, err)
		}
		expl := historical.Explain(target, history, b.Features, e.cfg.ExplainTopK)
		dev := 0.0
		if len(expl) > 0 {
			dev = math.Abs(expl[0].ZScore)
		}
		res.Groups = append(res.Groups, GroupVerdict{
			Group:        g.Name,
			ModelID:      r.Model.ID,
			ModelName:    r.Model.ModelName,
			IsAnomaly:    p.IsAnomaly,
			Score:        p.Score,
			Confidence:   p.Confidence,
			Deviation:    dev,
			Explanations: expl,
		})
	}
	if len(res.Groups) == 0 {
		return nil, errs.ModelInconsistent(tried)
	}

	var explainer *GroupVerdict
	for i := range res.Groups {
		v := &res.Groups[i]
		if v.Score > res.Score || i == 0 {
			res.Score = v.Score
			res.Confidence = v.Confidence
		}
		if v.IsAnomaly {
			res.IsAnomaly = true
			if explainer == nil || v.Deviation > explainer.Deviation {
				explainer = v
			}
		}
	}
	if explainer != nil {
		res.ExplainedBy = explainer.Group
		res.Explanations = explainer.Explanations
		res.Confidence = explainer.Confidence
	}
	return res, nil
}
