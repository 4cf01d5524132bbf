// Package tuning runs hyperparameter studies: a few random startup trials
// followed by a mix of random sampling and local perturbation of the best
// trial so far.
package tuning

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

type Direction string

const (
	Minimize Direction = "minimize"
	Maximize Direction = "maximize"
)

type Kind string

const (
	KindFloat       Kind = "float"
	KindLogFloat    Kind = "log_float"
	KindInt         Kind = "int"
	KindCategorical Kind = "categorical"
)

const (
	TrialComplete = "COMPLETE"
	TrialFail     = "FAIL"
)

// Param describes one search dimension.
type Param struct {
	Name    string
	Kind    Kind
	Low     float64
	High    float64
	Choices []interface{}
}

// Trial is one evaluated configuration.
type Trial struct {
	Number int                    `json:"number"`
	Params map[string]interface{} `json:"params"`
	Value  float64                `json:"value"`
	State  string                 `json:"state"`
	Error  string                 `json:"error,omitempty"`
}

// Objective evaluates a configuration. A returned error marks the trial failed.
type Objective func(ctx context.Context, params map[string]interface{}) (float64, error)

// Study holds the search space and every trial run so far.
type Study struct {
	Direction Direction
	Space     []Param
	Trials    []Trial

	rng     *rand.Rand
	startup int
}

// NewStudy creates a study. seed makes sampling reproducible.
func NewStudy(space []Param, dir Direction, seed int64) *Study {
	if dir != Maximize {
		dir = Minimize
	}
	return &Study{Direction: dir, Space: space, rng: rand.New(rand.NewSource(seed)), startup: 5}
}

// Optimize runs nTrials trials and returns the best one. Failed trials score
// +Inf when minimising and -Inf when maximising. It stops early when ctx is
// done.
func (s *Study) Optimize(ctx context.Context, obj Objective, nTrials int) (Trial, error) {
	for i := 0; i < nTrials; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		params := s.sample()
		t := Trial{Number: len(s.Trials), Params: params, State: TrialComplete}
		v, err := obj(ctx, params)
		if err != nil || math.IsNaN(v) {
			t.State = TrialFail
			t.Value = s.worst()
			if err != nil {
				t.Error = err.Error()
			}
		} else {
			t.Value = v
		}
		s.Trials = append(s.Trials, t)
	}
	best, ok := s.Best()
	if !ok {
		return Trial{}, fmt.Errorf("tuning: no trial completed out of %d", len(s.Trials))
	}
	return best, nil
}

// Best returns the best completed trial.
func (s *Study) Best() (Trial, bool) {
	var best Trial
	found := false
	for _, t := range s.Trials {
		if t.State != TrialComplete {
			continue
		}
		if !found || s.better(t.Value, best.Value) {
			best, found = t, true
		}
	}
	return best, found
}

// Completed counts completed trials.
func (s *Study) Completed() int {
	n := 0
	for _, t := range s.Trials {
		if t.State == TrialComplete {
			n++
		}
	}
	return n
}

func (s *Study) better(a, b float64) bool {
	if s.Direction == Maximize {
		return a > b
	}
	return a < b
}

func (s *Study) worst() float64 {
	if s.Direction == Maximize {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

func (s *Study) sample() map[string]interface{} {
	best, ok := s.Best()
	if !ok || s.Completed() < s.startup || s.rng.Float64() < 0.4 {
		return s.random()
	}
	return s.perturb(best.Params)
}

func (s *Study) random() map[string]interface{} {
	out := make(map[string]interface{}, len(s.Space))
	for _, p := range s.Space {
		out[p.Name] = s.draw(p)
	}
	return out
}

func (s *Study) draw(p Param) interface{} {
	switch p.Kind {
	case KindCategorical:
		return p.Choices[s.rng.Intn(len(p.Choices))]
	case KindInt:
		return int(p.Low) + s.rng.Intn(int(p.High)-int(p.Low)+1)
	case KindLogFloat:
		lo, hi := math.Log(p.Low), math.Log(p.High)
		return math.Exp(lo + s.rng.Float64()*(hi-lo))
	default:
		return p.Low + s.rng.Float64()*(p.High-p.Low)
	}
}

// perturb moves each numeric parameter by a Gaussian step of 10% of its
// range and re-draws categoricals with probability 0.2.
func (s *Study) perturb(base map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(s.Space))
	for _, p := range s.Space {
		cur, ok := base[p.Name]
		if !ok {
			out[p.Name] = s.draw(p)
			continue
		}
		switch p.Kind {
		case KindCategorical:
			if s.rng.Float64() < 0.2 {
				out[p.Name] = s.draw(p)
			} else {
				out[p.Name] = cur
			}
		case KindInt:
			step := math.Max(1, 0.1*(p.High-p.Low))
			v := math.Round(float64(cur.(int)) + s.rng.NormFloat64()*step)
			out[p.Name] = int(math.Max(p.Low, math.Min(p.High, v)))
		case KindLogFloat:
			lo, hi := math.Log(p.Low), math.Log(p.High)
			v := math.Log(cur.(float64)) + s.rng.NormFloat64()*0.1*(hi-lo)
			out[p.Name] = math.Exp(math.Max(lo, math.Min(hi, v)))
		default:
			v := cur.(float64) + s.rng.NormFloat64()*0.1*(p.High-p.Low)
			out[p.Name] = math.Max(p.Low, math.Min(p.High, v))
		}
	}
	return out
}

// Summary is what gets persisted next to the tuned model.
type Summary struct {
	BestParams map[string]interface{} `json:"best_params"`
	BestValue  float64                `json:"best_value"`
	NTrials    int                    `json:"n_trials"`
	NCompleted int                    `json:"n_completed"`
	Direction  Direction              `json:"direction"`
	TopTrials  []Trial                `json:"top_trials"`
}

// Summarise reports the best trial and the five best completed trials.
func (s *Study) Summarise() Summary {
	best, _ := s.Best()
	done := make([]Trial, 0, len(s.Trials))
	for _, t := range s.Trials {
		if t.State == TrialComplete {
			done = append(done, t)
		}
	}
	sort.SliceStable(done, func(a, b int) bool { return s.better(done[a].Value, done[b].Value) })
	if len(done) > 5 {
		done = done[:5]
	}
	return Summary{
		BestParams: best.Params,
		BestValue:  best.Value,
		NTrials:    len(s.Trials),
		NCompleted: s.Completed(),
		Direction:  s.Direction,
		TopTrials:  done,
	}
}

// Float reads a float parameter, accepting ints.
func Float(params map[string]interface{}, name string, def float64) float64 {
	switch v := params[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// IntParam reads an int parameter, accepting whole floats from decoded JSON.
func IntParam(params map[string]interface{}, name string, def int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// String reads a string parameter.
func String(params map[string]interface{}, name, def string) string {
	if v, ok := params[name].(string); ok {
		return v
	}
	return def
}

// Bool reads a bool parameter.
func Bool(params map[string]interface{}, name string, def bool) bool {
	if v, ok := params[name].(bool); ok {
		return v
	}
	return def
}
