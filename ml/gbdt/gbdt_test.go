package gbdt

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepData(n int, seed int64) ([][]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		a, b := rng.Float64()*10, rng.Float64()*10
		X[i] = []float64{a, b}
		y[i] = 3*a + rng.NormFloat64()*0.1
		if b > 5 {
			y[i] += 20
		}
	}
	return X, y
}

func rmse(pred, y []float64) float64 {
	var se float64
	for i := range y {
		d := pred[i] - y[i]
		se += d * d
	}
	return math.Sqrt(se / float64(len(y)))
}

func TestBothGrowthPoliciesFit(t *testing.T) {
	X, y := stepData(300, 1)
	testX, testY := stepData(100, 2)

	for name, p := range map[string]Params{"lightgbm": LightGBMDefaults(), "xgboost": XGBoostDefaults()} {
		t.Run(name, func(t *testing.T) {
			m, err := Fit(X, y, nil, nil, p)
			require.NoError(t, err)
			pred, err := m.Predict(testX)
			require.NoError(t, err)
			assert.Less(t, rmse(pred, testY), 2.5)
		})
	}
}

func TestLeafWiseRespectsNumLeaves(t *testing.T) {
	X, y := stepData(200, 3)
	p := LightGBMDefaults()
	p.NumLeaves = 4
	p.NEstimators = 5
	m, err := Fit(X, y, nil, nil, p)
	require.NoError(t, err)
	for _, tree := range m.Trees {
		leaves := 0
		for _, f := range tree.Feature {
			if f < 0 {
				leaves++
			}
		}
		assert.LessOrEqual(t, leaves, 4)
	}
}

func TestEarlyStoppingTruncates(t *testing.T) {
	X, y := stepData(200, 4)
	valX, valY := stepData(60, 5)
	p := XGBoostDefaults()
	p.NEstimators = 500
	p.EarlyStoppingRounds = 10
	m, err := Fit(X, y, valX, valY, p)
	require.NoError(t, err)
	assert.Less(t, len(m.Trees), 500)
	assert.Equal(t, m.BestIteration, len(m.Trees))
}

func TestJSONRoundTrip(t *testing.T) {
	X, y := stepData(150, 6)
	m, err := Fit(X, y, nil, nil, LightGBMDefaults())
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	var back Model
	require.NoError(t, json.Unmarshal(data, &back))
	require.NoError(t, back.Validate())

	a, _ := m.Predict(X)
	b, _ := back.Predict(X)
	assert.Equal(t, a, b)
}

func TestPredictRowDimensionMismatch(t *testing.T) {
	X, y := stepData(50, 7)
	m, err := Fit(X, y, nil, nil, XGBoostDefaults())
	require.NoError(t, err)
	_, err = m.PredictRow([]float64{1})
	assert.Error(t, err)
}

// lagData mimics lagged feature columns: lag columns are NaN until enough
// history exists.
func lagData(n int, seed int64) ([][]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	y := make([]float64, n)
	for i := range y {
		y[i] = 100 + 10*math.Sin(float64(i)/3) + rng.NormFloat64()
	}
	X := make([][]float64, n)
	for i := range X {
		lag1, lag7, lag30 := math.NaN(), math.NaN(), math.NaN()
		if i >= 1 {
			lag1 = y[i-1]
		}
		if i >= 7 {
			lag7 = y[i-7]
		}
		if i >= 30 {
			lag30 = y[i-30]
		}
		X[i] = []float64{float64(i % 7), lag1, lag7, lag30}
	}
	return X, y
}

func TestNaNFeaturesStayFinite(t *testing.T) {
	X, y := lagData(120, 8)
	for name, p := range map[string]Params{"lightgbm": LightGBMDefaults(), "xgboost": XGBoostDefaults()} {
		t.Run(name, func(t *testing.T) {
			p.NEstimators = 40
			m, err := Fit(X, y, nil, nil, p)
			require.NoError(t, err)
			for ti, tree := range m.Trees {
				for i, f := range tree.Feature {
					assert.False(t, math.IsNaN(tree.Value[i]), "tree %d node %d value", ti, i)
					if f >= 0 {
						assert.False(t, math.IsNaN(tree.Threshold[i]), "tree %d node %d threshold", ti, i)
					}
				}
			}
			require.NoError(t, m.Validate())

			data, err := json.Marshal(m)
			require.NoError(t, err)
			var back Model
			require.NoError(t, json.Unmarshal(data, &back))
			require.NoError(t, back.Validate())

			a, err := m.Predict(X)
			require.NoError(t, err)
			b, err := back.Predict(X)
			require.NoError(t, err)
			assert.Equal(t, a, b)
			base := make([]float64, len(y))
			for i := range base {
				base[i] = m.BaseScore
			}
			assert.Less(t, rmse(a, y), rmse(base, y))
		})
	}
}

func TestNaNRowsGoLeft(t *testing.T) {
	X := [][]float64{{math.NaN()}, {math.NaN()}, {1}, {2}, {10}, {11}}
	y := []float64{0, 0, 0, 0, 50, 50}
	p := XGBoostDefaults()
	p.NEstimators = 1
	p.LearningRate = 1
	p.Lambda = 0
	p.MaxDepth = 1
	m, err := Fit(X, y, nil, nil, p)
	require.NoError(t, err)
	tree := m.Trees[0]
	require.Equal(t, 0, tree.Feature[0])
	assert.Equal(t, 6.0, tree.Threshold[0])

	pred, err := m.Predict(X)
	require.NoError(t, err)
	assert.InDelta(t, 0, pred[0], 1e-9)
	assert.InDelta(t, 50, pred[5], 1e-9)
}
