package anomaly

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchanalytics/errs"
	"branchanalytics/models"
	"branchanalytics/registry"
)

func smallGrid() *Grid {
	return &Grid{
		NEstimators:   []int{50},
		Contamination: []float64{0.05, 0.1},
		MaxSamples:    []float64{0},
		MaxFeatures:   []float64{1},
		Bootstrap:     []bool{false},
	}
}

func TestTrainGroupsRegistersEveryGroup(t *testing.T) {
	f := newFixture(t, 90)
	ctx := context.Background()

	res, err := f.engine.TrainGroups(ctx, GroupOptions{BranchID: 1, EndDate: lastTrainingDay, Grid: smallGrid()})
	require.NoError(t, err)
	require.Len(t, res, 4)
	for _, g := range res {
		assert.Empty(t, g.Error, g.Group)
		assert.Equal(t, 2, g.Candidates)
		assert.Equal(t, 1, f.mem.ActiveCount(registry.GroupModelName(g.Group, 1)))
	}

	// material cost is never filled in the fixture
	c := res[2]
	assert.Equal(t, registry.GroupC, c.Group)
	assert.Equal(t, LabelsNone, c.LabelSource)
	assert.Nil(t, c.PseudoF1)

	b, err := f.reg.LoadIForest(ctx, res[0].Model)
	require.NoError(t, err)
	require.NotNil(t, b.NewMethod)
	assert.Equal(t, registry.GroupA, b.NewMethod.Group)
	assert.Equal(t, models.FieldTotalRevenue, b.NewMethod.ReferenceMetric)
	assert.Contains(t, b.NewMethod.DropCols, models.FieldMaterialCost)
	assert.NotContains(t, b.NewMethod.DropCols, models.FieldTotalRevenue)
}

func TestTrainGroupsRejectsUnknownGroup(t *testing.T) {
	f := newFixture(t, 40)
	_, err := f.engine.TrainGroups(context.Background(), GroupOptions{BranchID: 1, EndDate: lastTrainingDay, Groups: []string{"z"}, Grid: smallGrid()})
	assert.True(t, errs.Is(err, errs.KindInput))
}

func TestDetectEnsembleFlagsWhenAnyGroupFlags(t *testing.T) {
	f := newFixture(t, 90)
	ctx := context.Background()
	_, err := f.engine.TrainGroups(ctx, GroupOptions{BranchID: 1, EndDate: lastTrainingDay, Grid: smallGrid()})
	require.NoError(t, err)

	day := lastTrainingDay.AddDate(0, 0, 1)
	v := medianDay()
	v.revenue = 3_000_000
	f.addDay(t, day, v)

	res, err := f.engine.DetectEnsemble(ctx, 1, day)
	require.NoError(t, err)
	require.Len(t, res.Groups, 4)
	assert.True(t, res.IsAnomaly)

	maxScore := 0.0
	for _, g := range res.Groups {
		if g.Score > maxScore {
			maxScore = g.Score
		}
	}
	assert.Equal(t, maxScore, res.Score)

	require.NotEmpty(t, res.ExplainedBy)
	for _, g := range res.Groups {
		if g.Group == res.ExplainedBy {
			assert.True(t, g.IsAnomaly)
		}
	}

	_, err = f.engine.Detect(ctx, 1, day, DetectOptions{Ensemble: true})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindModelInconsistent), "the main model was never trained")
}

func TestDetectEnsembleWithoutModels(t *testing.T) {
	f := newFixture(t, 40)
	_, err := f.engine.DetectEnsemble(context.Background(), 1, lastTrainingDay)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindModelInconsistent))
	assert.Len(t, errs.DetailsOf(err)["tried_model_names"], 4)
}

func TestPseudoLabelsFallsBackToPctChange(t *testing.T) {
	var rows []models.DailyBranchMetrics
	for i := 0; i < 20; i++ {
		v := medianDay()
		v.revenue = float64(100 + i)
		if i >= 10 {
			v.revenue += 15
		}
		rows = append(rows, metricsRow(1, lastTrainingDay.AddDate(0, 0, i), v))
	}
	labels, source := PseudoLabels(rows, models.FieldTotalRevenue)
	require.NotNil(t, labels)
	assert.Equal(t, LabelsPctChange, source)
	n := 0
	for _, l := range labels {
		if l {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.True(t, labels[10])

	rows[5].TotalRevenue.Decimal = rows[5].TotalRevenue.Decimal.Mul(rows[5].TotalRevenue.Decimal)
	labels, source = PseudoLabels(rows, models.FieldTotalRevenue)
	assert.Equal(t, LabelsIQR, source)
	assert.True(t, labels[5])

	labels, source = PseudoLabels(rows, models.FieldMaterialCost)
	assert.Nil(t, labels)
	assert.Equal(t, LabelsNone, source)
}

func TestSeparationAndRanking(t *testing.T) {
	assert.Equal(t, 0.0, Separation([]float64{-0.5, -0.4}, []int{1, 1}))
	assert.Greater(t, Separation([]float64{-0.7, -0.45, -0.44, -0.43}, []int{-1, 1, 1, 1}), 0.0)

	cands := []*candidate{
		{separation: 2.0, f1: 0.5},
		{separation: 1.0, f1: 0.8},
		{separation: 3.0, f1: 0.1, err: assert.AnError},
	}
	rank(cands, true)
	assert.Equal(t, 0.8, cands[0].f1)
	rank(cands, false)
	assert.Equal(t, 2.0, cands[0].separation)
	assert.Error(t, cands[2].err)
}
