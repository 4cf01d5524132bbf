package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"branchanalytics/anomaly"
	"branchanalytics/confidence"
	"branchanalytics/distribution"
	"branchanalytics/events"
	"branchanalytics/forecast"
	"branchanalytics/historical"
	"branchanalytics/llm"
	"branchanalytics/models"
	"branchanalytics/store"
)

var reportDay = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

func addMetrics(t *testing.T, mem *store.Memory, branchID int, day time.Time, revenue float64, orders int) {
	t.Helper()
	customers := orders - 15
	review := 4.5
	peak := 9
	m := models.DailyBranchMetrics{
		BranchID:       branchID,
		ReportDate:     day,
		TotalRevenue:   decimal.NewNullDecimal(decimal.NewFromFloat(revenue)),
		OrderCount:     &orders,
		AvgOrderValue:  decimal.NewNullDecimal(decimal.NewFromFloat(revenue / float64(orders)).Round(2)),
		CustomerCount:  &customers,
		AvgReviewScore: &review,
		PeakHour:       &peak,
	}
	m.SetCalendar()
	_, _, err := mem.UpsertDailyMetrics(context.Background(), &m)
	require.NoError(t, err)
}

type fakeDetector struct {
	det   *anomaly.Detection
	err   error
	wait  <-chan struct{}
	calls int
	mu    sync.Mutex
	conc  bool
}

func (f *fakeDetector) Detect(_ context.Context, branchID int, day time.Time, opts anomaly.DetectOptions) (*anomaly.Detection, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.wait != nil {
		select {
		case <-f.wait:
			f.conc = true
		case <-time.After(2 * time.Second):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	d := *f.det
	d.BranchID = branchID
	d.Date = day.Format(models.DateLayout)
	return &d, nil
}

type fakeForecaster struct {
	started chan struct{}
	err     error
	once    sync.Once
}

func (f *fakeForecaster) Predict(_ context.Context, opts forecast.ForecastOptions) (*forecast.Forecast, error) {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.err != nil {
		return nil, f.err
	}
	start := opts.Date.AddDate(0, 0, 1)
	var pts []forecast.Point
	for i := 0; i < opts.Days; i++ {
		d := start.AddDate(0, 0, i)
		pts = append(pts, forecast.Point{Date: d.Format(models.DateLayout), DS: d, Yhat: 12_000_000, Lower: 10_000_000, Upper: 14_000_000})
	}
	return &forecast.Forecast{
		BranchID:   opts.BranchID,
		Target:     opts.Target,
		Points:     pts,
		StartDate:  pts[0].Date,
		EndDate:    pts[len(pts)-1].Date,
		Evaluation: map[string]float64{"mape": 8, "coverage": 0.85},
	}, nil
}

type fakeAnalyzer struct {
	err   error
	calls int
	last  llm.Request
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req llm.Request) (*llm.Analysis, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	text := "Doanh thu đạt 12.500.000 đồng, số đơn 250, giá trị đơn trung bình 50.000 đồng, khách hàng 235, điểm đánh giá 4,5.\n" +
		"Bất thường: total_revenue tăng mạnh.\n\nKhuyến nghị:\n- Tăng nhân sự ca sáng\n- Kiểm tra tồn kho"
	return &llm.Analysis{Text: text, Recommendations: confidence.ExtractRecommendations(text), Provider: llm.ProviderGemini}, nil
}

type recordingSender struct{ sent []distribution.Message }

func (r *recordingSender) Send(_ context.Context, m distribution.Message) error {
	r.sent = append(r.sent, m)
	return nil
}

type harness struct {
	mem      *store.Memory
	detector *fakeDetector
	fc       *fakeForecaster
	analyzer *fakeAnalyzer
	mail     *recordingSender
	events   *events.Recorder
	orch     *Orchestrator
}

func detection() *anomaly.Detection {
	return &anomaly.Detection{
		IsAnomaly:  true,
		Score:      0.82,
		Confidence: 0.88,
		Severity:   models.SeverityHigh,
		Historical: &historical.Result{IsAnomaly: true, Anomalies: []historical.FeatureAnomaly{{Feature: models.FieldTotalRevenue}}},
		Explanations: []historical.Explanation{
			{Feature: models.FieldTotalRevenue, ZScore: 3.4, Direction: "up"},
			{Feature: models.FieldOrderCount, ZScore: 1.1, Direction: "up"},
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mem:      store.NewMemory(),
		detector: &fakeDetector{det: detection()},
		fc:       &fakeForecaster{},
		analyzer: &fakeAnalyzer{},
		mail:     &recordingSender{},
		events:   &events.Recorder{},
	}
	for i := 30; i >= 1; i-- {
		addMetrics(t, h.mem, 1, reportDay.AddDate(0, 0, -i), 10_000_000, 240)
	}
	addMetrics(t, h.mem, 1, reportDay, 12_500_000, 250)

	cfg := DefaultSnapshotConfig()
	collector := NewCollector(h.mem, h.detector, h.fc, nil, cfg, zap.NewNop())
	scorer := confidence.NewScorer(h.mem, zap.NewNop())
	dist := distribution.New(h.mem, h.mail, h.events, []string{"ops@example.com"}, zap.NewNop())
	h.orch = NewOrchestrator(Deps{
		Reports:   h.mem,
		Metrics:   h.mem,
		Collector: collector,
		Analyzer:  h.analyzer,
		Scorer:    scorer,
		Sender:    dist,
		Events:    h.events,
	}, zap.NewNop())
	return h
}

func TestRunDailyGeneratesAndSends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.RunDaily(ctx, reportDay, []int{1, 2})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "2024-07-01", res.ReportDate)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Branches, 2)

	b1 := res.Branches[0]
	assert.Equal(t, ActionSent, b1.Action)
	assert.NotZero(t, b1.ReportID)
	assert.False(t, b1.Fallback)

	b2 := res.Branches[1]
	assert.Equal(t, ActionError, b2.Action)
	assert.Contains(t, b2.Error, "generate")

	rep, err := h.mem.GetReport(ctx, 1, reportDay)
	require.NoError(t, err)
	assert.True(t, rep.IsSent)
	assert.Equal(t, models.ToolTypeDailyReport, rep.ToolType)
	for _, k := range []string{"metrics", "anomaly", "forecast", "historical"} {
		assert.Contains(t, rep.RawData, k)
	}
	assert.InDelta(t, 12_500_000, rep.Summary[models.FieldTotalRevenue], 1e-6)
	assert.Equal(t, []string{"Tăng nhân sự ca sáng", "Kiểm tra tồn kho"}, rep.Recommendations)
	assert.InDelta(t, 0.6*0.88+0.4*0.92, rep.MLConfidence, 1e-4)
	assert.Equal(t, confidence.NeutralHistorical, rep.HistoricalAccuracyScore)
	assert.Equal(t, rep.OverallConfidence, b1.Confidence)
	assert.NotEmpty(t, rep.ConfidenceLevel)

	assert.Equal(t, []string{models.FieldTotalRevenue}, h.analyzer.last.AnomalousFeatures)
	assert.Len(t, h.mail.sent, 1)
	assert.Equal(t, []string{events.TypeReportGenerated, events.TypeReportSent}, h.events.Types())
}

func TestRunDailyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.RunDaily(ctx, reportDay, []int{1})
	require.NoError(t, err)
	first, err := h.mem.GetReport(ctx, 1, reportDay)
	require.NoError(t, err)

	res, err := h.orch.RunDaily(ctx, reportDay, []int{1})
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, res.Branches[0].Action)
	assert.Equal(t, first.ID, res.Branches[0].ReportID)

	list, total, err := h.mem.ListReports(ctx, store.ReportFilter{BranchID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)
	assert.Equal(t, 1, h.analyzer.calls)
	assert.Len(t, h.mail.sent, 1)
}

func TestUnsentReportIsOnlySent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	existing := &models.Report{BranchID: 1, ReportDate: reportDay, Analysis: "Doanh thu ổn định.", ConfidenceLevel: confidence.LevelMedium}
	_, err := h.mem.UpsertReport(ctx, existing)
	require.NoError(t, err)

	out := h.orch.ProcessBranch(ctx, 1, reportDay, "run-1")
	assert.Equal(t, ActionResent, out.Action)
	assert.Equal(t, existing.ID, out.ReportID)
	assert.Zero(t, h.analyzer.calls)
	assert.Zero(t, h.detector.calls)

	rep, err := h.mem.GetReportByID(ctx, existing.ID)
	require.NoError(t, err)
	assert.True(t, rep.IsSent)
	assert.Equal(t, "Doanh thu ổn định.", rep.Analysis)
}

func TestAnalyzerFailureDegradesReport(t *testing.T) {
	h := newHarness(t)
	h.analyzer.err = errors.New("quota exceeded")
	ctx := context.Background()

	out := h.orch.ProcessBranch(ctx, 1, reportDay, "run-1")
	assert.Equal(t, ActionSent, out.Action)
	assert.True(t, out.Fallback)

	rep, err := h.mem.GetReport(ctx, 1, reportDay)
	require.NoError(t, err)
	var types []string
	for _, f := range rep.ValidationFlags {
		types = append(types, f.Type)
	}
	assert.Contains(t, types, "analysis_fallback")
	assert.Contains(t, rep.Analysis, models.FieldTotalRevenue)
}

func TestModelFailuresAreRecordedInSnapshot(t *testing.T) {
	h := newHarness(t)
	h.detector.err = errors.New("no active model")
	h.fc.err = errors.New("no forecast model")
	ctx := context.Background()

	snap, err := h.orch.collector.Collect(ctx, 1, reportDay)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"error": "no active model"}, snap.Data[confidence.SourceAnomaly])
	assert.Equal(t, map[string]interface{}{"error": "no forecast model"}, snap.Data[confidence.SourceForecast])
	assert.Empty(t, snap.AnomalousFeatures)

	ml, _ := confidence.MLConfidence(snap.Data)
	assert.Equal(t, 0.5, ml)
}

func TestCollectRunsAnomalyAndForecastConcurrently(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.fc.started = started
	h.detector.wait = started

	snap, err := h.orch.collector.Collect(context.Background(), 1, reportDay)
	require.NoError(t, err)
	assert.True(t, h.detector.conc)
	require.NotNil(t, snap.Forecast)
	fc := snap.Data[confidence.SourceForecast].(map[string]interface{})
	assert.Equal(t, 0.92, fc["confidence"])
	assert.Len(t, fc["points"], 7)
}

func TestCollectNeedsMetrics(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.collector.Collect(context.Background(), 1, reportDay.AddDate(0, 0, 1))
	assert.Error(t, err)
}

func TestAnomalousFeatures(t *testing.T) {
	d := detection()
	d.Ensemble = &anomaly.EnsembleResult{IsAnomaly: true, Explanations: []historical.Explanation{
		{Feature: models.FieldWastePercentage, ZScore: -2.5},
		{Feature: models.FieldAvgReviewScore, ZScore: 0.4},
	}}
	assert.Equal(t, []string{models.FieldTotalRevenue, models.FieldWastePercentage}, AnomalousFeatures(d))

	d.IsAnomaly = false
	assert.Equal(t, []string{models.FieldTotalRevenue}, AnomalousFeatures(d))
	assert.Nil(t, AnomalousFeatures(nil))
}

func TestForecastConfidence(t *testing.T) {
	c, ok := ForecastConfidence(map[string]float64{"mape": 12, "coverage": 0.5})
	assert.True(t, ok)
	assert.InDelta(t, 0.88, c, 1e-9)

	c, ok = ForecastConfidence(map[string]float64{"coverage": 0.8})
	assert.True(t, ok)
	assert.InDelta(t, 0.8, c, 1e-9)

	c, ok = ForecastConfidence(map[string]float64{"mape": 250})
	assert.True(t, ok)
	assert.Equal(t, 0.0, c)

	_, ok = ForecastConfidence(nil)
	assert.False(t, ok)
}

type fakeRunner struct {
	mu   sync.Mutex
	days []time.Time
}

func (f *fakeRunner) RunDaily(_ context.Context, day time.Time, branchIDs []int) (*RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, day)
	return &RunResult{ReportDate: day.Format(models.DateLayout), Succeeded: len(branchIDs)}, nil
}

func TestScheduler(t *testing.T) {
	_, err := NewScheduler("not a spec", time.UTC, &fakeRunner{}, nil, zap.NewNop())
	assert.Error(t, err)

	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	require.NoError(t, err)
	r := &fakeRunner{}
	s, err := NewScheduler("0 23 * * *", loc, r, []int{1, 2}, zap.NewNop())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 7, 2, 0, 30, 0, 0, loc) }

	s.tick()
	require.Len(t, r.days, 1)
	assert.Equal(t, "2024-07-01", r.days[0].Format(models.DateLayout))
	require.NotNil(t, s.Last())
	assert.Equal(t, 2, s.Last().Succeeded)

	s.Start()
	next := s.Next()
	assert.Equal(t, 23, next.In(loc).Hour())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
