package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"branchanalytics/aggregator"
	"branchanalytics/confidence"
	"branchanalytics/errs"
	"branchanalytics/events"
	"branchanalytics/llm"
	"branchanalytics/models"
	"branchanalytics/store"
)

// Branch actions of a run.
const (
	ActionSent      = "sent"
	ActionResent    = "resent"
	ActionGenerated = "generated"
	ActionSkipped   = "skipped"
	ActionError     = "error"
)

// Aggregator refreshes the daily metrics before reports are generated.
type Aggregator interface {
	ComputeAndStore(ctx context.Context, day time.Time, branchIDs []int) ([]aggregator.BranchResult, error)
}

// ReportSender mails a stored report and marks it sent.
type ReportSender interface {
	Send(ctx context.Context, r *models.Report) error
}

// BranchOutcome is the result of one branch in a run.
type BranchOutcome struct {
	BranchID   int     `json:"branch_id"`
	Action     string  `json:"action"`
	ReportID   int64   `json:"report_id,omitempty"`
	Confidence float64 `json:"overall_confidence,omitempty"`
	Level      string  `json:"confidence_level,omitempty"`
	Fallback   bool    `json:"fallback_analysis,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// RunResult is the outcome of a daily run.
type RunResult struct {
	RunID      string          `json:"run_id"`
	ReportDate string          `json:"report_date"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Branches   []BranchOutcome `json:"branches"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Warnings   []string        `json:"warnings,omitempty"`
}

// Orchestrator runs the report steps for each branch of a day.
type Orchestrator struct {
	reports    store.ReportStore
	metrics    store.MetricsStore
	aggregator Aggregator
	collector  *Collector
	analyzer   llm.Analyzer
	scorer     *confidence.Scorer
	sender     ReportSender
	events     events.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

// Deps are the collaborators of an Orchestrator. Aggregator, Analyzer,
// Sender and Events may be nil.
type Deps struct {
	Reports    store.ReportStore
	Metrics    store.MetricsStore
	Aggregator Aggregator
	Collector  *Collector
	Analyzer   llm.Analyzer
	Scorer     *confidence.Scorer
	Sender     ReportSender
	Events     events.Publisher
}

func NewOrchestrator(d Deps, logger *zap.Logger) *Orchestrator {
	pub := d.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Orchestrator{
		reports:    d.Reports,
		metrics:    d.Metrics,
		aggregator: d.Aggregator,
		collector:  d.Collector,
		analyzer:   d.Analyzer,
		scorer:     d.Scorer,
		sender:     d.Sender,
		events:     pub,
		logger:     logger.Named("pipeline"),
		now:        time.Now,
	}
}

// RunDaily generates and sends the reports of day. An empty branchIDs means
// every branch with stored metrics. Branch failures are recorded and the run
// continues.
func (o *Orchestrator) RunDaily(ctx context.Context, day time.Time, branchIDs []int) (*RunResult, error) {
	day = models.DateOnly(day)
	res := &RunResult{
		RunID:      events.NewRunID(),
		ReportDate: day.Format(models.DateLayout),
		StartedAt:  o.now().UTC(),
	}
	logger := o.logger.With(zap.String("run_id", res.RunID), zap.String("report_date", res.ReportDate))

	if o.aggregator != nil {
		results, err := o.aggregator.ComputeAndStore(ctx, day, branchIDs)
		if err != nil {
			logger.Warn("metrics aggregation failed, using stored metrics", zap.Error(err))
			res.Warnings = append(res.Warnings, "aggregation: "+err.Error())
		}
		for _, r := range results {
			if r.Action == aggregator.ActionError {
				res.Warnings = append(res.Warnings, fmt.Sprintf("aggregation of branch %d: %s", r.BranchID, r.Error))
			}
		}
	}
	if len(branchIDs) == 0 {
		ids, err := o.metrics.BranchIDs(ctx)
		if err != nil {
			return nil, err
		}
		branchIDs = ids
	}

	logger.Info("daily run started", zap.Ints("branches", branchIDs))
	for _, id := range branchIDs {
		if err := ctx.Err(); err != nil {
			res.Warnings = append(res.Warnings, "run cancelled: "+err.Error())
			break
		}
		out := o.safeProcess(ctx, id, day, res.RunID)
		if out.Action == ActionError {
			res.Failed++
		} else {
			res.Succeeded++
		}
		res.Branches = append(res.Branches, out)
	}
	res.FinishedAt = o.now().UTC()
	logger.Info("daily run finished",
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)))
	return res, nil
}

// safeProcess turns a panic in one branch into a failed outcome.
func (o *Orchestrator) safeProcess(ctx context.Context, branchID int, day time.Time, runID string) (out BranchOutcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("branch panicked", zap.Int("branch_id", branchID), zap.Any("panic", r), zap.Stack("stack"))
			out = BranchOutcome{BranchID: branchID, Action: ActionError, Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()
	return o.ProcessBranch(ctx, branchID, day, runID)
}

// ProcessBranch runs every step for one branch day. A report that exists and
// is unsent is only sent; a sent report is left alone.
func (o *Orchestrator) ProcessBranch(ctx context.Context, branchID int, day time.Time, runID string) BranchOutcome {
	day = models.DateOnly(day)
	out := BranchOutcome{BranchID: branchID}
	logger := o.logger.With(zap.Int("branch_id", branchID), zap.String("report_date", day.Format(models.DateLayout)), zap.String("run_id", runID))
	fail := func(step string, err error) BranchOutcome {
		if errs.KindOf(err) == errs.KindInternal {
			logger.Error(step+" failed", zap.Error(err), zap.Stack("stack"))
		} else {
			logger.Warn(step+" failed", zap.Error(err))
		}
		out.Action = ActionError
		out.Error = step + ": " + errs.Message(err)
		return out
	}

	existing, err := o.reports.GetReport(ctx, branchID, day)
	switch {
	case err == nil && existing.IsSent:
		out.Action = ActionSkipped
		out.ReportID = existing.ID
		out.Confidence, out.Level = existing.OverallConfidence, existing.ConfidenceLevel
		return out
	case err == nil:
		out.ReportID = existing.ID
		out.Confidence, out.Level = existing.OverallConfidence, existing.ConfidenceLevel
		if o.sender == nil {
			out.Action = ActionGenerated
			return out
		}
		if err := o.sender.Send(ctx, existing); err != nil {
			return fail("send", err)
		}
		out.Action = ActionResent
		return out
	case !errs.Is(err, errs.KindNotFound):
		return fail("load report", err)
	}

	rep, analysis, err := o.Generate(ctx, branchID, day, runID)
	if err != nil {
		return fail("generate", err)
	}
	out.ReportID = rep.ID
	out.Confidence, out.Level = rep.OverallConfidence, rep.ConfidenceLevel
	out.Fallback = analysis.Fallback
	out.Action = ActionGenerated
	if o.sender == nil {
		return out
	}
	if err := o.sender.Send(ctx, rep); err != nil {
		return fail("send", err)
	}
	out.Action = ActionSent
	return out
}

// Generate collects, analyses, scores and stores the report of one branch
// day, replacing any stored report of that day.
func (o *Orchestrator) Generate(ctx context.Context, branchID int, day time.Time, runID string) (*models.Report, *llm.Analysis, error) {
	day = models.DateOnly(day)
	snap, err := o.collector.Collect(ctx, branchID, day)
	if err != nil {
		return nil, nil, err
	}

	analysis := llm.WithFallback(ctx, o.analyzer, llm.Request{
		BranchID:          branchID,
		Date:              day.Format(models.DateLayout),
		Snapshot:          snap.Data,
		AnomalousFeatures: snap.AnomalousFeatures,
	}, o.logger)

	conf, err := o.scorer.Score(ctx, confidence.Input{
		BranchID:        branchID,
		DataDate:        day,
		Snapshot:        snap.Data,
		Analysis:        analysis.Text,
		Recommendations: analysis.Recommendations,
	})
	if err != nil {
		return nil, nil, err
	}

	raw, err := confidence.Generic(snap.Data)
	if err != nil {
		return nil, nil, errs.Internal("encode snapshot", err)
	}
	rawMap, _ := raw.(map[string]interface{})
	rep := &models.Report{
		BranchID:        branchID,
		ReportDate:      day,
		ToolType:        models.ToolTypeDailyReport,
		Analysis:        analysis.Text,
		Summary:         summary(snap.Metrics),
		Recommendations: analysis.Recommendations,
		RawData:         models.JSONB(rawMap),
	}
	conf.Apply(rep)
	if analysis.Fallback {
		rep.ValidationFlags = append(rep.ValidationFlags, models.ValidationFlag{
			Type:     "analysis_fallback",
			Message:  "The analysis was generated from a template",
			Severity: "medium",
			Score:    conf.AIQuality,
		})
	}
	if _, err := o.reports.UpsertReport(ctx, rep); err != nil {
		return nil, nil, err
	}

	if err := o.events.Publish(ctx, events.Event{
		Type:     events.TypeReportGenerated,
		BranchID: branchID,
		RunID:    runID,
		Payload: map[string]interface{}{
			"report_id":          rep.ID,
			"report_date":        day.Format(models.DateLayout),
			"overall_confidence": rep.OverallConfidence,
			"confidence_level":   rep.ConfidenceLevel,
			"anomalous_features": snap.AnomalousFeatures,
		},
	}); err != nil {
		o.logger.Warn("publish report.generated", zap.Int64("report_id", rep.ID), zap.Error(err))
	}
	o.logger.Info("report generated",
		zap.Int("branch_id", branchID),
		zap.String("report_date", day.Format(models.DateLayout)),
		zap.Int64("report_id", rep.ID),
		zap.Float64("overall_confidence", rep.OverallConfidence),
		zap.String("confidence_level", rep.ConfidenceLevel))
	return rep, analysis, nil
}

// summaryFields are copied from the metrics row into the report summary.
var summaryFields = []string{
	models.FieldTotalRevenue,
	models.FieldOrderCount,
	models.FieldAvgOrderValue,
	models.FieldCustomerCount,
	models.FieldNewCustomers,
	models.FieldAvgReviewScore,
	models.FieldPeakHour,
}

func summary(m *models.DailyBranchMetrics) models.JSONB {
	out := models.JSONB{}
	for _, f := range summaryFields {
		if v, ok, _ := m.Value(f); ok {
			out[f] = v
		}
	}
	return out
}
