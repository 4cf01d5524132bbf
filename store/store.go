// Package store defines the persistence contracts of the analytics database
// and an in-memory implementation used by tests and local runs. The pgx
// implementation lives in package database.
package store

import (
	"context"
	"sort"
	"time"

	"branchanalytics/models"
)

// MetricsStore persists DailyBranchMetrics keyed by (branch_id, report_date).
type MetricsStore interface {
	// UpsertDailyMetrics inserts or updates the row for (BranchID, ReportDate)
	// and reports whether a new row was created.
	UpsertDailyMetrics(ctx context.Context, m *models.DailyBranchMetrics) (id int64, created bool, err error)
	// GetDailyMetrics returns errs.NotFound when no row exists.
	GetDailyMetrics(ctx context.Context, branchID int, day time.Time) (*models.DailyBranchMetrics, error)
	// ListDailyMetrics returns rows with from <= report_date <= to ordered by
	// date. branchID 0 means every branch.
	ListDailyMetrics(ctx context.Context, branchID int, from, to time.Time) ([]models.DailyBranchMetrics, error)
	BranchIDs(ctx context.Context) ([]int, error)
}

// ModelStore is the model registry table.
type ModelStore interface {
	// SaveModel inserts m. When activate is true every other row with the same
	// model_name is deactivated in the same transaction.
	SaveModel(ctx context.Context, m *models.MLModel, activate bool) (int64, error)
	GetModel(ctx context.Context, id int64) (*models.MLModel, error)
	ActiveModel(ctx context.Context, name string) (*models.MLModel, error)
	// ActivateModel makes id the only active row of its name.
	ActivateModel(ctx context.Context, id int64) error
	// ModelHistory lists rows for the given names, newest first, without bundles.
	ModelHistory(ctx context.Context, names []string, limit int) ([]models.MLModel, error)
	ModelVersions(ctx context.Context, name string) ([]string, error)
}

// AnomalyStore persists anomaly verdicts.
type AnomalyStore interface {
	// SaveAnomaly upserts on (branch_id, analysis_date, model_id).
	SaveAnomaly(ctx context.Context, r *models.AnomalyResult) (int64, error)
	GetAnomaly(ctx context.Context, id int64) (*models.AnomalyResult, error)
	ListAnomalies(ctx context.Context, branchID int, from, to time.Time) ([]models.AnomalyResult, error)
	// UpdateAnomalyStatus applies a status transition. It returns errs.Input
	// when the transition is not allowed.
	UpdateAnomalyStatus(ctx context.Context, id int64, status, notes, by string, at time.Time) (*models.AnomalyResult, error)
}

// ForecastStore persists forecasts.
type ForecastStore interface {
	// SaveForecast upserts on (branch_id, forecast_date, model_id, target_metric).
	SaveForecast(ctx context.Context, f *models.ForecastResult) (int64, error)
	// LatestForecasts returns up to limit forecasts of a branch, newest first.
	LatestForecasts(ctx context.Context, branchID int, limit int) ([]models.ForecastResult, error)
}

// ReportFilter selects reports for listing.
type ReportFilter struct {
	BranchID int
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// ReportStore persists daily reports keyed by (branch_id, report_date).
type ReportStore interface {
	GetReport(ctx context.Context, branchID int, day time.Time) (*models.Report, error)
	GetReportByID(ctx context.Context, id int64) (*models.Report, error)
	// UpsertReport replaces the report of (BranchID, ReportDate), keeping its id.
	UpsertReport(ctx context.Context, r *models.Report) (int64, error)
	MarkReportSent(ctx context.Context, id int64, at time.Time) error
	ListReports(ctx context.Context, f ReportFilter) ([]models.Report, int, error)
}

// Store is the whole analytics database.
type Store interface {
	MetricsStore
	ModelStore
	AnomalyStore
	ForecastStore
	ReportStore
	Ping(ctx context.Context) error
}

// Granularity of a period summary.
type Granularity string

const (
	Monthly Granularity = "monthly"
	Yearly  Granularity = "yearly"
)

// Summarize folds daily rows into per-period totals. With perBranch false
// every branch is merged into one summary per period.
func Summarize(rows []models.DailyBranchMetrics, g Granularity, perBranch bool) []models.PeriodSummary {
	type key struct {
		branch int
		period string
	}
	type acc struct {
		s         models.PeriodSummary
		reviewSum float64
		reviewN   int
	}
	byKey := map[key]*acc{}
	for i := range rows {
		r := &rows[i]
		period := r.ReportDate.Format("2006-01")
		if g == Yearly {
			period = r.ReportDate.Format("2006")
		}
		k := key{period: period}
		if perBranch {
			k.branch = r.BranchID
		}
		a, ok := byKey[k]
		if !ok {
			a = &acc{s: models.PeriodSummary{BranchID: k.branch, Period: period}}
			byKey[k] = a
		}
		a.s.Days++
		a.s.TotalRevenue += r.Float(models.FieldTotalRevenue)
		a.s.TotalOrders += int(r.Float(models.FieldOrderCount))
		a.s.TotalCustomers += int(r.Float(models.FieldCustomerCount))
		a.s.TotalMaterialCost += r.Float(models.FieldMaterialCost)
		if v, ok, _ := r.Value(models.FieldAvgReviewScore); ok {
			a.reviewSum += v
			a.reviewN++
		}
	}

	out := make([]models.PeriodSummary, 0, len(byKey))
	for _, a := range byKey {
		if a.s.TotalOrders > 0 {
			a.s.AvgOrderValue = a.s.TotalRevenue / float64(a.s.TotalOrders)
		}
		if a.reviewN > 0 {
			a.s.AvgReviewScore = a.reviewSum / float64(a.reviewN)
		}
		out = append(out, a.s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period < out[j].Period
		}
		return out[i].BranchID < out[j].BranchID
	})
	return out
}
