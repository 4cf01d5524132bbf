package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"branchanalytics/errs"
	"branchanalytics/models"
	"branchanalytics/store"
	"branchanalytics/utils"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an open pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func dbErr(op string, err error) error {
	if isMissingRelation(err) {
		return errs.Internal(op+": schema not migrated", err)
	}
	return errs.Internal(op, err)
}

// --- daily_branch_metrics ---

const metricsColumns = `id, branch_id, report_date, total_revenue, order_count, avg_order_value, peak_hour,
	customer_count, new_customers, repeat_customers, unique_products_sold, top_selling_product_id,
	product_diversity_score, day_of_week, is_weekend, avg_preparation_time_seconds, staff_efficiency_score,
	avg_review_score, material_cost, waste_percentage, low_stock_products, out_of_stock_products,
	created_at, updated_at`

func scanMetrics(row pgx.Row) (*models.DailyBranchMetrics, error) {
	var m models.DailyBranchMetrics
	err := row.Scan(
		&m.ID, &m.BranchID, &m.ReportDate, &m.TotalRevenue, &m.OrderCount, &m.AvgOrderValue, &m.PeakHour,
		&m.CustomerCount, &m.NewCustomers, &m.RepeatCustomers, &m.UniqueProductsSold, &m.TopSellingProductID,
		&m.ProductDiversityScore, &m.DayOfWeek, &m.IsWeekend, &m.AvgPreparationTimeSeconds, &m.StaffEfficiencyScore,
		&m.AvgReviewScore, &m.MaterialCost, &m.WastePercentage, &m.LowStockProducts, &m.OutOfStockProducts,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) UpsertDailyMetrics(ctx context.Context, m *models.DailyBranchMetrics) (int64, bool, error) {
	query := `
		INSERT INTO daily_branch_metrics (
			branch_id, report_date, total_revenue, order_count, avg_order_value, peak_hour,
			customer_count, new_customers, repeat_customers, unique_products_sold, top_selling_product_id,
			product_diversity_score, day_of_week, is_weekend, avg_preparation_time_seconds, staff_efficiency_score,
			avg_review_score, material_cost, waste_percentage, low_stock_products, out_of_stock_products
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (branch_id, report_date) DO UPDATE SET
			total_revenue = EXCLUDED.total_revenue,
			order_count = EXCLUDED.order_count,
			avg_order_value = EXCLUDED.avg_order_value,
			peak_hour = EXCLUDED.peak_hour,
			customer_count = EXCLUDED.customer_count,
			new_customers = EXCLUDED.new_customers,
			repeat_customers = EXCLUDED.repeat_customers,
			unique_products_sold = EXCLUDED.unique_products_sold,
			top_selling_product_id = EXCLUDED.top_selling_product_id,
			product_diversity_score = EXCLUDED.product_diversity_score,
			day_of_week = EXCLUDED.day_of_week,
			is_weekend = EXCLUDED.is_weekend,
			avg_preparation_time_seconds = EXCLUDED.avg_preparation_time_seconds,
			staff_efficiency_score = EXCLUDED.staff_efficiency_score,
			avg_review_score = EXCLUDED.avg_review_score,
			material_cost = EXCLUDED.material_cost,
			waste_percentage = EXCLUDED.waste_percentage,
			low_stock_products = EXCLUDED.low_stock_products,
			out_of_stock_products = EXCLUDED.out_of_stock_products,
			updated_at = NOW()
		RETURNING id, (xmax = 0) AS inserted`

	var id int64
	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		m.BranchID, m.ReportDate, m.TotalRevenue, m.OrderCount, m.AvgOrderValue, m.PeakHour,
		m.CustomerCount, m.NewCustomers, m.RepeatCustomers, m.UniqueProductsSold, m.TopSellingProductID,
		m.ProductDiversityScore, m.DayOfWeek, m.IsWeekend, m.AvgPreparationTimeSeconds, m.StaffEfficiencyScore,
		m.AvgReviewScore, m.MaterialCost, m.WastePercentage, m.LowStockProducts, m.OutOfStockProducts,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, dbErr("upsert daily metrics", err)
	}
	return id, inserted, nil
}

func (s *Store) GetDailyMetrics(ctx context.Context, branchID int, day time.Time) (*models.DailyBranchMetrics, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+metricsColumns+` FROM daily_branch_metrics WHERE branch_id = $1 AND report_date = $2`,
		branchID, day)
	m, err := scanMetrics(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("no metrics for branch %d on %s", branchID, day.Format(models.DateLayout))
	}
	if err != nil {
		return nil, dbErr("get daily metrics", err)
	}
	return m, nil
}

func (s *Store) ListDailyMetrics(ctx context.Context, branchID int, from, to time.Time) ([]models.DailyBranchMetrics, error) {
	query := `SELECT ` + metricsColumns + ` FROM daily_branch_metrics
		WHERE report_date BETWEEN $1 AND $2 AND ($3 = 0 OR branch_id = $3)
		ORDER BY report_date, branch_id`
	rows, err := s.pool.Query(ctx, query, from, to, branchID)
	if err != nil {
		return nil, dbErr("list daily metrics", err)
	}
	defer rows.Close()

	var out []models.DailyBranchMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, dbErr("scan daily metrics", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list daily metrics", err)
	}
	return out, nil
}

func (s *Store) BranchIDs(ctx context.Context) ([]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT branch_id FROM daily_branch_metrics ORDER BY branch_id`)
	if err != nil {
		return nil, dbErr("list branch ids", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int])
}

// --- ml_models ---

const modelColumns = `id, model_name, model_version, model_type, artifact_key, hyperparameters, feature_list,
	training_start_date, training_end_date, training_samples, performance_metrics, is_active, is_production,
	trained_at, created_by`

func scanModel(row pgx.Row, withBundle bool) (*models.MLModel, error) {
	var m models.MLModel
	var start, end *time.Time
	dest := []interface{}{
		&m.ID, &m.ModelName, &m.ModelVersion, &m.ModelType, &m.ArtifactKey, &m.Hyperparameters, &m.FeatureList,
		&start, &end, &m.TrainingSamples, &m.PerformanceMetrics, &m.IsActive, &m.IsProduction,
		&m.TrainedAt, &m.CreatedBy,
	}
	if withBundle {
		dest = append(dest, &m.Bundle)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if start != nil {
		m.TrainingStartDate = *start
	}
	if end != nil {
		m.TrainingEndDate = *end
	}
	return &m, nil
}

func (s *Store) SaveModel(ctx context.Context, m *models.MLModel, activate bool) (int64, error) {
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if activate {
			if _, err := tx.Exec(ctx,
				`UPDATE ml_models SET is_active = FALSE WHERE model_name = $1 AND is_active`, m.ModelName); err != nil {
				return fmt.Errorf("deactivate previous versions: %w", err)
			}
		}
		return tx.QueryRow(ctx, `
			INSERT INTO ml_models (model_name, model_version, model_type, bundle, artifact_key, hyperparameters,
				feature_list, training_start_date, training_end_date, training_samples, performance_metrics,
				is_active, is_production, created_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			RETURNING id, trained_at`,
			m.ModelName, m.ModelVersion, m.ModelType, m.Bundle, m.ArtifactKey, m.Hyperparameters,
			m.FeatureList, m.TrainingStartDate, m.TrainingEndDate, m.TrainingSamples, m.PerformanceMetrics,
			activate, m.IsProduction, m.CreatedBy,
		).Scan(&m.ID, &m.TrainedAt)
	})
	if err != nil {
		return 0, dbErr("save model", err)
	}
	m.IsActive = activate
	return m.ID, nil
}

func (s *Store) GetModel(ctx context.Context, id int64) (*models.MLModel, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+modelColumns+`, bundle FROM ml_models WHERE id = $1`, id)
	m, err := scanModel(row, true)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("model %d not found", id)
	}
	if err != nil {
		return nil, dbErr("get model", err)
	}
	return m, nil
}

func (s *Store) ActiveModel(ctx context.Context, name string) (*models.MLModel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+modelColumns+`, bundle FROM ml_models WHERE model_name = $1 AND is_active
		 ORDER BY trained_at DESC LIMIT 1`, name)
	m, err := scanModel(row, true)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("no active model named %s", name)
	}
	if err != nil {
		return nil, dbErr("get active model", err)
	}
	return m, nil
}

func (s *Store) ActivateModel(ctx context.Context, id int64) error {
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var name string
		if err := tx.QueryRow(ctx, `SELECT model_name FROM ml_models WHERE id = $1 FOR UPDATE`, id).Scan(&name); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE ml_models SET is_active = FALSE WHERE model_name = $1 AND is_active`, name); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE ml_models SET is_active = TRUE WHERE id = $1`, id)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.NotFound("model %d not found", id)
	}
	if err != nil {
		return dbErr("activate model", err)
	}
	return nil
}

func (s *Store) ModelHistory(ctx context.Context, names []string, limit int) ([]models.MLModel, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+modelColumns+` FROM ml_models WHERE model_name = ANY($1)
		 ORDER BY trained_at DESC, id DESC LIMIT $2`, names, limit)
	if err != nil {
		return nil, dbErr("model history", err)
	}
	defer rows.Close()

	var out []models.MLModel
	for rows.Next() {
		m, err := scanModel(rows, false)
		if err != nil {
			return nil, dbErr("scan model", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) ModelVersions(ctx context.Context, name string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT model_version FROM ml_models WHERE model_name = $1 ORDER BY model_version`, name)
	if err != nil {
		return nil, dbErr("model versions", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// --- anomaly_results ---

const anomalyColumns = `id, COALESCE(metric_id, 0), branch_id, analysis_date, model_id, is_anomaly, anomaly_score,
	confidence_level, severity, status, affected_features, baseline_values, actual_values,
	resolution_notes, resolved_by, resolved_at, created_at`

func scanAnomaly(row pgx.Row) (*models.AnomalyResult, error) {
	var a models.AnomalyResult
	err := row.Scan(&a.ID, &a.MetricID, &a.BranchID, &a.AnalysisDate, &a.ModelID, &a.IsAnomaly, &a.AnomalyScore,
		&a.ConfidenceLevel, &a.Severity, &a.Status, &a.AffectedFeatures, &a.BaselineValues, &a.ActualValues,
		&a.ResolutionNotes, &a.ResolvedBy, &a.ResolvedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) SaveAnomaly(ctx context.Context, r *models.AnomalyResult) (int64, error) {
	status := r.Status
	if status == "" {
		status = models.StatusDetected
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO anomaly_results (metric_id, branch_id, analysis_date, model_id, is_anomaly, anomaly_score,
			confidence_level, severity, status, affected_features, baseline_values, actual_values)
		VALUES (NULLIF($1, 0), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (branch_id, analysis_date, model_id) DO UPDATE SET
			metric_id = EXCLUDED.metric_id,
			is_anomaly = EXCLUDED.is_anomaly,
			anomaly_score = EXCLUDED.anomaly_score,
			confidence_level = EXCLUDED.confidence_level,
			severity = EXCLUDED.severity,
			affected_features = EXCLUDED.affected_features,
			baseline_values = EXCLUDED.baseline_values,
			actual_values = EXCLUDED.actual_values
		RETURNING id, created_at`,
		r.MetricID, r.BranchID, r.AnalysisDate, r.ModelID, r.IsAnomaly, r.AnomalyScore,
		r.ConfidenceLevel, r.Severity, status, r.AffectedFeatures, r.BaselineValues, r.ActualValues,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return 0, dbErr("save anomaly result", err)
	}
	return r.ID, nil
}

func (s *Store) GetAnomaly(ctx context.Context, id int64) (*models.AnomalyResult, error) {
	a, err := scanAnomaly(s.pool.QueryRow(ctx, `SELECT `+anomalyColumns+` FROM anomaly_results WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("anomaly result %d not found", id)
	}
	if err != nil {
		return nil, dbErr("get anomaly result", err)
	}
	return a, nil
}

func (s *Store) ListAnomalies(ctx context.Context, branchID int, from, to time.Time) ([]models.AnomalyResult, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+anomalyColumns+` FROM anomaly_results
		WHERE analysis_date BETWEEN $1 AND $2 AND ($3 = 0 OR branch_id = $3)
		ORDER BY analysis_date, id`, from, to, branchID)
	if err != nil {
		return nil, dbErr("list anomaly results", err)
	}
	defer rows.Close()

	var out []models.AnomalyResult
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, dbErr("scan anomaly result", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAnomalyStatus(ctx context.Context, id int64, status, notes, by string, at time.Time) (*models.AnomalyResult, error) {
	var result *models.AnomalyResult
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var current string
		if err := tx.QueryRow(ctx, `SELECT status FROM anomaly_results WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			return err
		}
		if !models.CanTransition(current, status) {
			return errs.Input("cannot move anomaly from %s to %s", current, status)
		}
		var resolvedBy *string
		var resolvedAt *time.Time
		if status == models.StatusResolved || status == models.StatusIgnored {
			resolvedBy, resolvedAt = &by, &at
		}
		row := tx.QueryRow(ctx, `
			UPDATE anomaly_results SET status = $2,
				resolution_notes = COALESCE($3, resolution_notes),
				resolved_by = COALESCE($4, resolved_by),
				resolved_at = COALESCE($5, resolved_at)
			WHERE id = $1
			RETURNING `+anomalyColumns, id, status, utils.OptionalString(notes), resolvedBy, resolvedAt)
		a, err := scanAnomaly(row)
		if err != nil {
			return err
		}
		result = a
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("anomaly result %d not found", id)
	}
	if errs.Is(err, errs.KindInput) {
		return nil, err
	}
	if err != nil {
		return nil, dbErr("update anomaly status", err)
	}
	return result, nil
}

// --- forecast_results ---

func (s *Store) SaveForecast(ctx context.Context, f *models.ForecastResult) (int64, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO forecast_results (branch_id, forecast_date, forecast_start_date, forecast_end_date, model_id,
			target_metric, algorithm, forecast_values, confidence_intervals, mae, mse, rmse, mape,
			training_start_date, training_end_date, training_samples, horizon_days)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (branch_id, forecast_date, model_id, target_metric) DO UPDATE SET
			forecast_start_date = EXCLUDED.forecast_start_date,
			forecast_end_date = EXCLUDED.forecast_end_date,
			algorithm = EXCLUDED.algorithm,
			forecast_values = EXCLUDED.forecast_values,
			confidence_intervals = EXCLUDED.confidence_intervals,
			mae = EXCLUDED.mae,
			mse = EXCLUDED.mse,
			rmse = EXCLUDED.rmse,
			mape = EXCLUDED.mape,
			training_start_date = EXCLUDED.training_start_date,
			training_end_date = EXCLUDED.training_end_date,
			training_samples = EXCLUDED.training_samples,
			horizon_days = EXCLUDED.horizon_days
		RETURNING id, created_at`,
		f.BranchID, f.ForecastDate, f.ForecastStartDate, f.ForecastEndDate, f.ModelID,
		f.TargetMetric, f.Algorithm, f.ForecastValues, f.ConfidenceIntervals, f.MAE, f.MSE, f.RMSE, f.MAPE,
		f.TrainingStartDate, f.TrainingEndDate, f.TrainingSamples, f.HorizonDays,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return 0, dbErr("save forecast", err)
	}
	return f.ID, nil
}

func (s *Store) LatestForecasts(ctx context.Context, branchID int, limit int) ([]models.ForecastResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, branch_id, forecast_date, forecast_start_date, forecast_end_date, model_id, target_metric,
			algorithm, forecast_values, confidence_intervals, mae, mse, rmse, mape,
			training_start_date, training_end_date, training_samples, horizon_days, created_at
		FROM forecast_results WHERE branch_id = $1
		ORDER BY created_at DESC LIMIT $2`, branchID, limit)
	if err != nil {
		return nil, dbErr("latest forecasts", err)
	}
	defer rows.Close()

	var out []models.ForecastResult
	for rows.Next() {
		var f models.ForecastResult
		var ts, te *time.Time
		if err := rows.Scan(&f.ID, &f.BranchID, &f.ForecastDate, &f.ForecastStartDate, &f.ForecastEndDate,
			&f.ModelID, &f.TargetMetric, &f.Algorithm, &f.ForecastValues, &f.ConfidenceIntervals,
			&f.MAE, &f.MSE, &f.RMSE, &f.MAPE, &ts, &te, &f.TrainingSamples, &f.HorizonDays, &f.CreatedAt); err != nil {
			return nil, dbErr("scan forecast", err)
		}
		if ts != nil {
			f.TrainingStartDate = *ts
		}
		if te != nil {
			f.TrainingEndDate = *te
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- ai_reports ---

const reportColumns = `id, branch_id, report_date, tool_type, analysis, summary, recommendations, raw_data,
	data_quality_score, ml_confidence, ai_quality_score, historical_accuracy_score, overall_confidence,
	confidence_level, confidence_breakdown, validation_flags, is_sent, sent_at, created_at, updated_at`

func scanReport(row pgx.Row) (*models.Report, error) {
	var r models.Report
	var recs, flags []byte
	err := row.Scan(&r.ID, &r.BranchID, &r.ReportDate, &r.ToolType, &r.Analysis, &r.Summary, &recs, &r.RawData,
		&r.DataQualityScore, &r.MLConfidence, &r.AIQualityScore, &r.HistoricalAccuracyScore, &r.OverallConfidence,
		&r.ConfidenceLevel, &r.ConfidenceBreakdown, &flags, &r.IsSent, &r.SentAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		if err := json.Unmarshal(recs, &r.Recommendations); err != nil {
			return nil, fmt.Errorf("decode recommendations: %w", err)
		}
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &r.ValidationFlags); err != nil {
			return nil, fmt.Errorf("decode validation flags: %w", err)
		}
	}
	return &r, nil
}

func (s *Store) GetReport(ctx context.Context, branchID int, day time.Time) (*models.Report, error) {
	r, err := scanReport(s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM ai_reports
		WHERE branch_id = $1 AND report_date = $2 AND tool_type = $3`, branchID, day, models.ToolTypeDailyReport))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("no report for branch %d on %s", branchID, day.Format(models.DateLayout))
	}
	if err != nil {
		return nil, dbErr("get report", err)
	}
	return r, nil
}

func (s *Store) GetReportByID(ctx context.Context, id int64) (*models.Report, error) {
	r, err := scanReport(s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM ai_reports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("report %d not found", id)
	}
	if err != nil {
		return nil, dbErr("get report", err)
	}
	return r, nil
}

func (s *Store) UpsertReport(ctx context.Context, r *models.Report) (int64, error) {
	if r.ToolType == "" {
		r.ToolType = models.ToolTypeDailyReport
	}
	recs, err := json.Marshal(r.Recommendations)
	if err != nil {
		return 0, errs.Internal("encode recommendations", err)
	}
	flags, err := json.Marshal(r.ValidationFlags)
	if err != nil {
		return 0, errs.Internal("encode validation flags", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO ai_reports (branch_id, report_date, tool_type, analysis, summary, recommendations, raw_data,
			data_quality_score, ml_confidence, ai_quality_score, historical_accuracy_score, overall_confidence,
			confidence_level, confidence_breakdown, validation_flags, is_sent, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (branch_id, report_date, tool_type) DO UPDATE SET
			analysis = EXCLUDED.analysis,
			summary = EXCLUDED.summary,
			recommendations = EXCLUDED.recommendations,
			raw_data = EXCLUDED.raw_data,
			data_quality_score = EXCLUDED.data_quality_score,
			ml_confidence = EXCLUDED.ml_confidence,
			ai_quality_score = EXCLUDED.ai_quality_score,
			historical_accuracy_score = EXCLUDED.historical_accuracy_score,
			overall_confidence = EXCLUDED.overall_confidence,
			confidence_level = EXCLUDED.confidence_level,
			confidence_breakdown = EXCLUDED.confidence_breakdown,
			validation_flags = EXCLUDED.validation_flags,
			is_sent = EXCLUDED.is_sent,
			sent_at = EXCLUDED.sent_at,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		r.BranchID, r.ReportDate, r.ToolType, r.Analysis, r.Summary, recs, r.RawData,
		r.DataQualityScore, r.MLConfidence, r.AIQualityScore, r.HistoricalAccuracyScore, r.OverallConfidence,
		r.ConfidenceLevel, r.ConfidenceBreakdown, flags, r.IsSent, r.SentAt,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return 0, dbErr("upsert report", err)
	}
	return r.ID, nil
}

func (s *Store) MarkReportSent(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE ai_reports SET is_sent = TRUE, sent_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return dbErr("mark report sent", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("report %d not found", id)
	}
	return nil
}

func (s *Store) ListReports(ctx context.Context, f store.ReportFilter) ([]models.Report, int, error) {
	from, to := f.From, f.To
	if from.IsZero() {
		from = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if to.IsZero() {
		to = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ai_reports
		WHERE report_date BETWEEN $1 AND $2 AND ($3 = 0 OR branch_id = $3)`, from, to, f.BranchID).Scan(&total); err != nil {
		return nil, 0, dbErr("count reports", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+reportColumns+` FROM ai_reports
		WHERE report_date BETWEEN $1 AND $2 AND ($3 = 0 OR branch_id = $3)
		ORDER BY report_date DESC, branch_id LIMIT $4 OFFSET $5`, from, to, f.BranchID, limit, f.Offset)
	if err != nil {
		return nil, 0, dbErr("list reports", err)
	}
	defer rows.Close()

	var out []models.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, 0, dbErr("scan report", err)
		}
		out = append(out, *r)
	}
	return out, total, rows.Err()
}
