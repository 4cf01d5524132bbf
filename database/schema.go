package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS daily_branch_metrics (
		id BIGSERIAL PRIMARY KEY,
		branch_id INTEGER NOT NULL,
		report_date DATE NOT NULL,
		total_revenue NUMERIC(15,2),
		order_count INTEGER,
		avg_order_value NUMERIC(15,2),
		peak_hour INTEGER,
		customer_count INTEGER,
		new_customers INTEGER,
		repeat_customers INTEGER,
		unique_products_sold INTEGER,
		top_selling_product_id INTEGER,
		product_diversity_score DOUBLE PRECISION,
		day_of_week INTEGER,
		is_weekend BOOLEAN,
		avg_preparation_time_seconds INTEGER,
		staff_efficiency_score DOUBLE PRECISION,
		avg_review_score DOUBLE PRECISION,
		material_cost NUMERIC(15,2),
		waste_percentage DOUBLE PRECISION,
		low_stock_products INTEGER,
		out_of_stock_products INTEGER,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_daily_branch_metrics UNIQUE (branch_id, report_date)
	)`,
	`CREATE TABLE IF NOT EXISTS ml_models (
		id BIGSERIAL PRIMARY KEY,
		model_name VARCHAR(200) NOT NULL,
		model_version VARCHAR(50) NOT NULL,
		model_type VARCHAR(30) NOT NULL,
		bundle BYTEA,
		artifact_key TEXT NOT NULL DEFAULT '',
		hyperparameters JSONB NOT NULL DEFAULT '{}',
		feature_list TEXT[] NOT NULL DEFAULT '{}',
		training_start_date DATE,
		training_end_date DATE,
		training_samples INTEGER NOT NULL DEFAULT 0,
		performance_metrics JSONB NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		is_production BOOLEAN NOT NULL DEFAULT FALSE,
		trained_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_by VARCHAR(100) NOT NULL DEFAULT 'system'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_ml_models_one_active ON ml_models (model_name) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS idx_ml_models_name ON ml_models (model_name, trained_at DESC)`,
	`CREATE TABLE IF NOT EXISTS anomaly_results (
		id BIGSERIAL PRIMARY KEY,
		metric_id BIGINT,
		branch_id INTEGER NOT NULL,
		analysis_date DATE NOT NULL,
		model_id BIGINT NOT NULL DEFAULT 0,
		is_anomaly BOOLEAN NOT NULL,
		anomaly_score DOUBLE PRECISION NOT NULL,
		confidence_level DOUBLE PRECISION NOT NULL,
		severity VARCHAR(10) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'DETECTED',
		affected_features JSONB NOT NULL DEFAULT '{}',
		baseline_values JSONB NOT NULL DEFAULT '{}',
		actual_values JSONB NOT NULL DEFAULT '{}',
		resolution_notes TEXT,
		resolved_by VARCHAR(100),
		resolved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_anomaly_results UNIQUE (branch_id, analysis_date, model_id)
	)`,
	`CREATE TABLE IF NOT EXISTS forecast_results (
		id BIGSERIAL PRIMARY KEY,
		branch_id INTEGER NOT NULL,
		forecast_date DATE NOT NULL,
		forecast_start_date DATE NOT NULL,
		forecast_end_date DATE NOT NULL,
		model_id BIGINT NOT NULL DEFAULT 0,
		target_metric VARCHAR(50) NOT NULL,
		algorithm VARCHAR(20) NOT NULL,
		forecast_values JSONB NOT NULL,
		confidence_intervals JSONB NOT NULL,
		mae DOUBLE PRECISION,
		mse DOUBLE PRECISION,
		rmse DOUBLE PRECISION,
		mape DOUBLE PRECISION,
		training_start_date DATE,
		training_end_date DATE,
		training_samples INTEGER NOT NULL DEFAULT 0,
		horizon_days INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_forecast_results_branch ON forecast_results (branch_id, created_at DESC)`,
	`DELETE FROM forecast_results a USING forecast_results b
		WHERE a.branch_id = b.branch_id AND a.forecast_date = b.forecast_date
			AND a.model_id = b.model_id AND a.target_metric = b.target_metric AND a.id < b.id`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_forecast_results
		ON forecast_results (branch_id, forecast_date, model_id, target_metric)`,
	`CREATE TABLE IF NOT EXISTS ai_reports (
		id BIGSERIAL PRIMARY KEY,
		branch_id INTEGER NOT NULL,
		report_date DATE NOT NULL,
		tool_type VARCHAR(50) NOT NULL DEFAULT 'daily_report',
		analysis TEXT NOT NULL DEFAULT '',
		summary JSONB NOT NULL DEFAULT '{}',
		recommendations JSONB NOT NULL DEFAULT '[]',
		raw_data JSONB NOT NULL DEFAULT '{}',
		data_quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		ml_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		ai_quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		historical_accuracy_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		overall_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		confidence_level VARCHAR(10) NOT NULL DEFAULT 'LOW',
		confidence_breakdown JSONB NOT NULL DEFAULT '{}',
		validation_flags JSONB NOT NULL DEFAULT '[]',
		is_sent BOOLEAN NOT NULL DEFAULT FALSE,
		sent_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_ai_reports UNIQUE (branch_id, report_date, tool_type)
	)`,
}

// Migrate creates the analytics tables when they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
