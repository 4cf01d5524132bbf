package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// --- Custom JSON Type for database/sql ---

// JSONB allows storing JSON data in a PostgreSQL jsonb column.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(raw, j)
}

// --- JWT & Auth ---

type JwtClaims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// --- Registry ---

// Model types stored in ml_models.model_type.
const (
	ModelTypeIsolationForest = "ISOLATION_FOREST"
	ModelTypeProphet         = "PROPHET"
	ModelTypeLightGBM        = "LIGHTGBM"
	ModelTypeXGBoost         = "XGBOOST"
)

// MLModel is one registry entry. Bundle holds the serialised artefact when it
// is stored inline; ArtifactKey points to object storage otherwise.
type MLModel struct {
	ID                 int64     `json:"id"`
	ModelName          string    `json:"model_name"`
	ModelVersion       string    `json:"model_version"`
	ModelType          string    `json:"model_type"`
	Bundle             []byte    `json:"-"`
	ArtifactKey        string    `json:"artifact_key,omitempty"`
	Hyperparameters    JSONB     `json:"hyperparameters"`
	FeatureList        []string  `json:"feature_list"`
	TrainingStartDate  time.Time `json:"training_start_date"`
	TrainingEndDate    time.Time `json:"training_end_date"`
	TrainingSamples    int       `json:"training_samples"`
	PerformanceMetrics JSONB     `json:"performance_metrics"`
	IsActive           bool      `json:"is_active"`
	IsProduction       bool      `json:"is_production"`
	TrainedAt          time.Time `json:"trained_at"`
	CreatedBy          string    `json:"created_by"`
}

// --- Anomaly results ---

const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"

	StatusDetected      = "DETECTED"
	StatusInvestigating = "INVESTIGATING"
	StatusResolved      = "RESOLVED"
	StatusIgnored       = "IGNORED"
)

// AnomalyResult is a stored anomaly verdict for one (branch, day).
type AnomalyResult struct {
	ID               int64      `json:"id"`
	MetricID         int64      `json:"metric_id"`
	BranchID         int        `json:"branch_id"`
	AnalysisDate     time.Time  `json:"analysis_date"`
	ModelID          int64      `json:"model_id"`
	IsAnomaly        bool       `json:"is_anomaly"`
	AnomalyScore     float64    `json:"anomaly_score"`
	ConfidenceLevel  float64    `json:"confidence_level"`
	Severity         string     `json:"severity"`
	Status           string     `json:"status"`
	AffectedFeatures JSONB      `json:"affected_features"`
	BaselineValues   JSONB      `json:"baseline_values"`
	ActualValues     JSONB      `json:"actual_values"`
	ResolutionNotes  *string    `json:"resolution_notes,omitempty"`
	ResolvedBy       *string    `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// CanTransition reports whether an anomaly may move from one status to another.
func CanTransition(from, to string) bool {
	switch from {
	case StatusDetected:
		return to == StatusInvestigating || to == StatusResolved || to == StatusIgnored
	case StatusInvestigating:
		return to == StatusResolved || to == StatusIgnored
	default:
		return false
	}
}

// --- Forecast results ---

// Interval is a two-sided prediction interval.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ForecastResult is a stored forecast. ForecastValues and ConfidenceIntervals
// share their date keys (DateLayout).
type ForecastResult struct {
	ID                  int64               `json:"id"`
	BranchID            int                 `json:"branch_id"`
	ForecastDate        time.Time           `json:"forecast_date"`
	ForecastStartDate   time.Time           `json:"forecast_start_date"`
	ForecastEndDate     time.Time           `json:"forecast_end_date"`
	ModelID             int64               `json:"model_id"`
	TargetMetric        string              `json:"target_metric"`
	Algorithm           string              `json:"algorithm"`
	ForecastValues      map[string]float64  `json:"forecast_values"`
	ConfidenceIntervals map[string]Interval `json:"confidence_intervals"`
	MAE                 *float64            `json:"mae,omitempty"`
	MSE                 *float64            `json:"mse,omitempty"`
	RMSE                *float64            `json:"rmse,omitempty"`
	MAPE                *float64            `json:"mape,omitempty"`
	TrainingStartDate   time.Time           `json:"training_start_date"`
	TrainingEndDate     time.Time           `json:"training_end_date"`
	TrainingSamples     int                 `json:"training_samples"`
	HorizonDays         int                 `json:"horizon_days"`
	CreatedAt           time.Time           `json:"created_at"`
}

// --- Reports ---

// ValidationFlag is a parseable confidence warning.
type ValidationFlag struct {
	Type     string  `json:"type"`
	Message  string  `json:"message"`
	Severity string  `json:"severity"`
	Score    float64 `json:"score"`
}

// Report is the canonical daily management report for one branch.
type Report struct {
	ID                      int64            `json:"id"`
	BranchID                int              `json:"branch_id"`
	ReportDate              time.Time        `json:"report_date"`
	ToolType                string           `json:"tool_type"`
	Analysis                string           `json:"analysis"`
	Summary                 JSONB            `json:"summary"`
	Recommendations         []string         `json:"recommendations"`
	RawData                 JSONB            `json:"raw_data"`
	DataQualityScore        float64          `json:"data_quality_score"`
	MLConfidence            float64          `json:"ml_confidence"`
	AIQualityScore          float64          `json:"ai_quality_score"`
	HistoricalAccuracyScore float64          `json:"historical_accuracy_score"`
	OverallConfidence       float64          `json:"overall_confidence"`
	ConfidenceLevel         string           `json:"confidence_level"`
	ConfidenceBreakdown     JSONB            `json:"confidence_breakdown"`
	ValidationFlags         []ValidationFlag `json:"validation_flags"`
	IsSent                  bool             `json:"is_sent"`
	SentAt                  *time.Time       `json:"sent_at,omitempty"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// ToolTypeDailyReport marks reports produced by the daily pipeline.
const ToolTypeDailyReport = "daily_report"

// --- Aggregations ---

// PeriodSummary aggregates daily metrics over a month or a year.
type PeriodSummary struct {
	BranchID          int     `json:"branch_id,omitempty"`
	Period            string  `json:"period"`
	Days              int     `json:"days"`
	TotalRevenue      float64 `json:"total_revenue"`
	TotalOrders       int     `json:"total_orders"`
	TotalCustomers    int     `json:"total_customers"`
	AvgOrderValue     float64 `json:"avg_order_value"`
	AvgReviewScore    float64 `json:"avg_review_score"`
	TotalMaterialCost float64 `json:"total_material_cost"`
}
