package models

// RetrainRequest is the body of POST /models/retrain and POST /model/train.
type RetrainRequest struct {
	BranchID       int                    `json:"branch_id"`
	TrainIForest   bool                   `json:"train_iforest"`
	TrainForecast  bool                   `json:"train_forecast"`
	TargetMetric   string                 `json:"target_metric"`
	Algorithm      string                 `json:"algorithm"`
	IForestParams  map[string]interface{} `json:"iforest_params,omitempty"`
	ForecastParams map[string]interface{} `json:"forecast_params,omitempty"`
	Version        string                 `json:"version,omitempty"`
}

// PredictByDateRequest is the body of POST /models/predict/by-date.
type PredictByDateRequest struct {
	BranchID     int    `json:"branch_id"`
	Date         string `json:"date"`
	ForecastDays int    `json:"forecast_days"`
	TargetMetric string `json:"target_metric"`
	Algorithm    string `json:"algorithm"`
	IForestMode  string `json:"iforest_mode"`
}

// BacktestRequest is the body of POST /models/test/forecast and /models/test/iforest.
type BacktestRequest struct {
	BranchID     int      `json:"branch_id"`
	TargetMetric string   `json:"target_metric"`
	Algorithm    string   `json:"algorithm"`
	TestDays     int      `json:"test_days"`
	MinCoverage  *float64 `json:"min_coverage,omitempty"`
	EndDate      string   `json:"end_date,omitempty"`
}

// DetectRequest is the body of POST /anomaly/detect.
type DetectRequest struct {
	BranchID int    `json:"branch_id"`
	Date     string `json:"date"`
	Method   string `json:"method"`
	Ensemble bool   `json:"ensemble"`
}

// AnomalyStatusUpdate is the body of PATCH /anomaly/results/:id.
type AnomalyStatusUpdate struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// GenerateReportRequest is the body of POST /reports/generate.
type GenerateReportRequest struct {
	BranchID int    `json:"branch_id"`
	Date     string `json:"date"`
	Send     bool   `json:"send"`
}
