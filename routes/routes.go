package routes

import (
	"github.com/gofiber/fiber/v2"

	"branchanalytics/handlers"
	"branchanalytics/middleware"
	"branchanalytics/utils"
)

// SetupRoutes defines all the routes for the application.
func SetupRoutes(app *fiber.App, h *handlers.Handler) {
	api := app.Group("/api/v1")

	api.Get("/health", h.HandleHealth)
	api.Get("/version", h.HandleVersion)

	// --- Authentication Routes ---
	auth := api.Group("/auth")
	auth.Post("/login", h.HandleLogin)

	secured := api.Group("", middleware.JWTMiddleware, middleware.RoleRequired(utils.RoleAdmin, utils.RoleManager, utils.RoleAnalyst))
	writers := middleware.RoleRequired(utils.RoleAdmin, utils.RoleManager)

	// --- Model Routes ---
	secured.Get("/models/status", h.HandleModelStatus)
	secured.Get("/models/by-id", h.HandleModelByID)
	secured.Get("/models/history", h.HandleModelHistory)
	secured.Post("/models/predict/by-date", h.HandlePredictByDate)
	secured.Post("/models/test/forecast", h.HandleTestForecast)
	secured.Post("/models/test/iforest", h.HandleTestIForest)
	secured.Post("/models/retrain", middleware.AdminRequired, h.HandleRetrain)
	secured.Post("/model/train", middleware.AdminRequired, h.HandleTrainNewMethod)

	// --- Metrics Routes ---
	secured.Get("/metrics/daily-branch-metrics", h.HandleDailyBranchMetrics)
	secured.Get("/metrics/comprehensive", h.HandleComprehensiveMetrics)
	secured.Get("/metrics/branch/monthly", h.HandleBranchMonthly)
	secured.Get("/metrics/branch/yearly", h.HandleBranchYearly)
	secured.Get("/metrics/all-branches/monthly", h.HandleAllBranchesMonthly)
	secured.Get("/metrics/all-branches/yearly", h.HandleAllBranchesYearly)
	secured.Get("/metrics/collect", writers, h.HandleCollectMetrics)

	// --- Anomaly Routes ---
	secured.Post("/anomaly/detect", h.HandleDetect)
	secured.Get("/anomaly/results", h.HandleListAnomalies)
	secured.Patch("/anomaly/results/:id", writers, h.HandleUpdateAnomalyStatus)

	// --- Report Routes ---
	secured.Get("/reports", h.HandleListReports)
	secured.Get("/reports/schedule", h.HandleSchedule) // Must be before /reports/:id
	secured.Get("/reports/:id", h.HandleGetReport)
	secured.Post("/reports/generate", writers, h.HandleGenerateReport)
	secured.Post("/reports/run-daily", writers, h.HandleRunDaily)
	secured.Post("/reports/distribute/:id", writers, h.HandleDistributeReport)
}
