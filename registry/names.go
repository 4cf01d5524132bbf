package registry

import (
	"fmt"
	"strings"

	"branchanalytics/models"
)

// Forecast algorithms as they appear in model names and requests.
const (
	AlgoProphet  = "prophet"
	AlgoLightGBM = "lightgbm"
	AlgoXGBoost  = "xgboost"
)

// New-method anomaly feature groups.
const (
	GroupA = "a"
	GroupB = "b"
	GroupC = "c"
	GroupD = "d"
)

// Groups lists the new-method groups in training order.
var Groups = []string{GroupA, GroupB, GroupC, GroupD}

// NormaliseAlgorithm lower-cases algo and defaults to prophet.
func NormaliseAlgorithm(algo string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(algo))
	switch a {
	case "":
		return AlgoProphet, nil
	case AlgoProphet, AlgoLightGBM, AlgoXGBoost:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported algorithm %q", algo)
	}
}

// ModelType maps an algorithm to the ml_models.model_type value.
func ModelType(algo string) string {
	switch algo {
	case AlgoLightGBM:
		return models.ModelTypeLightGBM
	case AlgoXGBoost:
		return models.ModelTypeXGBoost
	default:
		return models.ModelTypeProphet
	}
}

func AnomalyModelName(branchID int) string {
	return fmt.Sprintf("iforest_anomaly_branch_%d", branchID)
}

func GroupModelName(group string, branchID int) string {
	return fmt.Sprintf("iforest_nm_%s_branch_%d", group, branchID)
}

func ForecastModelName(algo, target string, branchID int) string {
	return fmt.Sprintf("forecast_%s_%s_branch_%d", algo, target, branchID)
}

func NMForecastModelName(target string, branchID int) string {
	return fmt.Sprintf("forecast_nm_prophet_%s_branch_%d", target, branchID)
}

// AnomalyCandidates is the lookup order for a branch's active anomaly model.
// The trailing names are the ones older training jobs registered under.
func AnomalyCandidates(branchID int) []string {
	return []string{
		AnomalyModelName(branchID),
		fmt.Sprintf("iforest_branch_%d", branchID),
		fmt.Sprintf("isolation_forest_branch_%d", branchID),
	}
}

// ForecastCandidates is the lookup order for a branch's active forecast model.
func ForecastCandidates(algo, target string, branchID int) []string {
	out := []string{ForecastModelName(algo, target, branchID)}
	if algo == AlgoProphet {
		out = append(out, NMForecastModelName(target, branchID))
	}
	out = append(out,
		fmt.Sprintf("forecast_%s_branch_%d", algo, branchID),
		fmt.Sprintf("%s_%s_branch_%d", algo, target, branchID),
	)
	return out
}

// AnomalyHistoryNames lists every anomaly model name of a branch.
func AnomalyHistoryNames(branchID int) []string {
	names := AnomalyCandidates(branchID)
	for _, g := range Groups {
		names = append(names, GroupModelName(g, branchID))
	}
	return names
}

// ForecastHistoryNames lists every forecast model name of a branch for the
// given targets and algorithms.
func ForecastHistoryNames(branchID int, targets, algos []string) []string {
	var names []string
	for _, t := range targets {
		for _, a := range algos {
			names = append(names, ForecastModelName(a, t, branchID))
		}
		names = append(names, NMForecastModelName(t, branchID))
	}
	return names
}
