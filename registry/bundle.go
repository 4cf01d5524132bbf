package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"branchanalytics/ml/gbdt"
	"branchanalytics/ml/iforest"
	"branchanalytics/ml/prophet"
	"branchanalytics/ml/scaler"
)

// BundleSchemaVersion is written into every bundle; decoding rejects others.
const BundleSchemaVersion = 1

// ScoreStats summarises the raw isolation-forest scores of the training set.
// Optional fields are pointers so that bundles written without them fall
// through to the next normalisation tier.
type ScoreStats struct {
	Min                 *float64           `json:"min,omitempty"`
	Max                 *float64           `json:"max,omitempty"`
	Q25                 *float64           `json:"q25,omitempty"`
	Q75                 *float64           `json:"q75,omitempty"`
	Median              *float64           `json:"median,omitempty"`
	Mean                *float64           `json:"mean,omitempty"`
	Std                 *float64           `json:"std,omitempty"`
	Contamination       float64            `json:"contamination"`
	ThresholdScore      *float64           `json:"threshold_score,omitempty"`
	ThresholdPercentile float64            `json:"threshold_percentile"`
	Percentiles         map[string]float64 `json:"percentiles,omitempty"`
}

// NewMethodMeta describes a feature-group model of the ensemble.
type NewMethodMeta struct {
	Group           string                 `json:"group"`
	DropCols        []string               `json:"drop_cols"`
	FeatureCols     []string               `json:"feature_cols"`
	ReferenceMetric string                 `json:"reference_metric,omitempty"`
	LabelSource     string                 `json:"label_source,omitempty"`
	Tuning          map[string]interface{} `json:"tuning,omitempty"`
}

// IForestBundle is the serialised anomaly model.
type IForestBundle struct {
	SchemaVersion int              `json:"schema_version"`
	Model         *iforest.Forest  `json:"model"`
	Scaler        *scaler.Standard `json:"scaler"`
	Features      []string         `json:"features"`
	ScoreStats    ScoreStats       `json:"score_stats"`
	NewMethod     *NewMethodMeta   `json:"new_method,omitempty"`
}

// Validate checks that the feature list, the scaler and the forest agree.
func (b *IForestBundle) Validate() error {
	if b.Model == nil || b.Scaler == nil {
		return fmt.Errorf("bundle: model and scaler are required")
	}
	if len(b.Features) == 0 {
		return fmt.Errorf("bundle: empty feature list")
	}
	if len(b.Features) != b.Scaler.NFeatures() {
		return fmt.Errorf("bundle: %d features but scaler expects %d", len(b.Features), b.Scaler.NFeatures())
	}
	if b.Model.NFeatures != len(b.Features) {
		return fmt.Errorf("bundle: %d features but model expects %d", len(b.Features), b.Model.NFeatures)
	}
	return b.Model.Validate()
}

// DateRange is an inclusive training range in DateLayout.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ForecastMetadata is stored next to the forecast estimator.
type ForecastMetadata struct {
	Hyperparameters   map[string]interface{} `json:"hyperparameters"`
	Regressors        []string               `json:"regressors"`
	DayOfWeekFormat   string                 `json:"day_of_week_format,omitempty"`
	FeatureCols       []string               `json:"feature_cols,omitempty"`
	DateRange         DateRange              `json:"date_range"`
	TrainingSamples   int                    `json:"training_samples"`
	Winsorized        int                    `json:"winsorized_points,omitempty"`
	Variant           string                 `json:"variant,omitempty"`
	EvaluationMetrics map[string]float64     `json:"evaluation_metrics,omitempty"`
}

// ForecastBundle is the serialised forecast model: exactly one of Prophet and
// Trees is set, according to Algorithm.
type ForecastBundle struct {
	SchemaVersion int              `json:"schema_version"`
	Algorithm     string           `json:"algorithm"`
	Target        string           `json:"target"`
	Prophet       *prophet.Model   `json:"prophet,omitempty"`
	Trees         *gbdt.Model      `json:"trees,omitempty"`
	Metadata      ForecastMetadata `json:"metadata"`
}

// Validate checks that the estimator matches the algorithm.
func (b *ForecastBundle) Validate() error {
	switch b.Algorithm {
	case AlgoProphet:
		if b.Prophet == nil {
			return fmt.Errorf("bundle: prophet model missing")
		}
		return b.Prophet.Validate()
	case AlgoLightGBM, AlgoXGBoost:
		if b.Trees == nil {
			return fmt.Errorf("bundle: tree model missing")
		}
		if b.Trees.NFeatures != len(b.Metadata.FeatureCols) {
			return fmt.Errorf("bundle: %d feature columns but model expects %d", len(b.Metadata.FeatureCols), b.Trees.NFeatures)
		}
		return b.Trees.Validate()
	default:
		return fmt.Errorf("bundle: unknown algorithm %q", b.Algorithm)
	}
}

const iforestSchema = `{
  "type": "object",
  "required": ["schema_version", "model", "scaler", "features", "score_stats"],
  "additionalProperties": false,
  "properties": {
    "schema_version": {"type": "integer", "const": 1},
    "model": {"type": "object", "required": ["n_features", "trees", "offset"]},
    "scaler": {"type": "object", "required": ["mean", "scale"]},
    "features": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "score_stats": {"type": "object", "required": ["contamination"]},
    "new_method": {"type": "object", "required": ["group", "feature_cols"]}
  }
}`

const forecastSchema = `{
  "type": "object",
  "required": ["schema_version", "algorithm", "target", "metadata"],
  "additionalProperties": false,
  "properties": {
    "schema_version": {"type": "integer", "const": 1},
    "algorithm": {"enum": ["prophet", "lightgbm", "xgboost"]},
    "target": {"type": "string", "minLength": 1},
    "prophet": {"type": "object"},
    "trees": {"type": "object"},
    "metadata": {"type": "object", "required": ["hyperparameters", "regressors", "date_range", "training_samples"]}
  }
}`

var (
	schemaOnce     sync.Once
	iforestSchemaC *gojsonschema.Schema
	forecastSchemC *gojsonschema.Schema
	schemaErr      error
)

func schemas() (*gojsonschema.Schema, *gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		iforestSchemaC, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(iforestSchema))
		if schemaErr != nil {
			return
		}
		forecastSchemC, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(forecastSchema))
	})
	return iforestSchemaC, forecastSchemC, schemaErr
}

func validateAgainst(schema *gojsonschema.Schema, data []byte) error {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("bundle is not valid JSON: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("bundle schema: %s", strings.Join(msgs, "; "))
}

// decodeStrict rejects unknown keys at every level.
func decodeStrict(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// EncodeIForest validates and serialises b.
func EncodeIForest(b *IForestBundle) ([]byte, error) {
	b.SchemaVersion = BundleSchemaVersion
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

// DecodeIForest validates data against the bundle schema and decodes it.
func DecodeIForest(data []byte) (*IForestBundle, error) {
	s, _, err := schemas()
	if err != nil {
		return nil, err
	}
	if err := validateAgainst(s, data); err != nil {
		return nil, err
	}
	var b IForestBundle
	if err := decodeStrict(data, &b); err != nil {
		return nil, fmt.Errorf("decode iforest bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// EncodeForecast validates and serialises b.
func EncodeForecast(b *ForecastBundle) ([]byte, error) {
	b.SchemaVersion = BundleSchemaVersion
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

// DecodeForecast validates data against the bundle schema and decodes it.
func DecodeForecast(data []byte) (*ForecastBundle, error) {
	_, s, err := schemas()
	if err != nil {
		return nil, err
	}
	if err := validateAgainst(s, data); err != nil {
		return nil, err
	}
	var b ForecastBundle
	if err := decodeStrict(data, &b); err != nil {
		return nil, fmt.Errorf("decode forecast bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
