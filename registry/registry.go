// Package registry manages versioned model artefacts: naming, versioning,
// bundle encoding, blob storage and the one-active-per-name discipline.
package registry

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"branchanalytics/cache"
	"branchanalytics/errs"
	"branchanalytics/models"
	"branchanalytics/store"
	"branchanalytics/utils"
)

// Registry wraps the ml_models table with bundle storage and caching.
type Registry struct {
	models    store.ModelStore
	artifacts ArtifactStore
	cache     cache.Cache
	cacheTTL  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// New returns a registry. artifacts may be nil, in which case bundles are
// stored inline in the database; c may be nil to disable caching.
func New(ms store.ModelStore, artifacts ArtifactStore, c cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		models:    ms,
		artifacts: artifacts,
		cache:     c,
		cacheTTL:  cacheTTL,
		logger:    logger.Named("registry"),
		now:       time.Now,
	}
}

// Registration is a trained model ready to be stored.
type Registration struct {
	Name            string
	Version         string
	Type            string
	Bundle          []byte
	Hyperparameters map[string]interface{}
	FeatureList     []string
	TrainingStart   time.Time
	TrainingEnd     time.Time
	TrainingSamples int
	Metrics         map[string]interface{}
	Activate        bool
	CreatedBy       string
}

// Register stores the bundle and inserts the registry row. When no version
// is given the next vYYYYMMDD-NNN for the name is generated.
func (r *Registry) Register(ctx context.Context, reg Registration) (*models.MLModel, error) {
	version := reg.Version
	if version == "" {
		existing, err := r.models.ModelVersions(ctx, reg.Name)
		if err != nil {
			return nil, err
		}
		version = utils.NextModelVersion(existing, r.now())
	}
	createdBy := reg.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}

	m := &models.MLModel{
		ModelName:          reg.Name,
		ModelVersion:       version,
		ModelType:          reg.Type,
		Hyperparameters:    models.JSONB(reg.Hyperparameters),
		FeatureList:        reg.FeatureList,
		TrainingStartDate:  reg.TrainingStart,
		TrainingEndDate:    reg.TrainingEnd,
		TrainingSamples:    reg.TrainingSamples,
		PerformanceMetrics: models.JSONB(reg.Metrics),
		IsProduction:       reg.Activate,
		TrainedAt:          r.now(),
		CreatedBy:          createdBy,
	}
	if r.artifacts != nil {
		key := artifactKey(reg.Name, version)
		if err := r.artifacts.Put(ctx, key, reg.Bundle); err != nil {
			return nil, errs.Upstream("object storage", err)
		}
		m.ArtifactKey = key
	} else {
		m.Bundle = reg.Bundle
	}

	if _, err := r.models.SaveModel(ctx, m, reg.Activate); err != nil {
		return nil, err
	}
	r.logger.Info("model registered",
		zap.String("model_name", m.ModelName),
		zap.String("version", m.ModelVersion),
		zap.Int64("model_id", m.ID),
		zap.Bool("active", m.IsActive))
	return m, nil
}

// Get returns a registry row by id.
func (r *Registry) Get(ctx context.Context, id int64) (*models.MLModel, error) {
	return r.models.GetModel(ctx, id)
}

// Activate makes id the only active model of its name.
func (r *Registry) Activate(ctx context.Context, id int64) error {
	return r.models.ActivateModel(ctx, id)
}

// History lists rows for the given names, newest first.
func (r *Registry) History(ctx context.Context, names []string, limit int) ([]models.MLModel, error) {
	return r.models.ModelHistory(ctx, names, limit)
}

// Resolution is the outcome of a candidate lookup. Warning is set when the
// model was found under a fallback name.
type Resolution struct {
	Model   *models.MLModel
	Name    string
	Tried   []string
	Warning string
}

// Resolve returns the active model of the first candidate name that has one.
func (r *Registry) Resolve(ctx context.Context, candidates []string) (*Resolution, error) {
	var tried []string
	for i, name := range candidates {
		tried = append(tried, name)
		m, err := r.models.ActiveModel(ctx, name)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				continue
			}
			return nil, err
		}
		res := &Resolution{Model: m, Name: name, Tried: tried}
		if i > 0 {
			res.Warning = "active model found under fallback name " + name + " instead of " + candidates[0]
		}
		return res, nil
	}
	return nil, errs.ModelInconsistent(tried)
}

// Bundle returns the raw bundle bytes of m, from the cache when possible.
// Bundles are immutable so the cache is keyed by model id.
func (r *Registry) Bundle(ctx context.Context, m *models.MLModel) ([]byte, error) {
	key := "bundle:" + strconv.FormatInt(m.ID, 10)
	if r.cache != nil {
		if data, ok := r.cache.Get(ctx, key); ok {
			return data, nil
		}
	}

	data := m.Bundle
	if len(data) == 0 && m.ArtifactKey != "" {
		if r.artifacts == nil {
			return nil, errs.Internal("model "+m.ModelName+" is stored in object storage but none is configured", nil)
		}
		var err error
		data, err = r.artifacts.Get(ctx, m.ArtifactKey)
		if err != nil {
			return nil, errs.Upstream("object storage", err)
		}
	}
	if len(data) == 0 {
		return nil, errs.Internal("model "+m.ModelName+" has no bundle", nil)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, data, r.cacheTTL); err != nil {
			r.logger.Warn("bundle cache set failed", zap.Int64("model_id", m.ID), zap.Error(err))
		}
	}
	return data, nil
}

// LoadIForest decodes the anomaly bundle of m.
func (r *Registry) LoadIForest(ctx context.Context, m *models.MLModel) (*IForestBundle, error) {
	data, err := r.Bundle(ctx, m)
	if err != nil {
		return nil, err
	}
	b, err := DecodeIForest(data)
	if err != nil {
		return nil, errs.Internal("invalid anomaly bundle for "+m.ModelName, err)
	}
	return b, nil
}

// LoadForecast decodes the forecast bundle of m.
func (r *Registry) LoadForecast(ctx context.Context, m *models.MLModel) (*ForecastBundle, error) {
	data, err := r.Bundle(ctx, m)
	if err != nil {
		return nil, err
	}
	b, err := DecodeForecast(data)
	if err != nil {
		return nil, errs.Internal("invalid forecast bundle for "+m.ModelName, err)
	}
	return b, nil
}
