package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"branchanalytics/errs"
	"branchanalytics/models"
	"branchanalytics/utils"
)

// Memory is a goroutine-safe in-memory Store.
type Memory struct {
	mu sync.RWMutex

	nextID    int64
	metrics   map[string]*models.DailyBranchMetrics
	mlModels  map[int64]*models.MLModel
	anomalies map[int64]*models.AnomalyResult
	forecasts []*models.ForecastResult
	reports   map[int64]*models.Report

	now func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		metrics:   map[string]*models.DailyBranchMetrics{},
		mlModels:  map[int64]*models.MLModel{},
		anomalies: map[int64]*models.AnomalyResult{},
		reports:   map[int64]*models.Report{},
		now:       time.Now,
	}
}

var _ Store = (*Memory)(nil)

func dayKey(branchID int, day time.Time) string {
	return day.Format(models.DateLayout) + "#" + strconv.Itoa(branchID)
}

func (s *Memory) id() int64 {
	s.nextID++
	return s.nextID
}

func sameDay(a, b time.Time) bool {
	return a.Format(models.DateLayout) == b.Format(models.DateLayout)
}

func inRange(d, from, to time.Time) bool {
	k := d.Format(models.DateLayout)
	return k >= from.Format(models.DateLayout) && k <= to.Format(models.DateLayout)
}

// Ping always succeeds.
func (s *Memory) Ping(context.Context) error { return nil }

// --- metrics ---

func (s *Memory) UpsertDailyMetrics(_ context.Context, m *models.DailyBranchMetrics) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := dayKey(m.BranchID, m.ReportDate)
	cp := *m
	now := s.now()
	if old, ok := s.metrics[k]; ok {
		cp.ID = old.ID
		cp.CreatedAt = old.CreatedAt
		cp.UpdatedAt = now
		s.metrics[k] = &cp
		return cp.ID, false, nil
	}
	cp.ID = s.id()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.metrics[k] = &cp
	return cp.ID, true, nil
}

func (s *Memory) GetDailyMetrics(_ context.Context, branchID int, day time.Time) (*models.DailyBranchMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[dayKey(branchID, day)]
	if !ok {
		return nil, errs.NotFound("no metrics for branch %d on %s", branchID, day.Format(models.DateLayout))
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) ListDailyMetrics(_ context.Context, branchID int, from, to time.Time) ([]models.DailyBranchMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DailyBranchMetrics
	for _, m := range s.metrics {
		if branchID != 0 && m.BranchID != branchID {
			continue
		}
		if !inRange(m.ReportDate, from, to) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReportDate.Equal(out[j].ReportDate) {
			return out[i].ReportDate.Before(out[j].ReportDate)
		}
		return out[i].BranchID < out[j].BranchID
	})
	return out, nil
}

func (s *Memory) BranchIDs(context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[int]bool{}
	var out []int
	for _, m := range s.metrics {
		if !seen[m.BranchID] {
			seen[m.BranchID] = true
			out = append(out, m.BranchID)
		}
	}
	sort.Ints(out)
	return out, nil
}

// --- models ---

func (s *Memory) SaveModel(_ context.Context, m *models.MLModel, activate bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.ID = s.id()
	cp.IsActive = activate
	if cp.TrainedAt.IsZero() {
		cp.TrainedAt = s.now()
	}
	if activate {
		for _, other := range s.mlModels {
			if other.ModelName == cp.ModelName {
				other.IsActive = false
			}
		}
	}
	s.mlModels[cp.ID] = &cp
	m.ID, m.IsActive, m.TrainedAt = cp.ID, cp.IsActive, cp.TrainedAt
	return cp.ID, nil
}

func (s *Memory) GetModel(_ context.Context, id int64) (*models.MLModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mlModels[id]
	if !ok {
		return nil, errs.NotFound("model %d not found", id)
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) ActiveModel(_ context.Context, name string) (*models.MLModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mlModels {
		if m.ModelName == name && m.IsActive {
			cp := *m
			return &cp, nil
		}
	}
	return nil, errs.NotFound("no active model named %s", name)
}

func (s *Memory) ActivateModel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.mlModels[id]
	if !ok {
		return errs.NotFound("model %d not found", id)
	}
	for _, m := range s.mlModels {
		if m.ModelName == target.ModelName {
			m.IsActive = m.ID == id
		}
	}
	return nil
}

func (s *Memory) ModelHistory(_ context.Context, names []string, limit int) ([]models.MLModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	var out []models.MLModel
	for _, m := range s.mlModels {
		if want[m.ModelName] {
			cp := *m
			cp.Bundle = nil
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TrainedAt.Equal(out[j].TrainedAt) {
			return out[i].TrainedAt.After(out[j].TrainedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) ModelVersions(_ context.Context, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, m := range s.mlModels {
		if m.ModelName == name {
			out = append(out, m.ModelVersion)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ActiveCount counts active rows for a name.
func (s *Memory) ActiveCount(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.mlModels {
		if m.ModelName == name && m.IsActive {
			n++
		}
	}
	return n
}

// --- anomalies ---

func (s *Memory) SaveAnomaly(_ context.Context, r *models.AnomalyResult) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	for _, old := range s.anomalies {
		if old.BranchID == r.BranchID && old.ModelID == r.ModelID && sameDay(old.AnalysisDate, r.AnalysisDate) {
			cp.ID, cp.CreatedAt = old.ID, old.CreatedAt
			cp.Status = old.Status
			cp.ResolutionNotes, cp.ResolvedBy, cp.ResolvedAt = old.ResolutionNotes, old.ResolvedBy, old.ResolvedAt
			s.anomalies[cp.ID] = &cp
			r.ID = cp.ID
			return cp.ID, nil
		}
	}
	cp.ID = s.id()
	cp.CreatedAt = s.now()
	if cp.Status == "" {
		cp.Status = models.StatusDetected
	}
	s.anomalies[cp.ID] = &cp
	r.ID = cp.ID
	return cp.ID, nil
}

func (s *Memory) GetAnomaly(_ context.Context, id int64) (*models.AnomalyResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anomalies[id]
	if !ok {
		return nil, errs.NotFound("anomaly result %d not found", id)
	}
	cp := *a
	return &cp, nil
}

func (s *Memory) ListAnomalies(_ context.Context, branchID int, from, to time.Time) ([]models.AnomalyResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AnomalyResult
	for _, a := range s.anomalies {
		if (branchID == 0 || a.BranchID == branchID) && inRange(a.AnalysisDate, from, to) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) UpdateAnomalyStatus(_ context.Context, id int64, status, notes, by string, at time.Time) (*models.AnomalyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.anomalies[id]
	if !ok {
		return nil, errs.NotFound("anomaly result %d not found", id)
	}
	if !models.CanTransition(a.Status, status) {
		return nil, errs.Input("cannot move anomaly from %s to %s", a.Status, status)
	}
	a.Status = status
	if n := utils.OptionalString(notes); n != nil {
		a.ResolutionNotes = n
	}
	if status == models.StatusResolved || status == models.StatusIgnored {
		a.ResolvedBy = &by
		a.ResolvedAt = &at
	}
	cp := *a
	return &cp, nil
}

// --- forecasts ---

func (s *Memory) SaveForecast(_ context.Context, f *models.ForecastResult) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	for i, old := range s.forecasts {
		if old.BranchID == f.BranchID && old.ModelID == f.ModelID && old.TargetMetric == f.TargetMetric &&
			sameDay(old.ForecastDate, f.ForecastDate) {
			cp.ID, cp.CreatedAt = old.ID, old.CreatedAt
			s.forecasts[i] = &cp
			f.ID, f.CreatedAt = cp.ID, cp.CreatedAt
			return cp.ID, nil
		}
	}
	cp.ID = s.id()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.forecasts = append(s.forecasts, &cp)
	f.ID, f.CreatedAt = cp.ID, cp.CreatedAt
	return cp.ID, nil
}

func (s *Memory) LatestForecasts(_ context.Context, branchID int, limit int) ([]models.ForecastResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ForecastResult
	for i := len(s.forecasts) - 1; i >= 0; i-- {
		f := s.forecasts[i]
		if f.BranchID == branchID {
			out = append(out, *f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- reports ---

func (s *Memory) findReport(branchID int, day time.Time) *models.Report {
	for _, r := range s.reports {
		if r.BranchID == branchID && sameDay(r.ReportDate, day) {
			return r
		}
	}
	return nil
}

func (s *Memory) GetReport(_ context.Context, branchID int, day time.Time) (*models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.findReport(branchID, day)
	if r == nil {
		return nil, errs.NotFound("no report for branch %d on %s", branchID, day.Format(models.DateLayout))
	}
	cp := *r
	return &cp, nil
}

func (s *Memory) GetReportByID(_ context.Context, id int64) (*models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, errs.NotFound("report %d not found", id)
	}
	cp := *r
	return &cp, nil
}

func (s *Memory) UpsertReport(_ context.Context, r *models.Report) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	now := s.now()
	if old := s.findReport(r.BranchID, r.ReportDate); old != nil {
		cp.ID, cp.CreatedAt = old.ID, old.CreatedAt
	} else {
		cp.ID = s.id()
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.reports[cp.ID] = &cp
	r.ID, r.CreatedAt, r.UpdatedAt = cp.ID, cp.CreatedAt, cp.UpdatedAt
	return cp.ID, nil
}

func (s *Memory) MarkReportSent(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return errs.NotFound("report %d not found", id)
	}
	r.IsSent = true
	r.SentAt = &at
	r.UpdatedAt = s.now()
	return nil
}

func (s *Memory) ListReports(_ context.Context, f ReportFilter) ([]models.Report, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Report
	for _, r := range s.reports {
		if f.BranchID != 0 && r.BranchID != f.BranchID {
			continue
		}
		if !f.From.IsZero() && r.ReportDate.Format(models.DateLayout) < f.From.Format(models.DateLayout) {
			continue
		}
		if !f.To.IsZero() && r.ReportDate.Format(models.DateLayout) > f.To.Format(models.DateLayout) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReportDate.Equal(out[j].ReportDate) {
			return out[i].ReportDate.After(out[j].ReportDate)
		}
		return out[i].BranchID < out[j].BranchID
	})
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			out = nil
		} else {
			out = out[f.Offset:]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}
