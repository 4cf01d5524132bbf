package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"branchanalytics/utils"
)

// Runner runs the reports of one day.
type Runner interface {
	RunDaily(ctx context.Context, day time.Time, branchIDs []int) (*RunResult, error)
}

// cronLogger adapts zap to the cron logger.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}

// Scheduler triggers the daily run for yesterday on a cron spec.
type Scheduler struct {
	cron     *cron.Cron
	runner   Runner
	branches []int
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	last   *RunResult
}

// NewScheduler parses spec (five fields, in loc) and registers the daily job.
func NewScheduler(spec string, loc *time.Location, runner Runner, branches []int, logger *zap.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		runner:   runner,
		branches: branches,
		loc:      loc,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	cl := cronLogger{s: s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) tick() {
	day := utils.Yesterday(s.now(), s.loc)
	if _, err := s.Trigger(s.ctx, day); err != nil {
		s.logger.Error("daily run failed", zap.String("report_date", day.Format("2006-01-02")), zap.Error(err))
	}
}

// Trigger runs day immediately on the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, day time.Time) (*RunResult, error) {
	res, err := s.runner.RunDaily(ctx, day, s.branches)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res, nil
}

// Last returns the result of the latest finished run, if any.
func (s *Scheduler) Last() *RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Next returns the next scheduled activation.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Time("next_run", s.Next()))
}

// Stop stops scheduling and waits for a running job until ctx is done, after
// which the job's context is cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("daily run still in flight, cancelling")
		s.cancel()
		<-done.Done()
	}
	s.cancel()
	s.logger.Info("scheduler stopped")
}
