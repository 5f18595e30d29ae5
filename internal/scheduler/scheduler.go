// Package scheduler runs configured pipeline sets on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"odsflow/internal/observability"
	"odsflow/pkg/models"
	apperrors "odsflow/pkg/errors"
)

// RunFunc executes one firing of a schedule.
type RunFunc func(ctx context.Context, schedule models.Schedule) error

// Entry describes a registered schedule.
type Entry struct {
	Name      string
	Cron      string
	Pipelines []string
	Next      time.Time
	Prev      time.Time
}

// Scheduler fires schedules on a cron runner. A schedule whose previous
// firing is still running is skipped, and a panicking run is recovered.
type Scheduler struct {
	cron   *cron.Cron
	run    RunFunc
	logger *observability.Logger

	mu        sync.Mutex
	ctx       context.Context
	schedules map[string]models.Schedule
	ids       map[string]cron.EntryID
}

// New creates a scheduler that calls run for every firing.
func New(run RunFunc, logger *observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.GetDefaultLogger()
	}
	cl := cronLogger{logger: logger.WithField("component", "scheduler")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(
				cron.SkipIfStillRunning(cl),
				cron.Recover(cl),
			),
		),
		run:       run,
		logger:    cl.logger,
		ctx:       context.Background(),
		schedules: make(map[string]models.Schedule),
		ids:       make(map[string]cron.EntryID),
	}
}

// Add registers a schedule. Names are unique and the expression must parse
// as a standard five-field cron spec or a descriptor such as @hourly.
func (s *Scheduler) Add(schedule models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if schedule.Name == "" {
		return apperrors.ConfigError("schedule name is required", "schedules")
	}
	if _, dup := s.ids[schedule.Name]; dup {
		return apperrors.ConfigError(fmt.Sprintf("schedule %q declared twice", schedule.Name), "schedules")
	}

	sch := schedule
	id, err := s.cron.AddFunc(sch.Cron, func() { s.fire(sch) })
	if err != nil {
		return apperrors.ConfigError(fmt.Sprintf("schedule %q: invalid cron expression %q: %v", sch.Name, sch.Cron, err), "schedules").
			WithContext("schedule", sch.Name)
	}
	s.ids[sch.Name] = id
	s.schedules[sch.Name] = sch
	s.logger.InfoWithFields("schedule registered", map[string]interface{}{
		"schedule":  sch.Name,
		"cron":      sch.Cron,
		"pipelines": sch.Pipelines,
	})
	return nil
}

// Load registers every schedule, stopping at the first invalid one.
func (s *Scheduler) Load(schedules []models.Schedule) error {
	for _, sch := range schedules {
		if err := s.Add(sch); err != nil {
			return err
		}
	}
	return nil
}

// Remove unregisters a schedule. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ids[name]; ok {
		s.cron.Remove(id)
		delete(s.ids, name)
		delete(s.schedules, name)
	}
}

// Start begins firing schedules. Runs receive ctx, so canceling it
// cancels in-flight runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.InfoWithFields("scheduler started", map[string]interface{}{"schedules": len(s.Entries())})
}

// Stop stops firing new runs. The returned context is done once running
// jobs have returned.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")
	return s.cron.Stop()
}

// Trigger fires a schedule immediately, outside the cron runner.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	sch, ok := s.schedules[name]
	s.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.ErrCodeConfigNotFound, fmt.Sprintf("unknown schedule %q", name))
	}
	return s.execute(ctx, sch)
}

// Entries lists the registered schedules sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.ids))
	for name, id := range s.ids {
		e := s.cron.Entry(id)
		sch := s.schedules[name]
		out = append(out, Entry{
			Name:      name,
			Cron:      sch.Cron,
			Pipelines: sch.Pipelines,
			Next:      e.Next,
			Prev:      e.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) fire(sch models.Schedule) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	_ = s.execute(ctx, sch)
}

func (s *Scheduler) execute(ctx context.Context, sch models.Schedule) error {
	log := s.logger.WithField("schedule", sch.Name)
	start := time.Now()
	log.Info("schedule fired")

	err := s.run(ctx, sch)
	fields := map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()}
	if err != nil {
		fields["error"] = err.Error()
		log.ErrorWithFields("scheduled run failed", fields)
		return err
	}
	log.InfoWithFields("scheduled run finished", fields)
	return nil
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.DebugWithFields(msg, kvFields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := kvFields(keysAndValues)
	fields["error"] = fmt.Sprint(err)
	l.logger.ErrorWithFields(msg, fields)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
