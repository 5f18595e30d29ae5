// Package pipeline runs one validate-then-load pipeline inside a single
// transaction: stage, stamp, validate, merge, then commit or roll back.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"odsflow/internal/batch"
	"odsflow/internal/merge"
	"odsflow/internal/observability"
	"odsflow/internal/schema"
	"odsflow/internal/stamper"
	"odsflow/internal/staging"
	"odsflow/internal/store"
	"odsflow/internal/validation"
	apperrors "odsflow/pkg/errors"
)

// Runner executes a pipeline once. It is not reusable: a second call to Run
// fails without touching the store.
type Runner struct {
	descriptor   *schema.Descriptor
	db           store.DB
	source       staging.Source
	stamper      *stamper.Stamper
	chain        *validation.Chain
	engine       *merge.Engine
	locks        *TableLocks
	logger       *observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	validateOnly bool
	batchSize    int
	dialect      store.Dialect

	mu    sync.Mutex
	state State
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the run logger.
func WithLogger(l *observability.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records run, step and row metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLocks shares a table lock set between runners.
func WithLocks(l *TableLocks) Option {
	return func(r *Runner) {
		if l != nil {
			r.locks = l
		}
	}
}

// WithClock overrides the run timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithBatchSize sets the maximum rows per merge statement.
func WithBatchSize(n int) Option {
	return func(r *Runner) { r.batchSize = n }
}

// WithSource replaces the staging source built from the descriptor.
func WithSource(s staging.Source) Option {
	return func(r *Runner) { r.source = s }
}

// WithStamper replaces the stamper built from the descriptor.
func WithStamper(s *stamper.Stamper) Option {
	return func(r *Runner) { r.stamper = s }
}

// ValidateOnly stops after validation and always rolls back.
func ValidateOnly() Option {
	return func(r *Runner) { r.validateOnly = true }
}

// NewRunner prepares a run of a validated descriptor against db.
func NewRunner(d *schema.Descriptor, db store.DB, dialect store.Dialect, opts ...Option) (*Runner, error) {
	r := &Runner{
		descriptor: d,
		db:         db,
		dialect:    dialect,
		chain:      validation.NewChain(d.Policy),
		locks:      defaultLocks,
		logger:     observability.GetDefaultLogger(),
		now:        time.Now,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.source == nil {
		src, err := staging.New(d)
		if err != nil {
			return nil, apperrors.DescriptorError(d.Table, err.Error()).WithContext("pipeline", d.Name)
		}
		r.source = src
	}
	if r.stamper == nil {
		r.stamper = stamper.New(d, r.logger)
	}
	r.engine = merge.NewEngine(dialect, merge.WithBatchSize(r.batchSize), merge.WithLogger(r.logger))
	return r, nil
}

// State returns the current transaction state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run executes the pipeline. The returned result is always non-nil; err is
// the first failure, carrying pipeline, table and step context.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	d := r.descriptor
	res := &Result{
		RunID:        uuid.NewString(),
		Pipeline:     d.Name,
		Table:        d.Table,
		State:        StateIdle,
		ValidateOnly: r.validateOnly,
	}

	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		err := apperrors.New(apperrors.ErrCodeTransactionError, "Runner has already been used").
			WithContext("pipeline", d.Name).
			WithContext("state", string(r.state))
		return r.finish(res, err), err
	}
	r.state = StateRunning
	r.mu.Unlock()

	ctx = observability.ContextWithRunID(ctx, res.RunID)
	log := r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"pipeline": d.Name,
		"table":    d.Table,
	})

	at := r.now().UTC()
	res.StartedAt = at
	res.State = StateRunning
	log.InfoWithFields("run started", map[string]interface{}{
		"mode":          string(d.Mode),
		"validate_only": r.validateOnly,
	})

	err := r.execute(ctx, log, res, at)
	if err != nil {
		err = r.annotate(ctx, err, res.Step)
	}
	r.finish(res, err)

	r.metrics.RecordRun(d.Name, err == nil, res.Duration())
	fields := map[string]interface{}{
		"state":       string(res.State),
		"staged":      res.Staged,
		"violations":  len(res.Violations),
		"inserted":    res.Inserted,
		"updated":     res.Updated,
		"unchanged":   res.Unchanged,
		"deleted":     res.Deleted,
		"duration_ms": res.Duration().Milliseconds(),
	}
	if err != nil {
		fields["step"] = res.Step
		fields["error_code"] = res.ErrorCode
		log.ErrorWithFields("run failed", fields)
	} else {
		log.InfoWithFields("run finished", fields)
	}
	return res, err
}

func (r *Runner) execute(ctx context.Context, log *observability.Logger, res *Result, at time.Time) error {
	d := r.descriptor

	release, err := r.locks.Acquire(ctx, d.Table)
	if err != nil {
		r.setState(StateRolledBack)
		return err
	}
	defer release()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.setState(StateRolledBack)
		return apperrors.TransactionError("Failed to begin transaction", err)
	}

	var b *batch.Batch
	defer func() {
		if b != nil {
			b.Discard()
		}
	}()

	steps := []struct {
		name string
		fn   func() error
	}{
		{StepStage, func() error {
			staged, err := r.source.Fetch(ctx, tx, staging.FilterFor(d))
			if err != nil {
				return err
			}
			if staged == nil {
				staged = batch.New(nil)
			}
			b = staged
			res.Staged = b.Len()
			r.metrics.AddRows(d.Name, "staged", int64(res.Staged))
			return nil
		}},
		{StepStamp, func() error {
			if r.stamper == nil {
				return nil
			}
			n, err := r.stamper.Stamp(ctx, tx, b)
			res.Stamped = n
			return err
		}},
		{StepValidate, func() error {
			out, err := r.chain.Run(ctx, d, b)
			if out != nil {
				res.Violations = out.Violations
				r.metrics.AddRows(d.Name, "violations", int64(len(out.ViolatingRows())))
				if out.Clean != nil {
					b = out.Clean
				}
			}
			return err
		}},
		{StepMerge, func() error {
			if r.validateOnly {
				return nil
			}
			stats, err := r.engine.Apply(ctx, tx, d, b, at)
			res.Stats = stats
			return err
		}},
	}

	for _, step := range steps {
		res.Step = step.name
		start := time.Now()
		err := step.fn()
		if err == nil {
			err = ctx.Err()
		}
		r.metrics.RecordStep(d.Name, step.name, err, time.Since(start))
		if err != nil {
			r.rollback(tx, log)
			return err
		}
		log.DebugWithFields("step finished", map[string]interface{}{
			"step":        step.name,
			"rows":        b.Len(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	res.Step = ""

	if r.validateOnly {
		r.rollback(tx, log)
		return nil
	}

	if err := tx.Commit(); err != nil {
		r.setState(StateRolledBack)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.TransactionError("Failed to commit transaction", err)
	}
	r.setState(StateCommitted)

	r.metrics.AddRows(d.Name, "inserted", res.Inserted)
	r.metrics.AddRows(d.Name, "updated", res.Updated)
	r.metrics.AddRows(d.Name, "unchanged", res.Unchanged)
	r.metrics.AddRows(d.Name, "deleted", res.Deleted)
	return nil
}

// rollback ends the transaction. A transaction already closed by context
// cancellation is not an error.
func (r *Runner) rollback(tx *sql.Tx, log *observability.Logger) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.ErrorWithFields("rollback failed", map[string]interface{}{"error": err.Error()})
	}
	r.setState(StateRolledBack)
}

// annotate adds run context to err without changing what it matches.
func (r *Runner) annotate(ctx context.Context, err error, step string) error {
	d := r.descriptor

	var appErr *apperrors.AppError
	switch {
	case ctx.Err() != nil:
		canceled := apperrors.Wrap(ctx.Err(), apperrors.ErrCodeCanceled, "Run canceled")
		if !errors.Is(err, ctx.Err()) {
			canceled.WithContext("cause", err.Error())
		}
		appErr = canceled
	case errors.As(err, &appErr):
	default:
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternal, err.Error())
	}

	appErr.WithContext("pipeline", d.Name).WithContext("table", d.Table)
	if step != "" {
		appErr.WithContext("step", step)
	}
	return appErr
}

func (r *Runner) finish(res *Result, err error) *Result {
	res.State = r.State()
	if res.StartedAt.IsZero() {
		res.StartedAt = r.now().UTC()
	}
	res.FinishedAt = r.now().UTC()
	if err != nil {
		res.Status = StatusFailure
		res.Error = err.Error()
		res.ErrorCode = string(apperrors.GetErrorCode(err))
		return res
	}
	res.Status = StatusSuccess
	return res
}
