package cmd

import (
	"context"
	"time"

	"odsflow/internal/config"
	"odsflow/internal/observability"
	"odsflow/internal/pipeline"
	"odsflow/internal/schema"
	"odsflow/internal/store"
	"odsflow/pkg/models"
)

// app holds what the run commands share: configuration, logger, metrics,
// the store connection and the run history.
type app struct {
	config  *models.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	store   *store.Service
	history *pipeline.History
	locks   *pipeline.TableLocks
}

func newApp() (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &app{
		config:  cfg,
		logger:  logger,
		metrics: observability.NewMetrics(),
		locks:   pipeline.NewTableLocks(),
	}, nil
}

// connect opens the target store.
func (a *app) connect(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	sc, err := config.StoreConfig(a.config.Store)
	if err != nil {
		return err
	}
	svc, err := store.NewService(sc, a.logger)
	if err != nil {
		return err
	}
	if err := svc.Connect(ctx); err != nil {
		return err
	}
	a.store = svc
	return nil
}

func (a *app) openHistory() error {
	if a.history != nil {
		return nil
	}
	h, err := pipeline.NewHistory(a.config.History.Dir, a.config.History.MaxRuns, a.config.History.Retention)
	if err != nil {
		return err
	}
	a.history = h
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WarnWithFields("failed to close store", map[string]interface{}{"error": err.Error()})
		}
	}
}

// descriptors loads the configured pipelines and selects names from them.
func (a *app) descriptors(names []string) ([]*schema.Descriptor, error) {
	all, err := schema.Load(a.config.Pipelines.Dirs, a.config.Pipelines.Files)
	if err != nil {
		return nil, err
	}
	return schema.Select(all, names)
}

func (a *app) factory(validateOnly bool) pipeline.Factory {
	return func(d *schema.Descriptor) (*pipeline.Runner, error) {
		opts := []pipeline.Option{
			pipeline.WithLogger(a.logger),
			pipeline.WithMetrics(a.metrics),
			pipeline.WithLocks(a.locks),
			pipeline.WithBatchSize(a.config.Runtime.BatchSize),
		}
		if validateOnly {
			opts = append(opts, pipeline.ValidateOnly())
		}
		return pipeline.NewRunner(d, a.store, a.store.Dialect(), opts...)
	}
}

// runPipelines runs ds, records every result in the history and pushes
// metrics when a Pushgateway is configured.
func (a *app) runPipelines(ctx context.Context, ds []*schema.Descriptor, concurrency int, validateOnly bool) ([]*pipeline.Result, error) {
	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	if err := a.openHistory(); err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = a.config.Runtime.Concurrency
	}

	start := time.Now()
	results, runErr := pipeline.RunAll(ctx, ds, concurrency, a.factory(validateOnly))

	for _, res := range results {
		if err := a.history.Record(res); err != nil {
			a.logger.WarnWithFields("failed to record run history", map[string]interface{}{
				"pipeline": res.Pipeline,
				"error":    err.Error(),
			})
		}
	}

	if url := a.config.Metrics.PushGateway; url != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.metrics.Push(pushCtx, url, a.config.Metrics.Job); err != nil {
			a.logger.WarnWithFields("failed to push metrics", map[string]interface{}{"error": err.Error()})
		}
	}

	a.logger.InfoWithFields("runs finished", map[string]interface{}{
		"pipelines":   len(ds),
		"failed":      countFailed(results),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return results, runErr
}

func countFailed(results []*pipeline.Result) int {
	n := 0
	for _, r := range results {
		if r != nil && !r.Succeeded() {
			n++
		}
	}
	return n
}
