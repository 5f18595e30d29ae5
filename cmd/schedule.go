package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"odsflow/internal/observability"
	"odsflow/internal/scheduler"
	"odsflow/internal/ui"
	"odsflow/pkg/models"
	apperrors "odsflow/pkg/errors"
)

var scheduleFlags struct {
	list   bool
	once   string
	listen string
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the configured schedules until interrupted",
	Long: `Fire the pipelines of every configured schedule on its cron expression.
A schedule still running when it is due again is skipped for that firing.

When metrics.listen (or --listen) is set, /metrics serves Prometheus
metrics and /healthz reports whether the target store is reachable.`,
	Example: `  odsflow schedule
  odsflow schedule --list
  odsflow schedule --once nightly`,
	Args: cobra.NoArgs,
	RunE: runSchedule,
}

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleFlags.list, "list", false, "list the schedules and exit")
	scheduleCmd.Flags().StringVar(&scheduleFlags.once, "once", "", "fire the named schedule now and exit")
	scheduleCmd.Flags().StringVar(&scheduleFlags.listen, "listen", "", "address for /metrics and /healthz (default metrics.listen)")
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if len(a.config.Schedules) == 0 {
		return apperrors.New(apperrors.ErrCodeConfigMissing, "No schedules configured").
			WithSuggestions("Add a schedules section with a name, cron expression and pipelines to the config file")
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	sched := scheduler.New(func(ctx context.Context, s models.Schedule) error {
		ds, err := a.descriptors(s.Pipelines)
		if err != nil {
			return err
		}
		results, err := a.runPipelines(ctx, ds, 0, false)
		if err != nil && results != nil {
			ui.RenderResults(cmd.OutOrStdout(), results)
		}
		return err
	}, a.logger)
	if err := sched.Load(a.config.Schedules); err != nil {
		return err
	}

	if scheduleFlags.list {
		ui.RenderSchedules(cmd.OutOrStdout(), sched.Entries())
		return nil
	}
	if scheduleFlags.once != "" {
		return sched.Trigger(ctx, scheduleFlags.once)
	}

	if err := a.connect(ctx); err != nil {
		return err
	}

	listen := scheduleFlags.listen
	if listen == "" {
		listen = a.config.Metrics.Listen
	}
	var srv *http.Server
	if listen != "" {
		srv = serveMetrics(listen, a)
	}

	sched.Start(ctx)
	ui.RenderSchedules(cmd.OutOrStdout(), sched.Entries())
	<-ctx.Done()

	stopped := sched.Stop()
	a.logger.Info("waiting for running schedules to finish")
	<-stopped.Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

func serveMetrics(addr string, a *app) *http.Server {
	health := observability.NewHealthManager(5 * time.Second)
	health.RegisterCheck("store", func(ctx context.Context) error {
		if a.store == nil {
			return errors.New("not connected")
		}
		return a.store.Ping(ctx)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", health.HealthHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		a.logger.InfoWithFields("serving metrics", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.ErrorWithFields("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	return srv
}
