package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"odsflow/internal/common"
	"odsflow/internal/config"
	"odsflow/internal/merge"
	"odsflow/internal/schema"
	"odsflow/internal/ui"
	"odsflow/pkg/models"
	apperrors "odsflow/pkg/errors"
)

var initFlags struct {
	driver string
	force  bool
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a starter config and example pipeline",
	Long: `Write config.yaml and pipelines/example.yaml into dir (default the
current directory). Existing files are kept unless --force is given or,
on a terminal, the overwrite is confirmed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initFlags.driver, "driver", "sqlite", "store driver: snowflake, postgres or sqlite")
	initCmd.Flags().BoolVar(&initFlags.force, "force", false, "overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

const examplePipeline = `name: example
table: ODS_CUSTOMER
columns:
  - {name: customer_id, type: VARCHAR(20), nullable: false}
  - {name: name, type: VARCHAR(100)}
  - {name: signup_date, type: DATE, format: YYYY-MM-DD}
  - {name: credit_limit, type: "NUMBER(12,2)"}
unique_key: [customer_id]
mode: merge
policy: abort
source:
  kind: table
  table: STAGE_CUSTOMER
  interface_id: CUSTOMER
`

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	if _, err := schema.Parse([]byte(examplePipeline)); err != nil {
		return err
	}

	store := models.Store{Driver: initFlags.driver}
	switch initFlags.driver {
	case "sqlite":
		store.Path = "odsflow.db"
	case "postgres":
		store.Host, store.Port, store.Database, store.SSLMode = "localhost", 5432, "ods", "disable"
	case "snowflake":
		store.Account, store.Warehouse, store.Database, store.Schema = "<account>", "<warehouse>", "<database>", "PUBLIC"
	default:
		return apperrors.ConfigError(fmt.Sprintf("unsupported driver %q", initFlags.driver), "store.driver")
	}

	cfg := &models.Config{
		Store:     store,
		Pipelines: models.Pipelines{Dirs: []string{"pipelines"}},
		Runtime:   models.Runtime{BatchSize: merge.DefaultBatchSize, Concurrency: 1},
		Logging:   models.Logging{Level: "info", Format: "text"},
		Metrics:   models.Metrics{Job: "odsflow"},
		History:   models.History{Dir: filepath.Join(config.GetConfigPath(), "history"), MaxRuns: 100, Retention: 30 * 24 * time.Hour},
		Schedules: []models.Schedule{{Name: "nightly", Cron: "0 2 * * *", Pipelines: []string{"example"}}},
	}

	configFile := filepath.Join(dir, "config.yaml")
	pipelineFile := filepath.Join(dir, "pipelines", "example.yaml")
	for _, f := range []string{configFile, pipelineFile} {
		if _, err := os.Stat(f); err != nil || initFlags.force {
			continue
		}
		overwrite := false
		if ui.Interactive(cmd.InOrStdin()) {
			ok, err := ui.Confirm(fmt.Sprintf("%s already exists. Overwrite it?", f), false)
			if err != nil {
				return err
			}
			overwrite = ok
		}
		if !overwrite {
			return apperrors.New(apperrors.ErrCodeInvalidInput, fmt.Sprintf("%s already exists", f)).
				WithSuggestions("Pass --force to overwrite it")
		}
	}

	if err := config.Save(cfg, configFile); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(pipelineFile), common.DirPermissionNormal); err != nil {
		return fmt.Errorf("failed to create pipelines directory: %w", err)
	}
	if err := os.WriteFile(pipelineFile, []byte(examplePipeline), common.FilePermissionSecure); err != nil {
		return fmt.Errorf("failed to write example pipeline: %w", err)
	}

	ui.ShowSuccess("Project initialized")
	ui.PrintKeyValue("Config", configFile)
	ui.PrintKeyValue("Pipeline", pipelineFile)
	ui.ShowInfo("Edit the store settings, then try 'odsflow plan example'")
	return nil
}
