package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"odsflow/internal/common"
	"odsflow/internal/config"
	"odsflow/internal/observability"
	"odsflow/internal/ui"
	"odsflow/pkg/models"
	apperrors "odsflow/pkg/errors"
)

var (
	cfgFile string
	// readErr is a config file that exists but could not be read. It is
	// reported by the commands that need the configuration.
	readErr error

	rootCmd = &cobra.Command{
		Use:   "odsflow",
		Short: "Validate staged data and load it into ODS tables",
		Long: `odsflow loads staged rows into operational data store tables.

Each pipeline stages a batch, stamps reference attributes onto it, runs the
null, type and duplication checks, and merges the clean batch into the
target table. A run commits everything or nothing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.SetOutput(cmd.OutOrStdout())
		},
	}
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		handleError(rootCmd.ErrOrStderr(), err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./config.yaml or ~/.odsflow/config.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: json or text")
	flags.String("log-file", "", "write logs to this file instead of stderr")

	bindFlags(flags, map[string]string{
		"log-level":  "logging.level",
		"log-format": "logging.format",
		"log-file":   "logging.file",
	}, false)
}

// bindFlags maps flag names to config keys. With changedOnly set, flags
// the user did not pass are left unbound so the config value wins.
func bindFlags(flags *pflag.FlagSet, keys map[string]string, changedOnly bool) {
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := keys[f.Name]
		if !ok || (changedOnly && !f.Changed) {
			return
		}
		_ = viper.BindPFlag(key, f)
	})
}

func initConfig() {
	config.Setup(viper.GetViper(), cfgFile)
	readErr = config.Read(viper.GetViper())
}

// loadConfig returns the validated configuration and installs the
// configured logger as the default.
func loadConfig() (*models.Config, *observability.Logger, error) {
	if readErr != nil {
		return nil, nil, readErr
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	observability.SetDefaultLogger(logger)
	return cfg, logger, nil
}

func newLogger(c models.Logging) (*observability.Logger, error) {
	var out io.Writer = os.Stderr
	if c.File != "" {
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, common.FilePermissionSecure)
		if err != nil {
			return nil, apperrors.ConfigError(fmt.Sprintf("cannot open log file: %v", err), "logging.file")
		}
		out = f
	}
	return observability.NewLogger(observability.LoggerConfig{
		Level:   observability.LogLevelFromString(c.Level),
		Output:  out,
		Service: "odsflow",
		Version: Version,
		Encoder: observability.EncoderFor(c.Format),
	}), nil
}

// handleError prints err with its code, context and suggestions and
// appends it to the error log.
func handleError(w io.Writer, err error) {
	handlerConfig := apperrors.DefaultErrorHandlerConfig()
	handler, herr := apperrors.NewErrorHandler(handlerConfig, w)
	if herr != nil {
		handlerConfig.LogToFile = false
		handler, _ = apperrors.NewErrorHandler(handlerConfig, w)
	}
	defer handler.Close()
	handler.Handle(err)
}
