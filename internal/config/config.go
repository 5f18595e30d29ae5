package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"
    "gopkg.in/yaml.v3"

    "odsflow/internal/common"
    "odsflow/internal/merge"
    "odsflow/internal/store"
    "odsflow/pkg/models"
    apperrors "odsflow/pkg/errors"
)

// EnvPrefix prefixes environment overrides, e.g. ODSFLOW_STORE_PASSWORD.
const EnvPrefix = "ODSFLOW"

func GetConfigPath() string {
    if configPath := os.Getenv("ODSFLOW_CONFIG"); configPath != "" {
        return filepath.Dir(configPath)
    }
    home, _ := os.UserHomeDir()
    return filepath.Join(home, ".odsflow")
}

func GetConfigFile() string {
    if configFile := os.Getenv("ODSFLOW_CONFIG"); configFile != "" {
        return filepath.Clean(configFile)
    }
    return filepath.Join(GetConfigPath(), "config.yaml")
}

// SetDefaults registers the default value of every setting.
func SetDefaults(v *viper.Viper) {
    v.SetDefault("store.driver", "snowflake")
    v.SetDefault("store.timeout", 30*time.Second)
    v.SetDefault("store.max_open_conns", 10)
    v.SetDefault("pipelines.dirs", []string{"pipelines"})
    v.SetDefault("runtime.batch_size", merge.DefaultBatchSize)
    v.SetDefault("runtime.concurrency", 1)
    v.SetDefault("logging.level", "info")
    v.SetDefault("logging.format", "json")
    v.SetDefault("metrics.job", "odsflow")
    v.SetDefault("history.dir", filepath.Join(GetConfigPath(), "history"))
    v.SetDefault("history.max_runs", 100)
    v.SetDefault("history.retention", 30*24*time.Hour)
}

// Setup prepares v to read the config file and ODSFLOW_* environment
// variables. An explicit file wins over the search path.
func Setup(v *viper.Viper, file string) {
    SetDefaults(v)

    if file != "" {
        v.SetConfigFile(file)
    } else if env := os.Getenv("ODSFLOW_CONFIG"); env != "" {
        v.SetConfigFile(env)
    } else {
        v.SetConfigName("config")
        v.SetConfigType("yaml")
        v.AddConfigPath(".")
        v.AddConfigPath(GetConfigPath())
    }

    v.SetEnvPrefix(EnvPrefix)
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    v.AutomaticEnv()
}

// Read reads the config file set up on v. A missing file on the search
// path is not an error; defaults and environment still apply.
func Read(v *viper.Viper) error {
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if errors.As(err, &notFound) {
            return nil
        }
        return apperrors.New(apperrors.ErrCodeConfigInvalid, fmt.Sprintf("failed to read config: %v", err)).
            WithContext("file", v.ConfigFileUsed())
    }
    return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*models.Config, error) {
    var config models.Config
    if err := v.Unmarshal(&config); err != nil {
        return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, fmt.Sprintf("failed to decode config: %v", err))
    }
    if err := Validate(&config); err != nil {
        return nil, err
    }
    return &config, nil
}

// LoadFile is Setup, Read and Load on a fresh viper instance.
func LoadFile(file string) (*models.Config, error) {
    v := viper.New()
    Setup(v, file)
    if err := Read(v); err != nil {
        return nil, err
    }
    return Load(v)
}

// Validate checks settings that would otherwise fail late.
func Validate(config *models.Config) error {
    if _, err := store.DialectFor(config.Store.Driver); err != nil {
        return apperrors.ConfigError(err.Error(), "store.driver")
    }
    if config.Runtime.BatchSize < 0 {
        return apperrors.ConfigError("batch_size must not be negative", "runtime.batch_size")
    }
    if config.Runtime.Concurrency < 0 {
        return apperrors.ConfigError("concurrency must not be negative", "runtime.concurrency")
    }
    names := make(map[string]bool, len(config.Schedules))
    for i, s := range config.Schedules {
        if s.Name == "" {
            return apperrors.ConfigError(fmt.Sprintf("schedules[%d]: name is required", i), "schedules")
        }
        if names[s.Name] {
            return apperrors.ConfigError(fmt.Sprintf("schedule %q declared twice", s.Name), "schedules")
        }
        names[s.Name] = true
        if strings.TrimSpace(s.Cron) == "" {
            return apperrors.ConfigError(fmt.Sprintf("schedule %q has no cron expression", s.Name), "schedules")
        }
    }
    return nil
}

// StoreConfig converts the store settings, resolving the password.
func StoreConfig(s models.Store) (store.Config, error) {
    password, err := ResolveSecret(s.Password)
    if err != nil {
        return store.Config{}, err
    }
    return store.Config{
        Driver:           s.Driver,
        Account:          s.Account,
        Username:         s.Username,
        Password:         password,
        Database:         s.Database,
        Schema:           s.Schema,
        Warehouse:        s.Warehouse,
        Role:             s.Role,
        Host:             s.Host,
        Port:             s.Port,
        SSLMode:          s.SSLMode,
        Path:             s.Path,
        Timeout:          s.Timeout,
        StatementTimeout: s.StatementTimeout,
        MaxOpenConns:     s.MaxOpenConns,
    }, nil
}

// Save writes config as YAML, encrypting a plain password first.
func Save(config *models.Config, file string) error {
    if file == "" {
        file = GetConfigFile()
    }
    if err := os.MkdirAll(filepath.Dir(file), common.DirPermissionSecure); err != nil {
        return fmt.Errorf("failed to create config directory: %w", err)
    }

    out := *config
    if err := EncryptConfigPasswords(&out); err != nil {
        return err
    }

    data, err := yaml.Marshal(&out)
    if err != nil {
        return fmt.Errorf("failed to marshal config: %w", err)
    }

    if err := os.WriteFile(file, data, common.FilePermissionSecure); err != nil {
        return fmt.Errorf("failed to write config file: %w", err)
    }

    return nil
}
