package models

import "time"

type Config struct {
    Store     Store      `yaml:"store" mapstructure:"store"`
    Pipelines Pipelines  `yaml:"pipelines" mapstructure:"pipelines"`
    Runtime   Runtime    `yaml:"runtime" mapstructure:"runtime"`
    Logging   Logging    `yaml:"logging" mapstructure:"logging"`
    Metrics   Metrics    `yaml:"metrics" mapstructure:"metrics"`
    History   History    `yaml:"history" mapstructure:"history"`
    Schedules []Schedule `yaml:"schedules,omitempty" mapstructure:"schedules"`
}

// Store is the target warehouse connection
type Store struct {
    Driver           string        `yaml:"driver" mapstructure:"driver"`       // snowflake, postgres or sqlite
    Account          string        `yaml:"account,omitempty" mapstructure:"account"`
    Username         string        `yaml:"username,omitempty" mapstructure:"username"`
    Password         string        `yaml:"password,omitempty" mapstructure:"password"` // plain, ENC[...] or keyring:<name>
    Role             string        `yaml:"role,omitempty" mapstructure:"role"`
    Warehouse        string        `yaml:"warehouse,omitempty" mapstructure:"warehouse"`
    Database         string        `yaml:"database,omitempty" mapstructure:"database"`
    Schema           string        `yaml:"schema,omitempty" mapstructure:"schema"`
    Host             string        `yaml:"host,omitempty" mapstructure:"host"`
    Port             int           `yaml:"port,omitempty" mapstructure:"port"`
    SSLMode          string        `yaml:"sslmode,omitempty" mapstructure:"sslmode"`
    Path             string        `yaml:"path,omitempty" mapstructure:"path"` // sqlite database file
    Timeout          time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
    StatementTimeout time.Duration `yaml:"statement_timeout,omitempty" mapstructure:"statement_timeout"`
    MaxOpenConns     int           `yaml:"max_open_conns,omitempty" mapstructure:"max_open_conns"`
}

// Pipelines lists where pipeline descriptors are read from
type Pipelines struct {
    Dirs  []string `yaml:"dirs,omitempty" mapstructure:"dirs"`
    Files []string `yaml:"files,omitempty" mapstructure:"files"`
}

// Runtime controls how runs execute
type Runtime struct {
    BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`   // rows per merge statement
    Concurrency int `yaml:"concurrency" mapstructure:"concurrency"` // pipelines run at once
}

type Logging struct {
    Level  string `yaml:"level" mapstructure:"level"`
    Format string `yaml:"format" mapstructure:"format"` // json or text
    File   string `yaml:"file,omitempty" mapstructure:"file"`
}

// Metrics configures the Prometheus endpoint and Pushgateway
type Metrics struct {
    Listen      string `yaml:"listen,omitempty" mapstructure:"listen"`
    PushGateway string `yaml:"push_gateway,omitempty" mapstructure:"push_gateway"`
    Job         string `yaml:"job,omitempty" mapstructure:"job"`
}

// History configures the run history kept on disk
type History struct {
    Dir       string        `yaml:"dir,omitempty" mapstructure:"dir"`
    MaxRuns   int           `yaml:"max_runs" mapstructure:"max_runs"` // per pipeline
    Retention time.Duration `yaml:"retention,omitempty" mapstructure:"retention"`
}

// Schedule runs a set of pipelines on a cron expression
type Schedule struct {
    Name      string   `yaml:"name" mapstructure:"name"`
    Cron      string   `yaml:"cron" mapstructure:"cron"`
    Pipelines []string `yaml:"pipelines" mapstructure:"pipelines"` // empty means all
}
