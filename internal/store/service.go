// Package store manages the connection to the target warehouse.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/snowflakedb/gosnowflake"
	_ "modernc.org/sqlite"

	"odsflow/internal/observability"
	"odsflow/pkg/errors"
)

// Execer is what pipeline steps need from a transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// DB begins the transaction a run executes in.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Config holds target store connection configuration
type Config struct {
	Driver    string
	Account   string
	Username  string
	Password  string
	Database  string
	Schema    string
	Warehouse string
	Role      string
	Host      string
	Port      int
	SSLMode   string
	Path      string

	Timeout          time.Duration
	StatementTimeout time.Duration
	MaxOpenConns     int
}

// Service owns the *sql.DB for the configured target store.
type Service struct {
	db             *sql.DB
	config         Config
	dialect        Dialect
	connected      bool
	circuitBreaker *errors.CircuitBreaker
	retry          *errors.RetryConfig
	logger         *observability.Logger
}

// NewService creates a store service. Call Connect before use.
func NewService(config Config, logger *observability.Logger) (*Service, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	dialect, err := DialectFor(config.Driver)
	if err != nil {
		return nil, errors.ConfigError(err.Error(), "store.driver")
	}
	if logger == nil {
		logger = observability.GetDefaultLogger()
	}

	retry := errors.DefaultRetryConfig()
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.WithFields(map[string]interface{}{
			"driver":  dialect.Name,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WarnWithFields("retrying store connection", map[string]interface{}{"error": err.Error()})
	}

	return &Service{
		config:         config,
		dialect:        dialect,
		circuitBreaker: errors.NewCircuitBreaker(dialect.Name, 5, 30*time.Second),
		retry:          retry,
		logger:         logger,
	}, nil
}

// NewWithDB wraps an already opened database, mainly for tests.
func NewWithDB(db *sql.DB, dialect Dialect) *Service {
	return &Service{
		db:        db,
		dialect:   dialect,
		connected: true,
		logger:    observability.GetDefaultLogger(),
	}
}

// Connect opens the database and verifies it with a ping, retrying
// transient failures with backoff.
func (s *Service) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}

	return s.circuitBreaker.Execute(ctx, func() error {
		return errors.Retry(ctx, s.retry, func(ctx context.Context) error {
			driverName, dsn, err := s.DSN()
			if err != nil {
				return errors.ConnectionError("Failed to build connection string", err)
			}

			db, err := sql.Open(driverName, dsn)
			if err != nil {
				return errors.ConnectionError("Failed to open store connection", err).
					WithContext("driver", s.dialect.Name)
			}

			maxOpen := s.config.MaxOpenConns
			if maxOpen <= 0 {
				maxOpen = 10
			}
			db.SetMaxOpenConns(maxOpen)
			db.SetMaxIdleConns(maxOpen / 2)
			db.SetConnMaxLifetime(10 * time.Minute)

			pingCtx, cancel := s.withTimeout(ctx)
			defer cancel()

			if err := db.PingContext(pingCtx); err != nil {
				db.Close()

				if strings.Contains(strings.ToLower(err.Error()), "authentication") ||
					strings.Contains(strings.ToLower(err.Error()), "password") {
					return errors.New(errors.ErrCodeAuthenticationFailed, "Authentication failed").
						WithContext("user", s.config.Username).
						WithSuggestions(
							"Verify your username and password",
							"Check if your account is locked",
						)
				}

				return errors.ConnectionError("Failed to connect to the target store", err).
					WithContext("driver", s.dialect.Name).
					WithContext("account", s.config.Account).
					AsRecoverable()
			}

			s.db = db
			s.connected = true
			s.logger.WithField("driver", s.dialect.Name).Info("connected to target store")
			return nil
		})
	})
}

// DSN returns the database/sql driver name and data source name.
func (s *Service) DSN() (string, string, error) {
	c := s.config
	switch s.dialect.Name {
	case Snowflake.Name:
		cfg := &gosnowflake.Config{
			Account:      c.Account,
			User:         c.Username,
			Password:     c.Password,
			Database:     c.Database,
			Schema:       c.Schema,
			Warehouse:    c.Warehouse,
			Role:         c.Role,
			Application:  "odsflow",
			LoginTimeout: c.Timeout,
		}
		if c.StatementTimeout > 0 {
			secs := strconv.Itoa(int(c.StatementTimeout.Seconds()))
			cfg.Params = map[string]*string{"STATEMENT_TIMEOUT_IN_SECONDS": &secs}
		}
		dsn, err := gosnowflake.DSN(cfg)
		return "snowflake", dsn, err

	case Postgres.Name:
		host := c.Host
		if c.Port > 0 {
			host = fmt.Sprintf("%s:%d", c.Host, c.Port)
		}
		q := url.Values{}
		if c.SSLMode != "" {
			q.Set("sslmode", c.SSLMode)
		}
		if c.Schema != "" {
			q.Set("search_path", c.Schema)
		}
		if c.Timeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(c.Timeout.Seconds())))
		}
		if c.StatementTimeout > 0 {
			q.Set("statement_timeout", strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10))
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.Username, c.Password),
			Host:     host,
			Path:     "/" + c.Database,
			RawQuery: q.Encode(),
		}
		return "pgx", u.String(), nil

	case SQLite.Name:
		busy := 5000
		if c.StatementTimeout > 0 {
			busy = int(c.StatementTimeout.Milliseconds())
		}
		q := url.Values{}
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy))
		q.Set("_txlock", "immediate")
		return "sqlite", "file:" + c.Path + "?" + q.Encode(), nil
	}
	return "", "", fmt.Errorf("unsupported driver %q", s.dialect.Name)
}

// BeginTx starts the transaction a run executes in.
func (s *Service) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if !s.connected {
		return nil, errors.New(errors.ErrCodeConnectionFailed, "Not connected to the target store").
			WithSuggestions("Call Connect() before starting a run")
	}
	return s.db.BeginTx(ctx, opts)
}

// Ping checks the connection.
func (s *Service) Ping(ctx context.Context) error {
	if !s.connected {
		return s.Connect(ctx)
	}
	pingCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Dialect returns the SQL dialect of the target store.
func (s *Service) Dialect() Dialect {
	return s.dialect
}

// DB returns the underlying database handle.
func (s *Service) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *Service) Close() error {
	if !s.connected {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	s.connected = false
	return nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// ValidateConfig validates the store configuration
func ValidateConfig(config Config) error {
	switch strings.ToLower(config.Driver) {
	case "", "snowflake":
		if config.Account == "" {
			return errors.ConfigError("account is required", "store.account")
		}
		if config.Username == "" {
			return errors.ConfigError("username is required", "store.username")
		}
		if config.Password == "" {
			return errors.ConfigError("password is required", "store.password")
		}
		if config.Warehouse == "" {
			return errors.ConfigError("warehouse is required", "store.warehouse")
		}
	case "postgres", "postgresql", "pgx":
		if config.Host == "" {
			return errors.ConfigError("host is required", "store.host")
		}
		if config.Database == "" {
			return errors.ConfigError("database is required", "store.database")
		}
	case "sqlite", "sqlite3":
		if config.Path == "" {
			return errors.ConfigError("path is required", "store.path")
		}
	default:
		return errors.ConfigError(fmt.Sprintf("unsupported driver %q", config.Driver), "store.driver")
	}
	return nil
}
