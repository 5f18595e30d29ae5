package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odsflow/pkg/errors"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		field   string
	}{
		{
			name:   "snowflake",
			config: Config{Account: "xy12345", Username: "loader", Password: "pw", Warehouse: "WH"},
		},
		{
			name:    "snowflake without warehouse",
			config:  Config{Driver: "snowflake", Account: "xy12345", Username: "loader", Password: "pw"},
			wantErr: true,
			field:   "store.warehouse",
		},
		{
			name:   "postgres",
			config: Config{Driver: "postgresql", Host: "db", Database: "ods"},
		},
		{
			name:    "postgres without host",
			config:  Config{Driver: "postgres", Database: "ods"},
			wantErr: true,
			field:   "store.host",
		},
		{
			name:    "sqlite without path",
			config:  Config{Driver: "sqlite"},
			wantErr: true,
			field:   "store.path",
		},
		{
			name:    "unknown driver",
			config:  Config{Driver: "oracle"},
			wantErr: true,
			field:   "store.driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.config)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.field, appErr.Context["field"])
		})
	}
}

func TestDialectFor(t *testing.T) {
	for driver, want := range map[string]string{
		"":          "snowflake",
		"Snowflake": "snowflake",
		"pgx":       "postgres",
		"sqlite3":   "sqlite",
	} {
		d, err := DialectFor(driver)
		require.NoError(t, err, driver)
		assert.Equal(t, want, d.Name)
	}

	_, err := DialectFor("mysql")
	assert.Error(t, err)
}

func TestParams(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("JST", 9*3600))

	p := Postgres.NewParams()
	assert.Equal(t, "$1", p.Add("a"))
	assert.Equal(t, "$2", p.Add(at))
	assert.Equal(t, []any{"a", at}, p.Args())

	s := SQLite.NewParams()
	assert.Equal(t, "?", s.Add(at))
	assert.Equal(t, []any{"2024-03-01 00:30:00.000000"}, s.Args())
}

func TestDSN(t *testing.T) {
	t.Run("snowflake", func(t *testing.T) {
		s, err := NewService(Config{
			Account:          "xy12345",
			Username:         "loader",
			Password:         "pw",
			Warehouse:        "LOAD_WH",
			Database:         "ODS",
			StatementTimeout: time.Minute,
		}, nil)
		require.NoError(t, err)

		driver, dsn, err := s.DSN()
		require.NoError(t, err)
		assert.Equal(t, "snowflake", driver)
		assert.Contains(t, dsn, "LOAD_WH")
		assert.Contains(t, dsn, "STATEMENT_TIMEOUT_IN_SECONDS=60")
	})

	t.Run("postgres", func(t *testing.T) {
		s, err := NewService(Config{
			Driver:           "postgres",
			Host:             "db",
			Port:             5432,
			Database:         "ods",
			Username:         "loader",
			Password:         "pw",
			SSLMode:          "disable",
			StatementTimeout: 2 * time.Second,
		}, nil)
		require.NoError(t, err)

		driver, dsn, err := s.DSN()
		require.NoError(t, err)
		assert.Equal(t, "pgx", driver)
		assert.Equal(t, "postgres://loader:pw@db:5432/ods?sslmode=disable&statement_timeout=2000", dsn)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewService(Config{Driver: "sqlite", Path: "/data/ods.db"}, nil)
		require.NoError(t, err)

		driver, dsn, err := s.DSN()
		require.NoError(t, err)
		assert.Equal(t, "sqlite", driver)
		assert.Equal(t, "file:/data/ods.db?_pragma=busy_timeout%285000%29&_txlock=immediate", dsn)
	})
}

func TestBeginTxRequiresConnection(t *testing.T) {
	s, err := NewService(Config{Driver: "sqlite", Path: "unused.db"}, nil)
	require.NoError(t, err)

	_, err = s.BeginTx(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectionFailed))
	assert.NoError(t, s.Close())
}

func TestServiceWithMock(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectClose()

	s := NewWithDB(db, Snowflake)
	assert.Equal(t, Snowflake, s.Dialect())
	require.NoError(t, s.Ping(context.Background()))

	tx, err := s.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	require.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectSQLite(t *testing.T) {
	s, err := NewService(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ods.db")}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	tx, err := s.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n))
	assert.Equal(t, 0, n)
}
