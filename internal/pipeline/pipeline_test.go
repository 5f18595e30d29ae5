package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odsflow/internal/batch"
	"odsflow/internal/schema"
	"odsflow/internal/staging"
	"odsflow/internal/stamper"
	"odsflow/internal/store"
	"odsflow/internal/testutil"
	apperrors "odsflow/pkg/errors"
)

var targetColumns = []string{"plant_code", "unit", "date", "gen_0030", "plant_name"}

func generation(t *testing.T, policy schema.Policy) *schema.Descriptor {
	t.Helper()
	d := &schema.Descriptor{
		Name:  "unit_generation",
		Table: "unit_generation",
		Columns: []schema.Column{
			{Name: "plant_code", Type: "VARCHAR(10)"},
			{Name: "unit", Type: "VARCHAR(10)"},
			{Name: "date", Type: "DATE", Format: "YYYY/MM/DD"},
			{Name: "gen_0030", Type: "NUMBER(6,1)", Nullable: true},
			{Name: "plant_name", Type: "VARCHAR(40)", Nullable: true},
		},
		UniqueKey: []string{"plant_code", "unit", "date"},
		Policy:    policy,
		Source: schema.SourceSpec{
			Kind: schema.SourceTable, Table: "stage_gen", Materialize: "work_gen", InterfaceID: "GEN",
		},
		Reference: &schema.ReferenceSpec{
			Table:      "mst_plant",
			Keys:       []schema.JoinKey{{Batch: "plant_code", Reference: "code"}},
			Attributes: []schema.Attribute{{From: "name", As: "plant_name"}},
		},
	}
	require.NoError(t, d.Validate())
	return d
}

func setup(t *testing.T, staged ...string) *sql.DB {
	t.Helper()
	db := testutil.OpenSQLite(t)
	testutil.Exec(t, db,
		"CREATE TABLE stage_gen (plant_code TEXT, unit TEXT, date TEXT, gen_0030 TEXT, if_file_name TEXT, if_row_number INTEGER)",
		"CREATE TABLE work_gen (plant_code TEXT, unit TEXT, date TEXT, gen_0030 TEXT, if_file_name TEXT, if_row_number INTEGER)",
		"CREATE TABLE mst_plant (code TEXT, name TEXT)",
		"INSERT INTO mst_plant VALUES ('P1', 'North'), ('P2', 'South')",
		testutil.TargetDDL("unit_generation", targetColumns, []string{"plant_code", "unit", "date"}),
	)
	for _, row := range staged {
		testutil.Exec(t, db, "INSERT INTO stage_gen VALUES "+row)
	}
	return db
}

func clock(s string) func() time.Time {
	at, _ := time.Parse(time.RFC3339, s)
	return func() time.Time { return at }
}

func run(t *testing.T, db *sql.DB, d *schema.Descriptor, opts ...Option) (*Result, error) {
	t.Helper()
	opts = append([]Option{WithLogger(testutil.NewTestLogger(t)), WithLocks(NewTableLocks())}, opts...)
	r, err := NewRunner(d, db, store.SQLite, opts...)
	require.NoError(t, err)
	return r.Run(context.Background())
}

func dumpTarget(t *testing.T, db *sql.DB) [][]string {
	cols := append(append([]string{}, targetColumns...), schema.LineageColumns...)
	return testutil.Dump(t, db, "unit_generation", cols, "plant_code", "unit", "date")
}

func TestRunCommitsStampedBatch(t *testing.T) {
	db := setup(t,
		"('P1', 'U1', '2024/01/01', '10.0', 'gen_0101.csv', 1)",
		"('P3', 'U1', '2024/01/01', '', 'gen_0101.csv', 2)",
	)

	res, err := run(t, db, generation(t, ""), WithClock(clock("2024-03-15T09:00:00Z")))

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, 2, res.Staged)
	assert.Equal(t, 1, res.Stamped)
	assert.Equal(t, int64(2), res.Inserted)
	assert.NotEmpty(t, res.RunID)

	stamp := "2024-03-15 09:00:00.000000"
	assert.Equal(t, [][]string{
		{"P1", "U1", "2024-01-01", "10", "North", "GEN", "gen_0101.csv", "1", "odsflow", stamp, stamp, stamp, "unit_generation"},
		{"P3", "U1", "2024-01-01", "<nil>", "<nil>", "GEN", "gen_0101.csv", "2", "odsflow", stamp, stamp, stamp, "unit_generation"},
	}, dumpTarget(t, db))
}

func TestRunIsIdempotent(t *testing.T) {
	db := setup(t,
		"('P1', 'U1', '2024/01/01', '10', 'gen.csv', 1)",
		"('P2', 'U1', '2024/01/01', '11', 'gen.csv', 2)",
	)
	_, err := run(t, db, generation(t, ""), WithClock(clock("2024-03-15T00:00:00Z")))
	require.NoError(t, err)
	before := dumpTarget(t, db)

	res, err := run(t, db, generation(t, ""), WithClock(clock("2024-03-16T00:00:00Z")))

	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Unchanged)
	assert.Zero(t, res.Inserted+res.Updated)
	assert.Equal(t, before, dumpTarget(t, db))
}

func TestRunDuplicateKeysRollBack(t *testing.T) {
	db := setup(t,
		"('P1', 'U1', '2024/01/01', '10', 'gen.csv', 1)",
		"('P1', 'U1', '2024/01/01', '12', 'gen.csv', 2)",
	)
	testutil.Exec(t, db, "INSERT INTO unit_generation (plant_code, unit, date, gen_0030) VALUES ('P1', 'U1', '2024-01-01', '5')")
	before := dumpTarget(t, db)
	work := testutil.Dump(t, db, "work_gen", []string{"plant_code"})

	res, err := run(t, db, generation(t, ""))

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidationFailed))
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "validate", appErr.Context["step"])
	assert.Equal(t, "unit_generation", appErr.Context["pipeline"])
	assert.Equal(t, []int{1, 2}, appErr.Context["violating_rows"])

	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, "validate", res.Step)
	assert.Len(t, res.Violations, 2)
	assert.Equal(t, before, dumpTarget(t, db))
	assert.Equal(t, work, testutil.Dump(t, db, "work_gen", []string{"plant_code"}), "work table copy is rolled back")
}

func TestRunNullAndTypeViolationsRollBack(t *testing.T) {
	tests := []struct {
		name string
		bad  string
		kind string
	}{
		{"null key part", "('', 'U1', '2024/01/01', '12', 'gen.csv', 2)", "NULL"},
		{"too many fraction digits", "('P2', 'U1', '2024/01/01', '12.34', 'gen.csv', 2)", "TYPE"},
		{"unparsable date", "('P2', 'U1', '2024-13-45', '12', 'gen.csv', 2)", "TYPE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setup(t, "('P1', 'U1', '2024/01/01', '10', 'gen.csv', 1)", tt.bad)
			testutil.Exec(t, db,
				"INSERT INTO unit_generation (plant_code, unit, date, gen_0030) VALUES ('P9', 'U1', '2023-12-31', '5')",
				"INSERT INTO work_gen (plant_code) VALUES ('OLD')",
			)
			before := dumpTarget(t, db)

			res, err := run(t, db, generation(t, ""))

			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidationFailed))
			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.kind, appErr.Context["kind"])
			assert.Equal(t, []int{2}, appErr.Context["violating_rows"])

			assert.Equal(t, StateRolledBack, res.State)
			assert.Equal(t, StepValidate, res.Step)
			assert.Equal(t, before, dumpTarget(t, db), "the clean row is not loaded either")
			assert.Equal(t, [][]string{{"OLD"}}, testutil.Dump(t, db, "work_gen", []string{"plant_code"}))
		})
	}
}

func TestRunEmptyLandingCommits(t *testing.T) {
	headerOnly := t.TempDir()
	testutil.NewTestHelper(t).WriteFile(headerOnly, "gen_0102.csv", "plant_code,unit,date,gen_0030\n")

	for name, dir := range map[string]string{"no files": t.TempDir(), "header only": headerOnly} {
		t.Run(name, func(t *testing.T) {
			db := setup(t)
			d := generation(t, "")
			d.Source = schema.SourceSpec{Kind: schema.SourceFile, Dir: dir, InterfaceID: "GEN"}
			require.NoError(t, d.Validate())

			res, err := run(t, db, d)

			require.NoError(t, err)
			assert.Equal(t, StatusSuccess, res.Status)
			assert.Equal(t, StateCommitted, res.State)
			assert.Equal(t, 0, res.Staged)
			assert.Equal(t, 0, res.Stamped)
			assert.Equal(t, 0, testutil.Count(t, db, "unit_generation", ""))
		})
	}
}

type emptySource struct{}

func (emptySource) Name() string { return "empty" }

func (emptySource) Fetch(context.Context, store.Execer, staging.Filter) (*batch.Batch, error) {
	return nil, nil
}

func TestRunTreatsNilBatchAsEmpty(t *testing.T) {
	db := setup(t)

	res, err := run(t, db, generation(t, ""), WithSource(emptySource{}))

	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, 0, res.Staged)
}

func TestRunMergeFailureRollsBackStaging(t *testing.T) {
	db := setup(t, "('P1', 'U1', '2024/01/01', '10', 'gen.csv', 1)")
	testutil.Exec(t, db, "DROP TABLE unit_generation", "INSERT INTO work_gen (plant_code) VALUES ('OLD')")

	res, err := run(t, db, generation(t, ""))

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSQLExecution, apperrors.GetErrorCode(err))
	assert.Equal(t, StepMerge, res.Step)
	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, [][]string{{"OLD"}}, testutil.Dump(t, db, "work_gen", []string{"plant_code"}))
}

func TestRunFilterPolicyLoadsCleanRows(t *testing.T) {
	db := setup(t,
		"('P1', 'U1', '2024/01/01', '10', 'gen.csv', 1)",
		"('P1', 'U2', '2024/01/01', '99999.99', 'gen.csv', 2)",
		"('P1', 'U3', NULL, '1', 'gen.csv', 3)",
	)

	res, err := run(t, db, generation(t, schema.PolicyFilter))

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Len(t, res.Violations, 2)
	assert.Equal(t, 1, testutil.Count(t, db, "unit_generation", ""))
}

func TestValidateOnlyAlwaysRollsBack(t *testing.T) {
	db := setup(t, "('P1', 'U1', '2024/01/01', '10', 'gen.csv', 1)")

	res, err := run(t, db, generation(t, ""), ValidateOnly())

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, StateRolledBack, res.State)
	assert.True(t, res.ValidateOnly)
	assert.Equal(t, 1, res.Staged)
	assert.Equal(t, 0, testutil.Count(t, db, "unit_generation", ""))
	assert.Equal(t, 0, testutil.Count(t, db, "work_gen", ""))
}

type cancelingSource struct {
	staging.Source
	cancel context.CancelFunc
}

func (s cancelingSource) Fetch(ctx context.Context, q store.Execer, f staging.Filter) (*batch.Batch, error) {
	b, err := s.Source.Fetch(ctx, q, f)
	s.cancel()
	return b, err
}

func TestRunCancellationRollsBack(t *testing.T) {
	db := setup(t, "('P1', 'U1', '2024/01/01', '10', 'gen.csv', 1)")
	d := generation(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := NewRunner(d, db, store.SQLite,
		WithLogger(testutil.NewTestLogger(t)),
		WithLocks(NewTableLocks()),
		WithSource(cancelingSource{Source: staging.NewTableSource(d), cancel: cancel}))
	require.NoError(t, err)

	res, err := r.Run(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, apperrors.Is(err, apperrors.ErrCanceled))
	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, 0, testutil.Count(t, db, "unit_generation", ""))
	assert.Equal(t, 0, testutil.Count(t, db, "work_gen", ""))
}

func TestRunnerIsSingleUse(t *testing.T) {
	db := setup(t)
	r, err := NewRunner(generation(t, ""), db, store.SQLite, WithLogger(testutil.NewTestLogger(t)))
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, r.State())

	_, err = r.Run(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrTransaction))
}

func TestRunRollsBackOnSourceError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := generation(t, "")
	d.Source.Materialize = ""
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM stage_gen").WillReturnError(errors.New("stream is stale"))
	mock.ExpectRollback()

	r, err := NewRunner(d, db, store.Snowflake, WithLogger(testutil.NewTestLogger(t)), WithLocks(NewTableLocks()))
	require.NoError(t, err)
	res, err := r.Run(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSourceUnavailable))
	assert.Equal(t, StepStage, res.Step)
	assert.Equal(t, string(apperrors.ErrCodeSourceUnavailable), res.ErrorCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeReference struct {
	rows map[string]string
	err  error
}

func (f *fakeReference) Name() string { return "fake_plants" }

func (f *fakeReference) Lookup(_ context.Context, _ store.Execer, _, _ []string) (*stamper.Index, error) {
	if f.err != nil {
		return nil, f.err
	}
	ix := stamper.NewIndex()
	for code, name := range f.rows {
		ix.Add([]string{code}, []any{name})
	}
	return ix, nil
}

func TestRunWithInjectedReference(t *testing.T) {
	db := setup(t,
		"('P1', 'U1', '2024/01/01', '1', 'gen.csv', 1)",
		"('P2', 'U1', '2024/01/01', '2', 'gen.csv', 2)",
	)
	d := generation(t, "")
	ref := &fakeReference{rows: map[string]string{"P1": "Injected"}}
	s := stamper.NewWithReference(ref, d.Reference.Keys, d.Reference.Attributes, testutil.NewTestLogger(t))

	res, err := run(t, db, d, WithStamper(s))

	require.NoError(t, err)
	assert.Equal(t, 1, res.Stamped)
	assert.Equal(t, 1, testutil.Count(t, db, "unit_generation", "plant_name = ?", "Injected"))
	assert.Equal(t, 1, testutil.Count(t, db, "unit_generation", "plant_name IS NULL"))
}

func TestRunRollsBackOnReferenceError(t *testing.T) {
	db := setup(t, "('P1', 'U1', '2024/01/01', '1', 'gen.csv', 1)")
	d := generation(t, "")
	ref := &fakeReference{err: apperrors.ReferenceLookupError("fake_plants", "lookup failed", errors.New("no such table"))}
	s := stamper.NewWithReference(ref, d.Reference.Keys, d.Reference.Attributes, testutil.NewTestLogger(t))

	res, err := run(t, db, d, WithStamper(s))

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrReferenceLookup))
	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, StepStamp, res.Step)
	assert.Equal(t, 0, testutil.Count(t, db, "unit_generation", ""))
}

func TestTableLocks(t *testing.T) {
	locks := NewTableLocks()
	release, err := locks.Acquire(context.Background(), "ods.gen")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "ODS.GEN")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locks.Acquire(context.Background(), "ods.other")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := locks.Acquire(context.Background(), "ods.gen")
	require.NoError(t, err)
	again()
}

func TestRunAllReportsEveryPipeline(t *testing.T) {
	db := setup(t, "('P1', 'U1', '2024/01/01', '10', 'gen.csv', 1)")
	good := generation(t, "")
	bad := generation(t, "")
	bad.Name = "broken"
	bad.Source.Table = "missing_stage"
	bad.Source.Materialize = ""
	locks := NewTableLocks()

	results, err := RunAll(context.Background(), []*schema.Descriptor{bad, good}, 2, func(d *schema.Descriptor) (*Runner, error) {
		return NewRunner(d, db, store.SQLite, WithLogger(testutil.NewTestLogger(t)), WithLocks(locks))
	})

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSourceUnavailable))
	require.Len(t, results, 2)
	assert.Equal(t, "broken", results[0].Pipeline)
	assert.Equal(t, StatusFailure, results[0].Status)
	assert.Equal(t, StatusSuccess, results[1].Status)
	assert.Equal(t, 1, testutil.Count(t, db, "unit_generation", ""))
}

func TestHistory(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHistory(dir, 2, 0)
	require.NoError(t, err)

	base := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	for i, status := range []Status{StatusSuccess, StatusSuccess, StatusFailure} {
		require.NoError(t, h.Record(&Result{
			RunID:     string(rune('a' + i)),
			Pipeline:  "gen",
			Status:    status,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, h.Record(&Result{RunID: "z", Pipeline: "other", Status: StatusSuccess, StartedAt: base}))

	runs := h.List("gen", 0)
	require.Len(t, runs, 2)
	assert.Equal(t, []string{"c", "b"}, []string{runs[0].RunID, runs[1].RunID})

	reopened, err := NewHistory(dir, 2, 0)
	require.NoError(t, err)
	assert.Len(t, reopened.List("", 0), 3)
	last, ok := reopened.LastSuccess("gen")
	require.True(t, ok)
	assert.Equal(t, "b", last.RunID)
}
