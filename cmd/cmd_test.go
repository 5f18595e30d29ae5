package cmd

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"odsflow/internal/config"
	"odsflow/internal/pipeline"
	"odsflow/internal/schema"
	"odsflow/internal/testutil"
	apperrors "odsflow/pkg/errors"
)

const customersPipeline = `name: customers
table: CUSTOMER
columns:
  - {name: customer_id, type: VARCHAR(10), nullable: false}
  - {name: name, type: VARCHAR(40)}
  - {name: credit, type: "NUMBER(8,2)"}
unique_key: [customer_id]
source:
  kind: table
  table: STAGE_CUSTOMER
  interface_id: CUST
`

type workspace struct {
	dir    string
	config string
	db     *sql.DB
}

func newWorkspace(t *testing.T, staged ...string) *workspace {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("ODSFLOW_CONFIG", "")

	h := testutil.NewTestHelper(t)
	pipelines := filepath.Join(dir, "pipelines")
	require.NoError(t, os.MkdirAll(pipelines, 0750))
	h.WriteFile(pipelines, "customers.yaml", customersPipeline)

	dbPath := filepath.Join(dir, "ods.db")
	cfg := h.WriteFile(dir, "config.yaml", fmt.Sprintf(`
store:
  driver: sqlite
  path: %s
pipelines:
  dirs: [%s]
history:
  dir: %s
  max_runs: 10
logging:
  level: error
  file: %s
schedules:
  - name: nightly
    cron: "0 2 * * *"
    pipelines: [customers]
`, dbPath, pipelines, filepath.Join(dir, "history"), filepath.Join(dir, "odsflow.log")))

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	testutil.Exec(t, db,
		"CREATE TABLE STAGE_CUSTOMER (customer_id TEXT, name TEXT, credit TEXT)",
		testutil.TargetDDL("CUSTOMER", []string{"customer_id", "name", "credit"}, []string{"customer_id"}),
	)
	for _, row := range staged {
		testutil.Exec(t, db, "INSERT INTO STAGE_CUSTOMER VALUES "+row)
	}
	return &workspace{dir: dir, config: cfg, db: db}
}

// execute runs the root command with fresh flag state.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	runFlags.all, runFlags.json, runFlags.concurrency, runFlags.showViolations = false, false, 0, 20
	historyFlags.limit, historyFlags.json = 20, false
	scheduleFlags.list, scheduleFlags.once, scheduleFlags.listen = false, "", ""
	planRows = 1
	initFlags.driver, initFlags.force = "sqlite", false

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRootCommandHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"run", "validate", "plan", "history", "schedule", "secret", "init", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestInvalidCommand(t *testing.T) {
	_, err := execute(t, "deploy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "odsflow version dev")
}

func TestRunLoadsPipeline(t *testing.T) {
	ws := newWorkspace(t, "('C1', 'Ada', '100.50')", "('C2', 'Grace', '')")

	out, err := execute(t, "--config", ws.config, "run", "customers")

	require.NoError(t, err, out)
	assert.Contains(t, out, "customers")
	assert.Contains(t, out, "COMMITTED")
	assert.Equal(t, 2, testutil.Count(t, ws.db, "CUSTOMER", ""))
	assert.Equal(t, 2, testutil.Count(t, ws.db, "CUSTOMER", "if_id = ? AND process_id = ?", "CUST", "customers"))

	out, err = execute(t, "--config", ws.config, "history", "customers")
	require.NoError(t, err)
	assert.Contains(t, out, "customers")
	assert.Contains(t, out, "Last successful load")
}

func TestRunFailureRollsBack(t *testing.T) {
	ws := newWorkspace(t, "('C1', 'Ada', '1')", "('', 'Nobody', '2')")

	out, err := execute(t, "--config", ws.config, "run", "--all")

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidationFailed), err.Error())
	assert.Contains(t, out, "ROLLED_BACK")
	assert.Contains(t, out, "Violations in customers")
	assert.Contains(t, out, "NULL")
	assert.Equal(t, 0, testutil.Count(t, ws.db, "CUSTOMER", ""))
}

func TestRunJSON(t *testing.T) {
	ws := newWorkspace(t, "('C1', 'Ada', '1')")

	out, err := execute(t, "--config", ws.config, "run", "customers", "--json")
	require.NoError(t, err)

	var results []pipeline.Result
	require.NoError(t, json.Unmarshal([]byte(out), &results), out)
	require.Len(t, results, 1)
	assert.Equal(t, pipeline.StatusSuccess, results[0].Status)
	assert.Equal(t, int64(1), results[0].Inserted)
}

func TestValidateNeverLoads(t *testing.T) {
	ws := newWorkspace(t, "('C1', 'Ada', '1')")

	out, err := execute(t, "--config", ws.config, "validate", "customers")

	require.NoError(t, err, out)
	assert.Contains(t, out, "VALID")
	assert.Equal(t, 0, testutil.Count(t, ws.db, "CUSTOMER", ""))
}

func TestRunArguments(t *testing.T) {
	ws := newWorkspace(t)

	_, err := execute(t, "--config", ws.config, "run")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetErrorCode(err))

	_, err = execute(t, "--config", ws.config, "run", "customers", "--all")
	require.Error(t, err)

	_, err = execute(t, "--config", ws.config, "run", "unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown pipeline")
}

func TestPlan(t *testing.T) {
	ws := newWorkspace(t)

	out, err := execute(t, "--config", ws.config, "plan", "customers", "--rows", "2")

	require.NoError(t, err)
	assert.Contains(t, out, "CUSTOMER")
	assert.Contains(t, out, "customer_id")
	assert.Contains(t, out, "STAGE_CUSTOMER")
}

func TestScheduleList(t *testing.T) {
	ws := newWorkspace(t)

	out, err := execute(t, "--config", ws.config, "schedule", "--list")

	require.NoError(t, err)
	assert.Contains(t, out, "nightly")
	assert.Contains(t, out, "0 2 * * *")
}

func TestScheduleOnce(t *testing.T) {
	ws := newWorkspace(t, "('C1', 'Ada', '1')")

	_, err := execute(t, "--config", ws.config, "schedule", "--once", "nightly")

	require.NoError(t, err)
	assert.Equal(t, 1, testutil.Count(t, ws.db, "CUSTOMER", ""))
}

func TestSecretEncrypt(t *testing.T) {
	t.Setenv("ODSFLOW_ENCRYPTION_KEY", "cmd-test")

	out, err := execute(t, "secret", "encrypt", "hunter2")
	require.NoError(t, err)

	encrypted := strings.TrimSpace(out)
	assert.True(t, config.IsEncrypted(encrypted))
	plain, err := config.ResolveSecret(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	_, err = execute(t, "secret", "encrypt")
	require.Error(t, err, "empty stdin is rejected")
}

func TestInit(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()

	_, err := execute(t, "init", dir)
	require.NoError(t, err)

	cfg, err := config.LoadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	require.Len(t, cfg.Schedules, 1)

	d, err := schema.LoadFile(filepath.Join(dir, "pipelines", "example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "example", d.Name)

	_, err = execute(t, "init", dir)
	require.Error(t, err, "existing files are kept without --force")

	_, err = execute(t, "init", dir, "--force")
	require.NoError(t, err)
}
