package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odsflow/internal/observability"
	"odsflow/internal/testutil"
	"odsflow/pkg/models"
	apperrors "odsflow/pkg/errors"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) run(ctx context.Context, s models.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s.Name)
	return r.err
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestLoad(t *testing.T) {
	rec := &recorder{}
	s := New(rec.run, testutil.NewTestLogger(t))

	err := s.Load([]models.Schedule{
		{Name: "nightly", Cron: "0 2 * * *", Pipelines: []string{"customers"}},
		{Name: "hourly", Cron: "@hourly"},
	})
	require.NoError(t, err)

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "hourly", entries[0].Name)
	assert.Equal(t, "nightly", entries[1].Name)
	assert.Equal(t, []string{"customers"}, entries[1].Pipelines)
}

func TestAddRejectsInvalidSchedules(t *testing.T) {
	s := New((&recorder{}).run, testutil.NewTestLogger(t))

	tests := []struct {
		name     string
		schedule models.Schedule
		wantErr  string
	}{
		{name: "no name", schedule: models.Schedule{Cron: "@daily"}, wantErr: "name is required"},
		{name: "bad expression", schedule: models.Schedule{Name: "bad", Cron: "every tuesday"}, wantErr: "invalid cron expression"},
		{name: "six fields", schedule: models.Schedule{Name: "seconds", Cron: "*/5 * * * * *"}, wantErr: "invalid cron expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Add(tt.schedule)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
		})
	}

	require.NoError(t, s.Add(models.Schedule{Name: "daily", Cron: "@daily"}))
	err := s.Add(models.Schedule{Name: "daily", Cron: "@hourly"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared twice")
	assert.Len(t, s.Entries(), 1)
}

func TestTrigger(t *testing.T) {
	rec := &recorder{}
	s := New(rec.run, testutil.NewTestLogger(t))
	require.NoError(t, s.Add(models.Schedule{Name: "nightly", Cron: "@daily"}))

	require.NoError(t, s.Trigger(context.Background(), "nightly"))
	assert.Equal(t, []string{"nightly"}, rec.names())

	rec.err = errors.New("boom")
	err := s.Trigger(context.Background(), "nightly")
	assert.EqualError(t, err, "boom")

	err = s.Trigger(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfigNotFound, apperrors.GetErrorCode(err))
}

func TestRemove(t *testing.T) {
	s := New((&recorder{}).run, testutil.NewTestLogger(t))
	require.NoError(t, s.Add(models.Schedule{Name: "a", Cron: "@daily"}))
	require.NoError(t, s.Add(models.Schedule{Name: "b", Cron: "@daily"}))

	s.Remove("a")
	s.Remove("unknown")

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Name)
	require.NoError(t, s.Add(models.Schedule{Name: "a", Cron: "@hourly"}), "a removed name can be registered again")
}

func TestStartFiresSchedules(t *testing.T) {
	var fired atomic.Int32
	done := make(chan struct{}, 1)
	run := func(ctx context.Context, s models.Schedule) error {
		if fired.Add(1) == 1 {
			done <- struct{}{}
		}
		return nil
	}

	s := New(run, observability.NewNopLogger())
	require.NoError(t, s.Add(models.Schedule{Name: "fast", Cron: "@every 1s"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule did not fire")
	}

	stopped := s.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, fired.Load(), int32(1))
	assert.False(t, s.Entries()[0].Prev.IsZero())
}

func TestRecoversPanickingRun(t *testing.T) {
	var fired atomic.Int32
	done := make(chan struct{}, 1)
	run := func(ctx context.Context, s models.Schedule) error {
		if fired.Add(1) == 2 {
			done <- struct{}{}
		}
		panic("run exploded")
	}

	// The cron goroutine may still log after the test returns.
	s := New(run, observability.NewNopLogger())
	require.NoError(t, s.Add(models.Schedule{Name: "fragile", Cron: "@every 1s"}))
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler stopped firing after a panic")
	}
}

func TestFireSkipsCanceledContext(t *testing.T) {
	rec := &recorder{}
	s := New(rec.run, testutil.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.fire(models.Schedule{Name: "late"})
	assert.Empty(t, rec.names())
}
