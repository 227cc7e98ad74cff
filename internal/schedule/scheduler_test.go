package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/keldris-desktop/internal/config"
)

type triggerCall struct {
	id  config.ConfigID
	due DueCause
}

type fakeTrigger struct {
	mu       sync.Mutex
	calls    []triggerCall
	failures int
}

func (f *fakeTrigger) StartScheduledBackup(_ context.Context, id config.ConfigID, due DueCause) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, triggerCall{id, due})
	if f.failures > 0 {
		f.failures--
		return errors.New("desktop not running")
	}
	return nil
}

func (f *fakeTrigger) Calls() []triggerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggerCall(nil), f.calls...)
}

func TestScheduler_Refresh(t *testing.T) {
	s := NewScheduler(&fakeTrigger{}, zerolog.Nop())

	n, err := s.Refresh([]*config.Backup{
		{ID: "home", Schedule: "0 * * * *"},
		{ID: "manual"},
		{ID: "broken", Schedule: "not a cron"},
	})
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	next, ok := s.Next("home")
	assert.True(t, ok)
	assert.True(t, next.After(time.Now()))

	_, ok = s.Next("manual")
	assert.False(t, ok)

	n, err = s.Refresh(nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	_, ok = s.Next("home")
	assert.False(t, ok)
}

func TestScheduler_Fire(t *testing.T) {
	trigger := &fakeTrigger{}
	s := NewScheduler(trigger, zerolog.Nop())
	at := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	s.Fire("home", at)

	calls := trigger.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, config.ConfigID("home"), calls[0].id)
	assert.Equal(t, DueCause{Kind: DueRegular, ScheduledAt: at}, calls[0].due)
}

func TestScheduler_FireRetries(t *testing.T) {
	trigger := &fakeTrigger{failures: 2}
	s := NewScheduler(trigger, zerolog.Nop())
	s.retryDelay = time.Millisecond

	s.Fire("home", time.Now())

	calls := trigger.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, DueRegular, calls[0].due.Kind)
	assert.Equal(t, DueRetry, calls[2].due.Kind)
	assert.Equal(t, 2, calls[2].due.RetryCount)
}

func TestScheduler_FireGivesUp(t *testing.T) {
	trigger := &fakeTrigger{failures: 100}
	s := NewScheduler(trigger, zerolog.Nop())
	s.retryDelay = time.Millisecond

	s.Fire("home", time.Now())
	assert.Len(t, trigger.Calls(), 4)
}

func TestScheduler_StopAbandonsRetries(t *testing.T) {
	trigger := &fakeTrigger{failures: 100}
	s := NewScheduler(trigger, zerolog.Nop())
	s.retryDelay = time.Hour
	<-s.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.Fire("home", time.Now())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Fire did not return after Stop")
	}
	assert.Len(t, trigger.Calls(), 1)
}

func TestDueCause_JSON(t *testing.T) {
	due := DueCause{Kind: DueRetry, ScheduledAt: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC), RetryCount: 1}

	data, err := json.Marshal(due)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"retry","scheduled_at":"2026-01-02T03:00:00Z","retry_count":1}`, string(data))
	assert.Contains(t, due.String(), "retry 1")
}
