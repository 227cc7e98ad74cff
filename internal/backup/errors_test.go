package backup

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsUserAborted(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"user abort", Aborted(AbortUser), true},
		{"wrapped user abort", fmt.Errorf("run: %w", Aborted(AbortUser)), true},
		{"shutdown abort", Aborted(AbortShutdown), false},
		{"metered abort", Aborted(AbortMeteredConnection), false},
		{"battery abort", Aborted(AbortOnBattery), false},
		{"left running", Aborted(AbortLeftRunning), false},
		{"failure", Failed("backup", errors.New("boom")), false},
		{"plain error", errors.New("aborted"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUserAborted(tt.err))
		})
	}
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "Aborted on user request.", Aborted(AbortUser).Error())
	assert.Equal(t, "backup: boom", Failed("backup", errors.New("boom")).Error())
	assert.Equal(t, "preflight: disk full", Preflight(errors.New("disk full")).Error())
	assert.Contains(t, Busy("home").Error(), `"home" is already running`)
}

func TestError_Unwrap(t *testing.T) {
	err := Failed("backup", ErrRepositoryNotInitialized)
	assert.ErrorIs(t, err, ErrRepositoryNotInitialized)
}

func TestCauseOf(t *testing.T) {
	assert.Nil(t, CauseOf(context.Background()))

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(Aborted(AbortOnBattery))
	assert.True(t, IsAborted(CauseOf(ctx), AbortOnBattery))

	ctx, cancel2 := context.WithCancel(context.Background())
	cancel2()
	assert.True(t, IsAborted(CauseOf(ctx), AbortShutdown))
}
