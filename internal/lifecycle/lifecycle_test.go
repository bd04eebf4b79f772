package lifecycle

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockWakeLock struct {
	mock.Mock
}

func (m *MockWakeLock) Acquire(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockWakeLock) Release() error {
	args := m.Called()
	return args.Error(0)
}

func TestParseVisibility(t *testing.T) {
	v, err := ParseVisibility(" Hidden ")
	require.NoError(t, err)
	assert.Equal(t, Hidden, v)

	_, err = ParseVisibility("minimised")
	assert.Error(t, err)
}

func TestHiddenWhileLockedForcesUnlock(t *testing.T) {
	m := NewMonitor(nil, nil)

	assert.True(t, m.SetVisibility(Hidden, true))
	assert.Equal(t, Hidden, m.Visibility())

	// Already hidden: no second forced unlock.
	assert.False(t, m.SetVisibility(Hidden, true))

	assert.False(t, m.SetVisibility(Visible, true))
	assert.False(t, m.SetVisibility(Hidden, false), "not locked")
}

func TestWakeLockFollowsLock(t *testing.T) {
	wake := new(MockWakeLock)
	wake.On("Acquire", mock.Anything).Return(nil).Once()
	wake.On("Release").Return(nil).Once()

	m := NewMonitor(wake, nil)
	ctx := context.Background()

	m.LockChanged(ctx, true)
	m.LockChanged(ctx, true)
	assert.True(t, m.Held())

	m.LockChanged(ctx, false)
	m.LockChanged(ctx, false)
	assert.False(t, m.Held())

	wake.AssertExpectations(t)
}

func TestWakeLockFailuresAreSwallowed(t *testing.T) {
	wake := new(MockWakeLock)
	wake.On("Acquire", mock.Anything).Return(errors.New("not supported"))

	m := NewMonitor(wake, nil)
	m.LockChanged(context.Background(), true)
	assert.False(t, m.Held())

	// Nothing held, nothing released.
	m.Close()
	wake.AssertNotCalled(t, "Release")
}

func TestInhibitWakeLock(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	w := &InhibitWakeLock{Command: []string{"sleep", "60"}}

	require.NoError(t, w.Acquire(context.Background()))
	assert.True(t, w.Held())
	require.NoError(t, w.Acquire(context.Background()))

	require.NoError(t, w.Release())
	assert.False(t, w.Held())
	require.NoError(t, w.Release())
}

func TestInhibitWakeLockMissingBinary(t *testing.T) {
	w := &InhibitWakeLock{Command: []string{"definitely-not-a-real-binary-lockedin"}}
	assert.Error(t, w.Acquire(context.Background()))
	assert.False(t, w.Held())
}
