package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := E(KindAuthRejected, "directory.CreateOrJoin", errors.New("password mismatch"))

	assert.True(t, errors.Is(err, ErrAuthRejected))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, KindAuthRejected, KindOf(err))
	assert.Equal(t, "directory.CreateOrJoin: auth_rejected: password mismatch", err.Error())

	wrapped := fmt.Errorf("join: %w", err)
	assert.True(t, errors.Is(wrapped, ErrAuthRejected))
	assert.Equal(t, KindAuthRejected, KindOf(wrapped))
}

func TestFromStore(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want *Error
	}{
		{"permission", fmt.Errorf("%w: NOPERM", store.ErrPermissionDenied), ErrConnectivity},
		{"unavailable", store.ErrUnavailable, ErrConnectivity},
		{"not found", store.ErrNotFound, ErrNotFound},
		{"exists", store.ErrAlreadyExists, ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromStore("op", tt.in)
			assert.True(t, errors.Is(err, tt.want))
			assert.True(t, errors.Is(err, tt.in))
		})
	}

	assert.NoError(t, FromStore("op", nil))

	other := FromStore("op", errors.New("boom"))
	assert.Equal(t, Kind(""), KindOf(other))
	assert.False(t, IsConnectivity(other))
	assert.True(t, IsConnectivity(FromStore("op", store.ErrUnavailable)))
}
