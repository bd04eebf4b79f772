// Package lifecycle reacts to the client going to the background and holds
// a wake lock while the user is locked in.
package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

type Visibility string

const (
	Visible Visibility = "visible"
	Hidden  Visibility = "hidden"
)

func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(strings.ToLower(strings.TrimSpace(s))); v {
	case Visible, Hidden:
		return v, nil
	}
	return "", fmt.Errorf("unknown visibility %q", s)
}

// WakeLock keeps the device awake while held.
type WakeLock interface {
	Acquire(ctx context.Context) error
	Release() error
}

// Monitor tracks visibility and the wake lock. Owned by one goroutine.
type Monitor struct {
	wake WakeLock
	log  *zerolog.Logger

	visibility Visibility
	held       bool
}

func NewMonitor(wake WakeLock, log *zerolog.Logger) *Monitor {
	if wake == nil {
		wake = NoopWakeLock{}
	}
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Monitor{wake: wake, log: log, visibility: Visible}
}

// SetVisibility records a visibility change. It reports whether the caller
// must force an unlock: the client went to the background while locked.
func (m *Monitor) SetVisibility(v Visibility, locked bool) bool {
	prev := m.visibility
	m.visibility = v
	force := v == Hidden && prev != Hidden && locked
	if force {
		m.log.Info().Msg("client hidden while locked in, forcing unlock")
	}
	return force
}

func (m *Monitor) Visibility() Visibility {
	return m.visibility
}

// LockChanged acquires the wake lock when locked and releases it when not.
// Failures are logged and otherwise ignored.
func (m *Monitor) LockChanged(ctx context.Context, locked bool) {
	switch {
	case locked && !m.held:
		if err := m.wake.Acquire(ctx); err != nil {
			m.log.Warn().Err(err).Msg("wake lock unavailable")
			return
		}
		m.held = true
		m.log.Debug().Msg("wake lock acquired")
	case !locked && m.held:
		m.held = false
		if err := m.wake.Release(); err != nil {
			m.log.Warn().Err(err).Msg("failed to release wake lock")
			return
		}
		m.log.Debug().Msg("wake lock released")
	}
}

func (m *Monitor) Held() bool {
	return m.held
}

// Close releases the wake lock if held.
func (m *Monitor) Close() {
	m.LockChanged(context.Background(), false)
}
