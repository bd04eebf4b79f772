// Package timer derives whether the shared group timer runs and keeps the
// local elapsed-seconds counter.
package timer

import (
	"fmt"
	"time"

	"github.com/lockedin-study/lockedin-sync/models"
)

// State is the derived timer state for one roster and lock flag.
type State struct {
	Running bool
	// Distracted is the first distracted member in roster order, if any.
	Distracted *models.Member
}

// Derive reports whether the timer runs: the roster is non-empty, nobody in
// it is distracted and the local lock is engaged.
func Derive(roster []models.Member, locked bool) State {
	var st State
	for i := range roster {
		if roster[i].Distracted() {
			m := roster[i]
			st.Distracted = &m
			break
		}
	}
	st.Running = st.Distracted == nil && len(roster) > 0 && locked
	return st
}

// Session accumulates elapsed seconds while running. The ticker exists
// only while running, so a stopped session costs nothing. Not safe for
// concurrent use.
type Session struct {
	interval time.Duration
	ticker   *time.Ticker
	elapsed  int64
	state    State
}

func NewSession(interval time.Duration) *Session {
	if interval <= 0 {
		interval = time.Second
	}
	return &Session{interval: interval}
}

// Update rederives the state and starts or stops the ticker. It returns
// the new state and whether Running changed.
func (s *Session) Update(roster []models.Member, locked bool) (State, bool) {
	next := Derive(roster, locked)
	changed := next.Running != s.state.Running
	s.state = next

	switch {
	case next.Running && s.ticker == nil:
		s.ticker = time.NewTicker(s.interval)
	case !next.Running && s.ticker != nil:
		s.ticker.Stop()
		s.ticker = nil
	}
	return next, changed
}

// C is the tick channel, or nil while stopped. A nil channel blocks
// forever in a select, so the owner can always include it.
func (s *Session) C() <-chan time.Time {
	if s.ticker == nil {
		return nil
	}
	return s.ticker.C
}

// Tick counts one second if the session is running.
func (s *Session) Tick() int64 {
	if s.state.Running {
		s.elapsed++
	}
	return s.elapsed
}

// Reset zeroes the counter without changing whether it runs.
func (s *Session) Reset() {
	s.elapsed = 0
}

func (s *Session) Elapsed() int64 {
	return s.elapsed
}

func (s *Session) State() State {
	return s.state
}

// Stop releases the ticker.
func (s *Session) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.state.Running = false
}

// Format renders seconds as HH:MM:SS. Hours are not wrapped.
func Format(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
}
