// Package models helps control struct access and mutation
package models

import (
	"fmt"
	"time"

	"github.com/benjamonnguyen/tidal"
)

// Session wraps a tidal.SessionRecord and only lets it change through phase transitions.
type Session struct {
	record tidal.SessionRecord
}

// PhaseEnd describes a phase that just terminated and must be recorded.
type PhaseEnd struct {
	Phase         tidal.Phase
	StartedAt     time.Time
	EndedAt       time.Time
	Completed     bool
	ExtraSeconds  int
	KeepExtraTime bool
}

// RecordedEnd returns the end time to store. Discarded overtime is cut from the interval.
func (e PhaseEnd) RecordedEnd() time.Time {
	if e.ExtraSeconds > 0 && !e.KeepExtraTime {
		end := e.EndedAt.Add(-time.Duration(e.ExtraSeconds) * time.Second)
		if end.Before(e.StartedAt) {
			return e.StartedAt
		}
		return end
	}
	return e.EndedAt
}

// NewSession returns the first-use session: immersion at full duration, not running, cycle count 0.
func NewSession(userID tidal.UserID, d tidal.Durations, now time.Time) Session {
	total := d.Seconds(tidal.ImmersionPhase)
	return Session{
		record: tidal.SessionRecord{
			UserID:           userID,
			CurrentPhase:     tidal.ImmersionPhase,
			TimeLeftSeconds:  total,
			TotalTimeSeconds: total,
			UpdatedAt:        now,
		},
	}
}

func SessionFromRecord(record tidal.SessionRecord) Session {
	if !record.CurrentPhase.Valid() {
		record.CurrentPhase = tidal.ImmersionPhase
	}
	if record.TimeLeftSeconds < 0 {
		record.TimeLeftSeconds = 0
	}
	if record.ExtraTimeSeconds < 0 {
		record.ExtraTimeSeconds = 0
	}
	if record.StartedAt != nil {
		startedAt := *record.StartedAt
		record.StartedAt = &startedAt
	}
	return Session{record: record}
}

func (s Session) Record() tidal.SessionRecord {
	r := s.record
	if r.StartedAt != nil {
		startedAt := *r.StartedAt
		r.StartedAt = &startedAt
	}
	return r
}

func (s Session) UserID() tidal.UserID {
	return s.record.UserID
}

func (s Session) CurrentPhase() tidal.Phase {
	return s.record.CurrentPhase
}

func (s Session) TimeLeftSeconds() int {
	return s.record.TimeLeftSeconds
}

func (s Session) TotalTimeSeconds() int {
	return s.record.TotalTimeSeconds
}

func (s Session) IsRunning() bool {
	return s.record.IsRunning
}

func (s Session) CycleCount() int {
	return s.record.CycleCount
}

func (s Session) IsOvertime() bool {
	return s.record.IsOvertime
}

func (s Session) ExtraTimeSeconds() int {
	return s.record.ExtraTimeSeconds
}

func (s Session) UpdatedAt() time.Time {
	return s.record.UpdatedAt
}

func (s Session) AwaitingAdvance() bool {
	return s.record.AwaitingAdvance
}

func (s Session) StartedAt() (time.Time, bool) {
	if s.record.StartedAt == nil {
		return time.Time{}, false
	}
	return *s.record.StartedAt, true
}

// Touch stamps the wall-clock time of the latest mutation.
func (s *Session) Touch(now time.Time) {
	s.record.UpdatedAt = now
}

// Start enters phase p at its full duration and starts the timer. A session that has never been
// started may only start its current phase; after a phase ends only the next phase in the cycle may
// start. Anything else would drop a phase without recording it.
func (s *Session) Start(p tidal.Phase, d tidal.Durations, now time.Time) error {
	if !p.Valid() {
		return fmt.Errorf("%w: unknown phase %d", tidal.ErrInvalidTransition, p)
	}
	switch {
	case s.record.AwaitingAdvance:
		if next := s.record.CurrentPhase.Next(); p != next {
			return fmt.Errorf("%w: %s ended, next phase is %s not %s", tidal.ErrInvalidTransition, s.record.CurrentPhase, next, p)
		}
	case s.isFresh():
		if p != s.record.CurrentPhase {
			return fmt.Errorf("%w: cannot jump from %s to %s", tidal.ErrInvalidTransition, s.record.CurrentPhase, p)
		}
	default:
		return fmt.Errorf("%w: %s is in progress, end it before starting %s", tidal.ErrInvalidTransition, s.record.CurrentPhase, p)
	}

	total := d.Seconds(p)
	s.record.CurrentPhase = p
	s.record.TotalTimeSeconds = total
	s.record.TimeLeftSeconds = total
	s.record.IsRunning = true
	s.record.IsOvertime = false
	s.record.ExtraTimeSeconds = 0
	s.record.AwaitingAdvance = false
	s.record.StartedAt = &now
	if p == tidal.ImmersionPhase {
		s.record.CycleCount++
	}
	return nil
}

func (s Session) isFresh() bool {
	return s.record.StartedAt == nil && !s.record.IsRunning && !s.record.IsOvertime
}

// Advance starts the phase that follows the current one.
func (s *Session) Advance(d tidal.Durations, now time.Time) error {
	return s.Start(s.record.CurrentPhase.Next(), d, now)
}

// Tick advances the timer by one second and reports whether overtime was just entered.
func (s *Session) Tick() (enteredOvertime bool) {
	if !s.record.IsRunning {
		return false
	}
	switch {
	case s.record.IsOvertime:
		s.record.ExtraTimeSeconds++
	case s.record.TimeLeftSeconds > 1:
		s.record.TimeLeftSeconds--
	default:
		// never auto-advance; wait for the overtime prompt
		s.record.TimeLeftSeconds = 0
		s.record.IsOvertime = true
		s.record.ExtraTimeSeconds = 0
		return true
	}
	return false
}

func (s *Session) TogglePlayPause(now time.Time) error {
	if s.record.AwaitingAdvance {
		return fmt.Errorf("%w: phase %s ended, advance first", tidal.ErrInvalidTransition, s.record.CurrentPhase)
	}
	s.record.IsRunning = !s.record.IsRunning
	if s.record.IsRunning && s.record.StartedAt == nil {
		s.record.StartedAt = &now
	}
	return nil
}

// Skip ends the current phase early without completing it. The phase must have been started.
func (s *Session) Skip(now time.Time) (PhaseEnd, error) {
	if s.isFresh() {
		return PhaseEnd{}, fmt.Errorf("%w: %s has not started", tidal.ErrInvalidTransition, s.record.CurrentPhase)
	}
	if s.record.AwaitingAdvance {
		return PhaseEnd{}, fmt.Errorf("%w: phase %s already ended", tidal.ErrInvalidTransition, s.record.CurrentPhase)
	}
	if s.record.IsOvertime {
		return PhaseEnd{}, fmt.Errorf("%w: resolve overtime instead of skipping", tidal.ErrInvalidTransition)
	}
	return s.end(now, false), nil
}

// CompleteNow ends a running phase early and counts it as completed.
func (s *Session) CompleteNow(now time.Time) (PhaseEnd, error) {
	if s.record.AwaitingAdvance || !s.record.IsRunning || s.record.IsOvertime {
		return PhaseEnd{}, fmt.Errorf("%w: complete requires a running phase outside overtime", tidal.ErrInvalidTransition)
	}
	return s.end(now, true), nil
}

// ResolveOvertime leaves overtime. keepExtraTime only affects what gets recorded.
func (s *Session) ResolveOvertime(keepExtraTime bool, now time.Time) (PhaseEnd, error) {
	if s.record.AwaitingAdvance || !s.record.IsOvertime {
		return PhaseEnd{}, fmt.Errorf("%w: not in overtime", tidal.ErrInvalidTransition)
	}
	extra := s.record.ExtraTimeSeconds
	s.record.IsOvertime = false
	end := s.end(now, true)
	end.ExtraSeconds = extra
	end.KeepExtraTime = keepExtraTime
	return end, nil
}

func (s *Session) end(now time.Time, completed bool) PhaseEnd {
	startedAt := now
	if s.record.StartedAt != nil {
		startedAt = *s.record.StartedAt
	}
	s.record.IsRunning = false
	s.record.AwaitingAdvance = true
	return PhaseEnd{
		Phase:     s.record.CurrentPhase,
		StartedAt: startedAt,
		EndedAt:   now,
		Completed: completed,
	}
}

// Retime rewrites the current phase duration. Only legal while paused outside overtime.
func (s *Session) Retime(totalSeconds int) error {
	if s.record.IsRunning || s.record.IsOvertime {
		return fmt.Errorf("%w: retime requires a paused phase outside overtime", tidal.ErrInvalidTransition)
	}
	if totalSeconds <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %d", tidal.ErrInvalidTransition, totalSeconds)
	}
	s.record.TotalTimeSeconds = totalSeconds
	s.record.TimeLeftSeconds = totalSeconds
	return nil
}

// Reset reinitializes to the immersion defaults. The cycle count starts over.
func (s *Session) Reset(d tidal.Durations, now time.Time) {
	*s = NewSession(s.record.UserID, d, now)
}

// CatchUp applies wall-clock time that passed since the last write while no client was ticking. Time
// past zero counts as overtime, as if every missed second had been ticked.
func (s *Session) CatchUp(now time.Time) {
	if !s.record.IsRunning || s.record.UpdatedAt.IsZero() {
		return
	}
	elapsed := int(now.Sub(s.record.UpdatedAt) / time.Second)
	if elapsed <= 0 {
		return
	}
	if s.record.IsOvertime {
		s.record.ExtraTimeSeconds += elapsed
		return
	}
	if elapsed < s.record.TimeLeftSeconds {
		s.record.TimeLeftSeconds -= elapsed
		return
	}
	s.record.ExtraTimeSeconds = elapsed - s.record.TimeLeftSeconds
	s.record.TimeLeftSeconds = 0
	s.record.IsOvertime = true
}

// TimeRemaining is the countdown left in the current phase.
func (s Session) TimeRemaining() time.Duration {
	return time.Duration(s.record.TimeLeftSeconds) * time.Second
}
