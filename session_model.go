package tidal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
)

type Phase uint8

const (
	_ Phase = iota
	ImmersionPhase
	DivePhase
	BreathPhase
)

func (p Phase) String() string {
	switch p {
	case ImmersionPhase:
		return "immersion"
	case DivePhase:
		return "dive"
	case BreathPhase:
		return "breath"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Next returns the phase that follows p in the fixed immersion, dive, breath order.
func (p Phase) Next() Phase {
	switch p {
	case ImmersionPhase:
		return DivePhase
	case DivePhase:
		return BreathPhase
	default:
		return ImmersionPhase
	}
}

func (p Phase) Valid() bool {
	return p >= ImmersionPhase && p <= BreathPhase
}

func ParsePhase(s string) (Phase, error) {
	switch s {
	case "immersion":
		return ImmersionPhase, nil
	case "dive":
		return DivePhase, nil
	case "breath":
		return BreathPhase, nil
	default:
		return 0, fmt.Errorf("unknown phase %q", s)
	}
}

type (
	UserID        string
	SessionID     string
	CycleRecordID string
)

// SessionRecord is the live timer state for one user, shared by every open client.
type SessionRecord struct {
	UserID UserID

	//
	CurrentPhase     Phase
	TimeLeftSeconds  int
	TotalTimeSeconds int
	IsRunning        bool
	CycleCount       int
	StartedAt        *time.Time
	UpdatedAt        time.Time
	IsOvertime       bool
	ExtraTimeSeconds int
	AwaitingAdvance  bool
}

type ExistingSessionRecord struct {
	ExistingRecord[SessionID]
	SessionRecord
}

// SessionEvent is delivered by a SessionFeed whenever the stored session row changes.
type SessionEvent struct {
	UserID  UserID
	Session SessionRecord
}

type Track struct {
	Name, Artist, Album string
}

// CycleRecord is an immutable log entry for one completed or skipped phase.
type CycleRecord struct {
	UserID    UserID
	Phase     Phase
	StartTime time.Time
	EndTime   time.Time
	Tag       string
	Actions   string
	Completed bool
	Rating    *int
	Track     *Track
}

func (r CycleRecord) Duration() time.Duration {
	if r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

type ExistingCycleRecord struct {
	ExistingRecord[CycleRecordID]
	CycleRecord
}

// PhaseNotes is what the user typed about a phase as it ended.
// Actions only stick to dive records.
type PhaseNotes struct {
	Tag     string
	Actions string
}

func ValidateRating(rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: got %d", ErrInvalidRating, rating)
	}
	return nil
}

const (
	DefaultImmersionMinutes = 25
	DefaultDiveMinutes      = 5
	DefaultBreathMinutes    = 5
)

// Durations holds per-phase lengths in minutes.
type Durations struct {
	Immersion int `yaml:"immersion"`
	Dive      int `yaml:"dive"`
	Breath    int `yaml:"breath"`
}

func DefaultDurations() Durations {
	return Durations{
		Immersion: DefaultImmersionMinutes,
		Dive:      DefaultDiveMinutes,
		Breath:    DefaultBreathMinutes,
	}
}

// Sanitize replaces every non-positive field with its default.
func (d Durations) Sanitize() Durations {
	def := DefaultDurations()
	if d.Immersion <= 0 {
		d.Immersion = def.Immersion
	}
	if d.Dive <= 0 {
		d.Dive = def.Dive
	}
	if d.Breath <= 0 {
		d.Breath = def.Breath
	}
	return d
}

func (d Durations) Seconds(p Phase) int {
	d = d.Sanitize()
	switch p {
	case DivePhase:
		return d.Dive * 60
	case BreathPhase:
		return d.Breath * 60
	default:
		return d.Immersion * 60
	}
}

// Range selects records by start time. Both bounds are calendar days in Location, inclusive.
type Range struct {
	From, To time.Time
	Location *time.Location
}

func (r Range) loc() *time.Location {
	if r.Location != nil {
		return r.Location
	}
	return time.Local
}

// Start returns midnight of the first day.
func (r Range) Start() time.Time {
	from := r.From.In(r.loc())
	return time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, r.loc())
}

// End returns midnight after the last day.
func (r Range) End() time.Time {
	to := r.To.In(r.loc())
	return time.Date(to.Year(), to.Month(), to.Day()+1, 0, 0, 0, 0, r.loc())
}

func (r Range) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

func (r Range) Contains(t time.Time) bool {
	if r.IsZero() {
		return true
	}
	return !t.Before(r.Start()) && t.Before(r.End())
}

// Days returns midnight of every day in the range, in order.
func (r Range) Days() []time.Time {
	if r.IsZero() || r.To.Before(r.From) {
		return nil
	}
	var days []time.Time
	end := r.End()
	for d := r.Start(); d.Before(end); d = time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, r.loc()) {
		days = append(days, d)
	}
	return days
}

type SessionRepo interface {
	GetSession(ctx context.Context, userID UserID) (ExistingSessionRecord, error)
	UpsertSession(ctx context.Context, s SessionRecord) (ExistingSessionRecord, error)
}

// SessionFeed streams change events for one user's session row until ctx is done.
type SessionFeed interface {
	Subscribe(ctx context.Context, userID UserID) (<-chan SessionEvent, error)
}

type CycleRepo interface {
	AppendCycle(ctx context.Context, r CycleRecord) (ExistingCycleRecord, error)
	AttachRating(ctx context.Context, id CycleRecordID, rating int) (ExistingCycleRecord, error)
	QueryCycles(ctx context.Context, userID UserID, r Range) ([]ExistingCycleRecord, error)
}

// SettingsProvider supplies per-phase durations for a user.
type SettingsProvider interface {
	DurationsFor(ctx context.Context, userID UserID) (Durations, error)
}

// TrackSource reports the track playing right now, or nil when nothing is.
type TrackSource interface {
	NowPlaying(ctx context.Context) (*Track, error)
}
