// Package sqlite implements repo interfaces
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	txStdLib "github.com/Thiht/transactor/stdlib"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/benjamonnguyen/tidal"
)

const (
	SelectAllSessions = "SELECT id, user_id, current_phase, time_left_seconds, total_time_seconds, is_running, cycle_count, started_at, is_overtime, extra_time_seconds, awaiting_advance, created_at, updated_at FROM sessions"
	SelectAllSettings = "SELECT user_id, immersion_duration, dive_duration, breath_duration, created_at, updated_at FROM session_settings"
	UpsertSession     = `INSERT INTO sessions (id, user_id, current_phase, time_left_seconds, total_time_seconds, is_running, cycle_count, started_at, is_overtime, extra_time_seconds, awaiting_advance, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET current_phase = excluded.current_phase, time_left_seconds = excluded.time_left_seconds, total_time_seconds = excluded.total_time_seconds, is_running = excluded.is_running, cycle_count = excluded.cycle_count, started_at = excluded.started_at, is_overtime = excluded.is_overtime, extra_time_seconds = excluded.extra_time_seconds, awaiting_advance = excluded.awaiting_advance, updated_at = excluded.updated_at
WHERE excluded.updated_at >= sessions.updated_at`
	UpsertSettings = `INSERT INTO session_settings (user_id, immersion_duration, dive_duration, breath_duration, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET immersion_duration = excluded.immersion_duration, dive_duration = excluded.dive_duration, breath_duration = excluded.breath_duration, updated_at = excluded.updated_at`
)

type sessionEntity struct {
	ID               string
	UserID           string
	CurrentPhase     uint8
	TimeLeftSeconds  int
	TotalTimeSeconds int
	IsRunning        bool
	CycleCount       int
	StartedAtMS      sql.NullInt64
	IsOvertime       bool
	ExtraTimeSeconds int
	AwaitingAdvance  bool
	CreatedAt        int64
	UpdatedAtMS      int64
}

type sessionSettingsEntity struct {
	UserID            string
	ImmersionDuration int
	DiveDuration      int
	BreathDuration    int
	CreatedAt         int64
	UpdatedAt         int64
}

// sessionRepo
type sessionRepo struct {
	dbGetter txStdLib.DBGetter
	l        *log.Logger
}

func NewSessionRepo(dbGetter txStdLib.DBGetter, logger *log.Logger) *sessionRepo {
	return &sessionRepo{
		dbGetter: dbGetter,
		l:        logger,
	}
}

// UpsertSession writes the row unless the stored one carries a newer stamp. updated_at is the
// writer's own stamp, so the latest write wins regardless of arrival order.
func (r *sessionRepo) UpsertSession(ctx context.Context, s tidal.SessionRecord) (tidal.ExistingSessionRecord, error) {
	if s.UserID == "" {
		return tidal.ExistingSessionRecord{}, fmt.Errorf("provide required field 'UserID'")
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}

	existingRecord := tidal.ExistingSessionRecord{
		SessionRecord:  s,
		ExistingRecord: tidal.NewExistingRecord[tidal.SessionID](uuid.NewString()),
	}
	existingRecord.UpdatedAt = s.UpdatedAt
	e := mapToSessionEntity(existingRecord)

	args := []any{
		e.ID,
		e.UserID,
		e.CurrentPhase,
		e.TimeLeftSeconds,
		e.TotalTimeSeconds,
		boolToInt(e.IsRunning),
		e.CycleCount,
		e.StartedAtMS,
		boolToInt(e.IsOvertime),
		e.ExtraTimeSeconds,
		boolToInt(e.AwaitingAdvance),
		e.CreatedAt,
		e.UpdatedAtMS,
	}
	r.l.Debug("upserting session", "query", UpsertSession, "args", args)
	if _, err := r.dbGetter(ctx).ExecContext(ctx, UpsertSession, args...); err != nil {
		return tidal.ExistingSessionRecord{}, err
	}

	return r.GetSession(ctx, s.UserID)
}

func (r *sessionRepo) GetSession(ctx context.Context, userID tidal.UserID) (tidal.ExistingSessionRecord, error) {
	if userID == "" {
		return tidal.ExistingSessionRecord{}, fmt.Errorf("provide userID")
	}

	db := r.dbGetter(ctx)
	row := db.QueryRowContext(
		ctx,
		fmt.Sprintf("%s WHERE user_id=?", SelectAllSessions), userID,
	)

	return extractSession(row)
}

func (r *sessionRepo) UpsertSettings(ctx context.Context, userID tidal.UserID, d tidal.Durations) error {
	if userID == "" {
		return fmt.Errorf("provide userID")
	}

	now := time.Now().Unix()
	args := []any{
		string(userID),
		d.Immersion,
		d.Dive,
		d.Breath,
		now,
		now,
	}
	r.l.Debug("upserting session settings", "query", UpsertSettings, "args", args)
	_, err := r.dbGetter(ctx).ExecContext(ctx, UpsertSettings, args...)
	return err
}

func (r *sessionRepo) GetSettings(ctx context.Context, userID tidal.UserID) (tidal.Durations, error) {
	if userID == "" {
		return tidal.Durations{}, fmt.Errorf("provide userID")
	}

	db := r.dbGetter(ctx)
	row := db.QueryRowContext(
		ctx,
		fmt.Sprintf("%s WHERE user_id=?", SelectAllSettings), userID,
	)

	return extractSessionSettings(row)
}

// DurationsFor implements tidal.SettingsProvider.
func (r *sessionRepo) DurationsFor(ctx context.Context, userID tidal.UserID) (tidal.Durations, error) {
	d, err := r.GetSettings(ctx, userID)
	if err != nil {
		return tidal.DefaultDurations(), err
	}
	return d.Sanitize(), nil
}

func extractSession(s Scannable) (tidal.ExistingSessionRecord, error) {
	var e sessionEntity
	if err := s.Scan(&e.ID, &e.UserID, &e.CurrentPhase, &e.TimeLeftSeconds, &e.TotalTimeSeconds, &e.IsRunning, &e.CycleCount, &e.StartedAtMS, &e.IsOvertime, &e.ExtraTimeSeconds, &e.AwaitingAdvance, &e.CreatedAt, &e.UpdatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tidal.ExistingSessionRecord{}, ErrNotFound
		}
		return tidal.ExistingSessionRecord{}, err
	}

	return mapToExistingSessionRecord(e), nil
}

func extractSessionSettings(s Scannable) (tidal.Durations, error) {
	var e sessionSettingsEntity
	if err := s.Scan(&e.UserID, &e.ImmersionDuration, &e.DiveDuration, &e.BreathDuration, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tidal.Durations{}, ErrNotFound
		}
		return tidal.Durations{}, err
	}

	return tidal.Durations{
		Immersion: e.ImmersionDuration,
		Dive:      e.DiveDuration,
		Breath:    e.BreathDuration,
	}, nil
}

func mapToSessionEntity(session tidal.ExistingSessionRecord) sessionEntity {
	var startedAt sql.NullInt64
	if session.StartedAt != nil {
		startedAt = sql.NullInt64{Int64: session.StartedAt.UnixMilli(), Valid: true}
	}
	return sessionEntity{
		ID:               string(session.ID),
		UserID:           string(session.UserID),
		CurrentPhase:     uint8(session.CurrentPhase),
		TimeLeftSeconds:  session.TimeLeftSeconds,
		TotalTimeSeconds: session.TotalTimeSeconds,
		IsRunning:        session.IsRunning,
		CycleCount:       session.CycleCount,
		StartedAtMS:      startedAt,
		IsOvertime:       session.IsOvertime,
		ExtraTimeSeconds: session.ExtraTimeSeconds,
		AwaitingAdvance:  session.AwaitingAdvance,
		CreatedAt:        session.CreatedAt.Unix(),
		UpdatedAtMS:      session.UpdatedAt.UnixMilli(),
	}
}

func mapToExistingSessionRecord(e sessionEntity) tidal.ExistingSessionRecord {
	var startedAt *time.Time
	if e.StartedAtMS.Valid {
		t := time.UnixMilli(e.StartedAtMS.Int64)
		startedAt = &t
	}
	updatedAt := time.UnixMilli(e.UpdatedAtMS)
	return tidal.ExistingSessionRecord{
		ExistingRecord: tidal.ExistingRecord[tidal.SessionID]{
			ID:        tidal.SessionID(e.ID),
			CreatedAt: time.Unix(e.CreatedAt, 0),
			UpdatedAt: updatedAt,
		},
		SessionRecord: tidal.SessionRecord{
			UserID:           tidal.UserID(e.UserID),
			CurrentPhase:     tidal.Phase(e.CurrentPhase),
			TimeLeftSeconds:  e.TimeLeftSeconds,
			TotalTimeSeconds: e.TotalTimeSeconds,
			IsRunning:        e.IsRunning,
			CycleCount:       e.CycleCount,
			StartedAt:        startedAt,
			UpdatedAt:        updatedAt,
			IsOvertime:       e.IsOvertime,
			ExtraTimeSeconds: e.ExtraTimeSeconds,
			AwaitingAdvance:  e.AwaitingAdvance,
		},
	}
}
