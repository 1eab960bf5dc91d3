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
	SelectAllCycles = "SELECT id, user_id, phase, start_time, end_time, tag, actions, completed, rating, track_name, track_artist, track_album, created_at, updated_at FROM cycle_records"
	AttachRating    = "UPDATE cycle_records SET rating = ?, updated_at = ? WHERE id = ? AND phase = ? AND rating IS NULL"
)

type cycleEntity struct {
	ID          string
	UserID      string
	Phase       uint8
	StartTimeMS int64
	EndTimeMS   int64
	Tag         string
	Actions     string
	Completed   bool
	Rating      sql.NullInt64
	TrackName   sql.NullString
	TrackArtist sql.NullString
	TrackAlbum  sql.NullString
	CreatedAt   int64
	UpdatedAt   int64
}

type cycleRepo struct {
	dbGetter txStdLib.DBGetter
	l        *log.Logger
}

func NewCycleRepo(dbGetter txStdLib.DBGetter, logger *log.Logger) *cycleRepo {
	return &cycleRepo{
		dbGetter: dbGetter,
		l:        logger,
	}
}

func (r *cycleRepo) AppendCycle(ctx context.Context, cycle tidal.CycleRecord) (tidal.ExistingCycleRecord, error) {
	if cycle.UserID == "" || !cycle.Phase.Valid() {
		return tidal.ExistingCycleRecord{}, fmt.Errorf("provide required fields 'UserID' and 'Phase'")
	}
	if cycle.Rating != nil {
		if err := tidal.ValidateRating(*cycle.Rating); err != nil {
			return tidal.ExistingCycleRecord{}, err
		}
	}

	existingRecord := tidal.ExistingCycleRecord{
		CycleRecord:    cycle,
		ExistingRecord: tidal.NewExistingRecord[tidal.CycleRecordID](uuid.NewString()),
	}
	e := mapToCycleEntity(existingRecord)

	args := []any{
		e.ID,
		e.UserID,
		e.Phase,
		e.StartTimeMS,
		e.EndTimeMS,
		e.Tag,
		e.Actions,
		boolToInt(e.Completed),
		e.Rating,
		e.TrackName,
		e.TrackArtist,
		e.TrackAlbum,
		e.CreatedAt,
		e.UpdatedAt,
	}
	query := "INSERT INTO cycle_records (id, user_id, phase, start_time, end_time, tag, actions, completed, rating, track_name, track_artist, track_album, created_at, updated_at) VALUES " + GenerateParameters(len(args))
	r.l.Debug("appending cycle record", "query", query, "args", args)
	if _, err := r.dbGetter(ctx).ExecContext(ctx, query, args...); err != nil {
		return tidal.ExistingCycleRecord{}, err
	}

	return existingRecord, nil
}

// AttachRating sets the rating of a breath record exactly once.
func (r *cycleRepo) AttachRating(ctx context.Context, id tidal.CycleRecordID, rating int) (tidal.ExistingCycleRecord, error) {
	if err := tidal.ValidateRating(rating); err != nil {
		return tidal.ExistingCycleRecord{}, err
	}
	existing, err := r.getCycleByID(ctx, id)
	if err != nil {
		return tidal.ExistingCycleRecord{}, err
	}
	if existing.Phase != tidal.BreathPhase {
		return tidal.ExistingCycleRecord{}, fmt.Errorf("rating only applies to breath records, %s is %s", id, existing.Phase)
	}
	if existing.Rating != nil {
		return tidal.ExistingCycleRecord{}, fmt.Errorf("record %s already rated", id)
	}

	now := time.Now()
	args := []any{rating, now.Unix(), string(id), uint8(tidal.BreathPhase)}
	r.l.Debug("attaching rating", "query", AttachRating, "args", args)
	res, err := r.dbGetter(ctx).ExecContext(ctx, AttachRating, args...)
	if err != nil {
		return tidal.ExistingCycleRecord{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return tidal.ExistingCycleRecord{}, fmt.Errorf("record %s already rated", id)
	}

	existing.Rating = &rating
	existing.UpdatedAt = now
	return existing, nil
}

// QueryCycles returns the user's records ordered by start time. A zero range returns everything.
func (r *cycleRepo) QueryCycles(ctx context.Context, userID tidal.UserID, rng tidal.Range) ([]tidal.ExistingCycleRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("provide userID")
	}

	query := fmt.Sprintf("%s WHERE user_id = ?", SelectAllCycles)
	args := []any{string(userID)}
	if !rng.IsZero() {
		query += " AND start_time >= ? AND start_time < ?"
		args = append(args, rng.Start().UnixMilli(), rng.End().UnixMilli())
	}
	query += " ORDER BY start_time, created_at"

	r.l.Debug("querying cycle records", "query", query, "args", args)
	rows, err := r.dbGetter(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint

	var cycles []tidal.ExistingCycleRecord
	for rows.Next() {
		cycle, err := extractCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, cycle)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cycles, nil
}

func (r *cycleRepo) getCycleByID(ctx context.Context, id tidal.CycleRecordID) (tidal.ExistingCycleRecord, error) {
	if id == "" {
		return tidal.ExistingCycleRecord{}, fmt.Errorf("provide id")
	}

	db := r.dbGetter(ctx)
	row := db.QueryRowContext(
		ctx,
		fmt.Sprintf("%s WHERE id=?", SelectAllCycles), id,
	)

	return extractCycle(row)
}

func extractCycle(s Scannable) (tidal.ExistingCycleRecord, error) {
	var e cycleEntity
	if err := s.Scan(&e.ID, &e.UserID, &e.Phase, &e.StartTimeMS, &e.EndTimeMS, &e.Tag, &e.Actions, &e.Completed, &e.Rating, &e.TrackName, &e.TrackArtist, &e.TrackAlbum, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tidal.ExistingCycleRecord{}, ErrNotFound
		}
		return tidal.ExistingCycleRecord{}, err
	}

	return mapToExistingCycleRecord(e), nil
}

func mapToCycleEntity(cycle tidal.ExistingCycleRecord) cycleEntity {
	e := cycleEntity{
		ID:          string(cycle.ID),
		UserID:      string(cycle.UserID),
		Phase:       uint8(cycle.Phase),
		StartTimeMS: cycle.StartTime.UnixMilli(),
		EndTimeMS:   cycle.EndTime.UnixMilli(),
		Tag:         cycle.Tag,
		Actions:     cycle.Actions,
		Completed:   cycle.Completed,
		CreatedAt:   cycle.CreatedAt.Unix(),
		UpdatedAt:   cycle.UpdatedAt.Unix(),
	}
	if cycle.Rating != nil {
		e.Rating = sql.NullInt64{Int64: int64(*cycle.Rating), Valid: true}
	}
	if cycle.Track != nil {
		e.TrackName = sql.NullString{String: cycle.Track.Name, Valid: true}
		e.TrackArtist = sql.NullString{String: cycle.Track.Artist, Valid: true}
		e.TrackAlbum = sql.NullString{String: cycle.Track.Album, Valid: true}
	}
	return e
}

func mapToExistingCycleRecord(e cycleEntity) tidal.ExistingCycleRecord {
	cycle := tidal.ExistingCycleRecord{
		ExistingRecord: tidal.ExistingRecord[tidal.CycleRecordID]{
			ID:        tidal.CycleRecordID(e.ID),
			CreatedAt: time.Unix(e.CreatedAt, 0),
			UpdatedAt: time.Unix(e.UpdatedAt, 0),
		},
		CycleRecord: tidal.CycleRecord{
			UserID:    tidal.UserID(e.UserID),
			Phase:     tidal.Phase(e.Phase),
			StartTime: time.UnixMilli(e.StartTimeMS),
			EndTime:   time.UnixMilli(e.EndTimeMS),
			Tag:       e.Tag,
			Actions:   e.Actions,
			Completed: e.Completed,
		},
	}
	if e.Rating.Valid {
		rating := int(e.Rating.Int64)
		cycle.Rating = &rating
	}
	if e.TrackName.Valid || e.TrackArtist.Valid {
		cycle.Track = &tidal.Track{
			Name:   e.TrackName.String,
			Artist: e.TrackArtist.String,
			Album:  e.TrackAlbum.String,
		}
	}
	return cycle
}
