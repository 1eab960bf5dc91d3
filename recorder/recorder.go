// Package recorder appends one CycleRecord per phase exit
package recorder

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/benjamonnguyen/tidal"
	"github.com/benjamonnguyen/tidal/models"
)

type Recorder struct {
	repo   tidal.CycleRepo
	tracks tidal.TrackSource
	l      *log.Logger
}

// New returns a Recorder. tracks may be nil when no music source is configured.
func New(repo tidal.CycleRepo, tracks tidal.TrackSource, logger *log.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		tracks: tracks,
		l:      logger,
	}
}

// Record writes the record for a phase that just ended and returns its id. Failures are logged and
// yield an empty id; callers never wait on the recorder to move on.
func (r *Recorder) Record(ctx context.Context, userID tidal.UserID, end models.PhaseEnd, notes tidal.PhaseNotes) tidal.CycleRecordID {
	cycle := tidal.CycleRecord{
		UserID:    userID,
		Phase:     end.Phase,
		StartTime: end.StartedAt,
		EndTime:   end.RecordedEnd(),
		Tag:       strings.TrimSpace(notes.Tag),
		Completed: end.Completed,
		Track:     r.nowPlaying(ctx),
	}
	if end.Phase == tidal.DivePhase {
		cycle.Actions = strings.TrimSpace(notes.Actions)
	}

	inserted, err := r.repo.AppendCycle(ctx, cycle)
	if err != nil {
		r.l.Error("failed to record cycle", "userID", userID, "phase", end.Phase, "completed", end.Completed, "err", err)
		return ""
	}
	r.l.Debug("recorded cycle", "id", inserted.ID, "phase", end.Phase, "completed", end.Completed, "duration", cycle.Duration())
	return inserted.ID
}

// AttachRating sets the post-phase rating of a breath record. Unknown ids are a logged no-op.
func (r *Recorder) AttachRating(ctx context.Context, id tidal.CycleRecordID, rating int) error {
	if err := tidal.ValidateRating(rating); err != nil {
		return err
	}
	if id == "" {
		r.l.Warn("no record to rate")
		return nil
	}
	if _, err := r.repo.AttachRating(ctx, id, rating); err != nil {
		if errors.Is(err, tidal.ErrNotFound) {
			r.l.Warn("rating for unknown record ignored", "id", id, "rating", rating)
			return nil
		}
		r.l.Error("failed to attach rating", "id", id, "rating", rating, "err", err)
		return err
	}
	return nil
}

func (r *Recorder) nowPlaying(ctx context.Context) *tidal.Track {
	if r.tracks == nil {
		return nil
	}
	track, err := r.tracks.NowPlaying(ctx)
	if err != nil {
		r.l.Warn("failed to capture track", "err", err)
		return nil
	}
	if track == nil || (track.Name == "" && track.Artist == "") {
		return nil
	}
	return track
}
