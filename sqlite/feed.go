package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/benjamonnguyen/tidal"
)

const (
	DefaultFeedDebounce = 100 * time.Millisecond
	DefaultPollInterval = 2 * time.Second
)

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedDebounce sets how long file events are coalesced before the row is re-read.
func WithFeedDebounce(d time.Duration) FeedOption {
	return func(f *Feed) {
		f.debounce = d
	}
}

// WithPollInterval sets the polling interval for fallback mode.
func WithPollInterval(d time.Duration) FeedOption {
	return func(f *Feed) {
		f.pollInterval = d
	}
}

// WithForcePoll skips fsnotify and polls the session row instead.
func WithForcePoll(force bool) FeedOption {
	return func(f *Feed) {
		f.forcePoll = force
	}
}

// Feed turns writes to the database file into session change events. Every process sharing the
// file sees every committed upsert, including its own.
type Feed struct {
	repo         tidal.SessionRepo
	path         string
	l            *log.Logger
	debounce     time.Duration
	pollInterval time.Duration
	forcePoll    bool
}

func NewFeed(repo tidal.SessionRepo, dbPath string, logger *log.Logger, opts ...FeedOption) *Feed {
	f := &Feed{
		repo:         repo,
		path:         dbPath,
		l:            logger,
		debounce:     DefaultFeedDebounce,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe emits an event each time the stored updated_at of userID's session changes.
// The channel is closed once ctx is done.
func (f *Feed) Subscribe(ctx context.Context, userID tidal.UserID) (<-chan tidal.SessionEvent, error) {
	absPath, err := filepath.Abs(f.path)
	if err != nil {
		return nil, err
	}

	var last time.Time
	existing, err := f.repo.GetSession(ctx, userID)
	switch {
	case err == nil:
		last = existing.UpdatedAt
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	var (
		fsw    *fsnotify.Watcher
		events <-chan fsnotify.Event
		errs   <-chan error
		poll   <-chan time.Time
		ticker *time.Ticker
	)
	if !f.forcePoll {
		fsw, err = fsnotify.NewWatcher()
		if err == nil {
			// watch the directory so wal and journal files are seen too
			if err = fsw.Add(filepath.Dir(absPath)); err != nil {
				_ = fsw.Close()
				fsw = nil
			}
		}
		if err != nil {
			f.l.Warn("fsnotify unavailable, polling session row", "path", absPath, "err", err)
		}
	}
	if fsw != nil {
		events, errs = fsw.Events, fsw.Errors
	} else {
		ticker = time.NewTicker(f.pollInterval)
		poll = ticker.C
	}

	ch := make(chan tidal.SessionEvent, 1)
	check := func() bool {
		rec, err := f.repo.GetSession(ctx, userID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) && ctx.Err() == nil {
				f.l.Error("failed to read session for feed", "userID", userID, "err", err)
			}
			return true
		}
		if rec.UpdatedAt.Equal(last) {
			return true
		}
		last = rec.UpdatedAt
		select {
		case ch <- tidal.SessionEvent{UserID: userID, Session: rec.SessionRecord}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	base := filepath.Base(absPath)
	go func() {
		defer close(ch)
		if fsw != nil {
			defer fsw.Close() //nolint
		}
		if ticker != nil {
			defer ticker.Stop()
		}

		var debounceTimer *time.Timer
		var debounceC <-chan time.Time
		defer func() {
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if !isDatabaseFile(base, filepath.Base(event.Name)) || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounceTimer == nil {
					debounceTimer = time.NewTimer(f.debounce)
				} else {
					debounceTimer.Reset(f.debounce)
				}
				debounceC = debounceTimer.C
			case err, ok := <-errs:
				if !ok {
					return
				}
				f.l.Error("fsnotify error", "path", absPath, "err", err)
			case <-debounceC:
				debounceC = nil
				if !check() {
					return
				}
			case <-poll:
				if !check() {
					return
				}
			}
		}
	}()

	return ch, nil
}

func isDatabaseFile(base, name string) bool {
	if name == base {
		return true
	}
	return name == base+"-wal" || name == base+"-journal"
}
