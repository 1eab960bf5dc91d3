// Package session keeps one user's timer consistent between this client and the shared store
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thiht/transactor"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/benjamonnguyen/tidal"
	"github.com/benjamonnguyen/tidal/models"
)

const (
	DefaultTickRate = time.Second
	DefaultDebounce = 300 * time.Millisecond

	shutdownFlushTimeout = 3 * time.Second
)

var errUnchanged = errors.New("unchanged")

// Recorder receives every phase exit.
type Recorder interface {
	Record(ctx context.Context, userID tidal.UserID, end models.PhaseEnd, notes tidal.PhaseNotes) tidal.CycleRecordID
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithTickRate(d time.Duration) Option {
	return func(m *Manager) {
		m.tickRate = d
	}
}

func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		m.debounceDelay = d
	}
}

func WithEchoBuffer(d time.Duration) Option {
	return func(m *Manager) {
		m.echoBuffer = d
	}
}

// Manager owns the local view of one user's session. Mutations apply locally first and reach the
// store through a debounced writer; remote changes replace the local view when they are newer.
type Manager struct {
	userID   tidal.UserID
	repo     tidal.SessionRepo
	feed     tidal.SessionFeed
	tx       transactor.Transactor
	settings tidal.SettingsProvider
	recorder Recorder
	l        *log.Logger

	now           func() time.Time
	tickRate      time.Duration
	debounceDelay time.Duration
	echoBuffer    time.Duration

	mu          sync.Mutex
	session     models.Session
	lastLocal   time.Time
	lastIntent  time.Time
	lastRemote  time.Time
	lastWritten time.Time
	stamps      recentStamps
	pending     *tidal.SessionRecord

	writeMu sync.Mutex
	writer  *debouncer
	writeC  chan struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	onSessionUpdate func(ctx context.Context, before, curr models.Session)
}

// NewManager starts the background writer. feed and recorder may be nil.
func NewManager(
	ctx context.Context,
	userID tidal.UserID,
	repo tidal.SessionRepo,
	feed tidal.SessionFeed,
	tx transactor.Transactor,
	settings tidal.SettingsProvider,
	recorder Recorder,
	logger *log.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		userID:        userID,
		repo:          repo,
		feed:          feed,
		tx:            tx,
		settings:      settings,
		recorder:      recorder,
		l:             logger,
		now:           time.Now,
		tickRate:      DefaultTickRate,
		debounceDelay: DefaultDebounce,
		echoBuffer:    DefaultEchoBuffer,
		writeC:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.writer = newDebouncer(m.debounceDelay, m.signalWrite)
	m.session = models.NewSession(userID, tidal.DefaultDurations(), m.now())

	m.startWriter()
	return m
}

func (m *Manager) OnSessionUpdate(handler func(ctx context.Context, before, curr models.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSessionUpdate = handler
}

// Session returns a snapshot of the local view.
func (m *Manager) Session() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Load fetches the stored session, creating it on first use. A running session is caught up by the
// wall-clock time that passed since it was last written.
func (m *Manager) Load(ctx context.Context) models.Session {
	d := m.durations(ctx)
	existing, err := m.repo.GetSession(ctx, m.userID)

	m.mu.Lock()
	now := m.now()
	before := m.session
	switch {
	case err == nil:
		s := models.SessionFromRecord(existing.SessionRecord)
		m.lastRemote = existing.UpdatedAt
		if s.IsRunning() {
			s.CatchUp(now)
			s.Touch(m.stamp(now))
			m.lastLocal = s.UpdatedAt()
			m.queueWrite(s)
		}
		m.session = s
		m.l.Info("loaded session", "userID", m.userID, "phase", s.CurrentPhase(), "running", s.IsRunning(), "timeLeft", s.TimeLeftSeconds(), "overtime", s.IsOvertime())
	case errors.Is(err, tidal.ErrNotFound):
		s := models.NewSession(m.userID, d, m.stamp(now))
		m.session = s
		m.lastLocal = s.UpdatedAt()
		m.lastIntent = s.UpdatedAt()
		m.queueWrite(s)
		m.l.Info("created session", "userID", m.userID)
	default:
		m.l.Error("failed to load session, using defaults", "userID", m.userID, "err", err)
		m.session = models.NewSession(m.userID, d, now)
	}
	curr := m.session
	m.mu.Unlock()

	m.notify(ctx, before, curr)
	return curr
}

func (m *Manager) StartPhase(ctx context.Context, p tidal.Phase) (models.Session, error) {
	d := m.durations(ctx)
	return m.mutate(ctx, func(s *models.Session, now time.Time) error {
		return s.Start(p, d, now)
	})
}

// Advance starts the phase after the current one.
func (m *Manager) Advance(ctx context.Context) (models.Session, error) {
	d := m.durations(ctx)
	return m.mutate(ctx, func(s *models.Session, now time.Time) error {
		return s.Advance(d, now)
	})
}

// Tick moves a running timer forward by one second. It is a no-op while paused.
func (m *Manager) Tick(ctx context.Context) models.Session {
	var enteredOvertime bool
	s, _ := m.apply(ctx, false, func(s *models.Session, _ time.Time) error {
		if !s.IsRunning() {
			return errUnchanged
		}
		enteredOvertime = s.Tick()
		return nil
	})
	if enteredOvertime {
		m.l.Info("overtime", "userID", m.userID, "phase", s.CurrentPhase())
	}
	return s
}

func (m *Manager) TogglePlayPause(ctx context.Context) (models.Session, error) {
	return m.mutate(ctx, func(s *models.Session, now time.Time) error {
		return s.TogglePlayPause(now)
	})
}

// Skip ends the phase without completing it and records it.
func (m *Manager) Skip(ctx context.Context, notes tidal.PhaseNotes) (models.Session, tidal.CycleRecordID, error) {
	return m.exit(ctx, notes, func(s *models.Session, now time.Time) (models.PhaseEnd, error) {
		return s.Skip(now)
	})
}

func (m *Manager) CompleteNow(ctx context.Context, notes tidal.PhaseNotes) (models.Session, tidal.CycleRecordID, error) {
	return m.exit(ctx, notes, func(s *models.Session, now time.Time) (models.PhaseEnd, error) {
		return s.CompleteNow(now)
	})
}

func (m *Manager) ResolveOvertime(ctx context.Context, keepExtraTime bool, notes tidal.PhaseNotes) (models.Session, tidal.CycleRecordID, error) {
	return m.exit(ctx, notes, func(s *models.Session, now time.Time) (models.PhaseEnd, error) {
		return s.ResolveOvertime(keepExtraTime, now)
	})
}

func (m *Manager) Retime(ctx context.Context, totalSeconds int) (models.Session, error) {
	return m.mutate(ctx, func(s *models.Session, _ time.Time) error {
		return s.Retime(totalSeconds)
	})
}

// Reset puts the session back to immersion defaults and writes it right away.
func (m *Manager) Reset(ctx context.Context) models.Session {
	d := m.durations(ctx)
	s, _ := m.mutate(ctx, func(s *models.Session, now time.Time) error {
		s.Reset(d, now)
		return nil
	})
	if err := m.Flush(ctx); err != nil {
		m.l.Error("failed to write reset session", "userID", m.userID, "err", err)
	}
	m.l.Info("reset session", "userID", m.userID)
	return s
}

// ApplyRemote replaces the local view with rec if it is newer than the last change a user made
// through this client and the last remote change applied. Stamps this client produced are echoes
// and never applied. It reports whether rec was applied.
func (m *Manager) ApplyRemote(ctx context.Context, rec tidal.SessionRecord) bool {
	m.mu.Lock()
	if rec.UserID != m.userID {
		m.mu.Unlock()
		return false
	}
	if m.stamps.contains(rec.UpdatedAt) {
		m.mu.Unlock()
		m.l.Debug("ignoring session echo", "userID", m.userID, "remoteUpdatedAt", rec.UpdatedAt)
		return false
	}
	watermark := m.echoWatermark()
	if !ShouldApplyRemote(rec.UpdatedAt, watermark, m.echoBuffer) {
		m.mu.Unlock()
		m.l.Debug("ignoring stale remote session", "userID", m.userID, "remoteUpdatedAt", rec.UpdatedAt, "watermark", watermark)
		return false
	}

	before := m.session
	m.adopt(rec)
	curr := m.session
	m.mu.Unlock()

	m.l.Debug("applied remote session", "userID", m.userID, "phase", curr.CurrentPhase(), "running", curr.IsRunning(), "updatedAt", rec.UpdatedAt)
	m.notify(ctx, before, curr)
	return true
}

// Run drives the tick loop and applies remote changes until ctx is done or Shutdown is called.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(m.tickRate)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	})

	if m.feed != nil {
		events, err := m.feed.Subscribe(ctx, m.userID)
		if err != nil {
			m.l.Error("failed to subscribe to session changes, running without remote updates", "userID", m.userID, "err", err)
		} else {
			g.Go(func() error {
				for event := range events {
					m.ApplyRemote(ctx, event.Session)
				}
				return nil
			})
		}
	}

	return g.Wait()
}

// Flush writes any pending local state now instead of waiting for the debounce window.
func (m *Manager) Flush(ctx context.Context) error {
	m.writer.Cancel()
	return m.write(ctx)
}

// Shutdown stops the background writer and makes a best-effort final write.
func (m *Manager) Shutdown() error {
	m.writer.Cancel()
	m.cancel()
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	return m.write(ctx)
}

func (m *Manager) exit(
	ctx context.Context,
	notes tidal.PhaseNotes,
	fn func(s *models.Session, now time.Time) (models.PhaseEnd, error),
) (models.Session, tidal.CycleRecordID, error) {
	var end models.PhaseEnd
	s, err := m.mutate(ctx, func(s *models.Session, now time.Time) error {
		var err error
		end, err = fn(s, now)
		return err
	})
	if err != nil {
		return s, "", err
	}
	if m.recorder == nil {
		return s, "", nil
	}
	return s, m.recorder.Record(ctx, m.userID, end, notes), nil
}

// mutate applies a user-initiated change. See apply.
func (m *Manager) mutate(ctx context.Context, fn func(s *models.Session, now time.Time) error) (models.Session, error) {
	return m.apply(ctx, true, fn)
}

// apply runs fn on a copy of the session. On success the copy is stamped, becomes the local view,
// and is queued for writing. Ticks are not intents: they do not move the echo watermark.
func (m *Manager) apply(ctx context.Context, intent bool, fn func(s *models.Session, now time.Time) error) (models.Session, error) {
	m.mu.Lock()
	now := m.now()
	before := m.session
	next := before
	if err := fn(&next, now); err != nil {
		m.mu.Unlock()
		return before, err
	}
	next.Touch(m.stamp(now))
	m.session = next
	m.lastLocal = next.UpdatedAt()
	if intent {
		m.lastIntent = next.UpdatedAt()
	}
	m.queueWrite(next)
	m.mu.Unlock()

	m.notify(ctx, before, next)
	return next, nil
}

// stamp returns a millisecond stamp strictly after every stamp seen so far.
// m.mu must be held.
func (m *Manager) stamp(now time.Time) time.Time {
	t := time.UnixMilli(now.UnixMilli())
	if wm := latest(m.lastLocal, m.lastRemote); !t.After(wm) {
		t = wm.Add(time.Millisecond)
	}
	m.stamps.add(t)
	return t
}

// echoWatermark is the stamp a remote change must beat by more than the echo buffer.
// m.mu must be held.
func (m *Manager) echoWatermark() time.Time {
	return latest(m.lastIntent, m.lastRemote)
}

// unseen reports whether a stored stamp belongs to a change from another client that is newer than
// everything this client has written, applied, or been asked to do.
// m.mu must be held.
func (m *Manager) unseen(t time.Time) bool {
	return !m.stamps.contains(t) && t.After(latest(m.lastIntent, m.lastRemote, m.lastWritten))
}

// adopt replaces the local view with rec. The remote state wins over any local write still waiting.
// m.mu must be held.
func (m *Manager) adopt(rec tidal.SessionRecord) {
	m.session = models.SessionFromRecord(rec)
	m.lastRemote = rec.UpdatedAt
	m.pending = nil
	m.writer.Cancel()
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}

// m.mu must be held.
func (m *Manager) queueWrite(s models.Session) {
	rec := s.Record()
	m.pending = &rec
	m.writer.Trigger()
}

func (m *Manager) signalWrite() {
	select {
	case m.writeC <- struct{}{}:
	default:
	}
}

func (m *Manager) startWriter() {
	m.wg.Go(func() {
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-m.writeC:
				if err := m.write(m.ctx); err != nil {
					m.l.Error("session write failed, retrying next window", "userID", m.userID, "err", err)
				}
			}
		}
	})
}

func (m *Manager) write(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	rec := m.pending
	m.pending = nil
	m.mu.Unlock()
	if rec == nil {
		return nil
	}

	var (
		adopted      bool
		before, curr models.Session
	)
	err := m.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		// a change from another client that landed since we last looked beats queued ticks
		stored, err := m.repo.GetSession(ctx, m.userID)
		switch {
		case err == nil:
			m.mu.Lock()
			if m.unseen(stored.UpdatedAt) {
				before = m.session
				m.adopt(stored.SessionRecord)
				curr = m.session
				adopted = true
			}
			m.mu.Unlock()
			if adopted {
				return nil
			}
		case !errors.Is(err, tidal.ErrNotFound):
			m.l.Warn("failed to read session before write", "userID", m.userID, "err", err)
		}

		_, err = m.repo.UpsertSession(ctx, *rec)
		return err
	})
	if adopted && err == nil {
		m.l.Info("adopted session written by another client", "userID", m.userID, "updatedAt", curr.UpdatedAt(), "dropped", rec.UpdatedAt)
		m.notify(ctx, before, curr)
		return nil
	}
	if err != nil {
		// keep the local view; requeue unless something newer replaced it
		m.mu.Lock()
		if m.pending == nil && m.session.UpdatedAt().Equal(rec.UpdatedAt) {
			m.pending = rec
		}
		retry := m.pending != nil
		m.mu.Unlock()
		if retry && m.ctx.Err() == nil {
			m.writer.Trigger()
		}
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	m.mu.Lock()
	if rec.UpdatedAt.After(m.lastWritten) {
		m.lastWritten = rec.UpdatedAt
	}
	m.mu.Unlock()
	m.l.Debug("wrote session", "userID", m.userID, "phase", rec.CurrentPhase, "updatedAt", rec.UpdatedAt)
	return nil
}

func (m *Manager) notify(ctx context.Context, before, curr models.Session) {
	m.mu.Lock()
	handler := m.onSessionUpdate
	m.mu.Unlock()
	if handler != nil {
		handler(ctx, before, curr)
	}
}

func (m *Manager) durations(ctx context.Context) tidal.Durations {
	if m.settings == nil {
		return tidal.DefaultDurations()
	}
	d, err := m.settings.DurationsFor(ctx, m.userID)
	if err != nil {
		if !errors.Is(err, tidal.ErrNotFound) {
			m.l.Warn("failed to read settings, using defaults", "userID", m.userID, "err", err)
		}
		return tidal.DefaultDurations()
	}
	return d.Sanitize()
}
