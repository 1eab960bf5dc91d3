package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Thiht/transactor"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benjamonnguyen/tidal"
	"github.com/benjamonnguyen/tidal/models"
)

// mockSessionRepo is a mock implementation of tidal.SessionRepo
type mockSessionRepo struct {
	mu                sync.Mutex
	upserts           []tidal.SessionRecord
	getSessionFunc    func(context.Context, tidal.UserID) (tidal.ExistingSessionRecord, error)
	upsertSessionFunc func(context.Context, tidal.SessionRecord) (tidal.ExistingSessionRecord, error)
}

func (m *mockSessionRepo) GetSession(ctx context.Context, userID tidal.UserID) (tidal.ExistingSessionRecord, error) {
	if m.getSessionFunc != nil {
		return m.getSessionFunc(ctx, userID)
	}
	return tidal.ExistingSessionRecord{}, tidal.ErrNotFound
}

func (m *mockSessionRepo) UpsertSession(ctx context.Context, s tidal.SessionRecord) (tidal.ExistingSessionRecord, error) {
	if m.upsertSessionFunc != nil {
		if _, err := m.upsertSessionFunc(ctx, s); err != nil {
			return tidal.ExistingSessionRecord{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, s)
	return tidal.ExistingSessionRecord{SessionRecord: s}, nil
}

func (m *mockSessionRepo) Upserts() []tidal.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tidal.SessionRecord(nil), m.upserts...)
}

// mockTransactor is a mock implementation of transactor.Transactor
type mockTransactor struct {
	mu                    sync.Mutex
	calls                 int
	withinTransactionFunc func(context.Context, func(context.Context) error) error
}

func (m *mockTransactor) WithinTransaction(ctx context.Context, fn func(context.Context) error) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.withinTransactionFunc != nil {
		return m.withinTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

var _ transactor.Transactor = (*mockTransactor)(nil)

type mockRecorder struct {
	mu   sync.Mutex
	ends []models.PhaseEnd
}

func (m *mockRecorder) Record(_ context.Context, _ tidal.UserID, end models.PhaseEnd, _ tidal.PhaseNotes) tidal.CycleRecordID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ends = append(m.ends, end)
	return tidal.CycleRecordID("rec-" + end.Phase.String())
}

type staticSettings tidal.Durations

func (s staticSettings) DurationsFor(context.Context, tidal.UserID) (tidal.Durations, error) {
	return tidal.Durations(s), nil
}

type mockFeed struct {
	events chan tidal.SessionEvent
}

func (m *mockFeed) Subscribe(ctx context.Context, _ tidal.UserID) (<-chan tidal.SessionEvent, error) {
	out := make(chan tidal.SessionEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-m.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var (
	t0            = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	testDurations = staticSettings{Immersion: 25, Dive: 5, Breath: 5}
)

type fixture struct {
	mgr   *Manager
	repo  *mockSessionRepo
	tx    *mockTransactor
	rec   *mockRecorder
	clock *fakeClock
}

func newFixture(t *testing.T, repo *mockSessionRepo, opts ...Option) fixture {
	t.Helper()
	f := fixture{
		repo:  repo,
		tx:    &mockTransactor{},
		rec:   &mockRecorder{},
		clock: &fakeClock{t: t0},
	}
	opts = append([]Option{WithClock(f.clock.Now), WithDebounce(20 * time.Millisecond)}, opts...)
	f.mgr = NewManager(context.Background(), "alice", repo, nil, f.tx, testDurations, f.rec, log.New(io.Discard), opts...)
	t.Cleanup(func() {
		_ = f.mgr.Shutdown()
	})
	return f
}

func TestShouldApplyRemote(t *testing.T) {
	tests := map[string]struct {
		remote, watermark time.Time
		want              bool
	}{
		"own echo":            {remote: t0, watermark: t0, want: false},
		"within buffer":       {remote: t0.Add(400 * time.Millisecond), watermark: t0, want: false},
		"at buffer":           {remote: t0.Add(DefaultEchoBuffer), watermark: t0, want: false},
		"newer than buffer":   {remote: t0.Add(2 * time.Second), watermark: t0, want: true},
		"older than local":    {remote: t0.Add(-time.Minute), watermark: t0, want: false},
		"nothing seen so far": {remote: t0, watermark: time.Time{}, want: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldApplyRemote(tt.remote, tt.watermark, DefaultEchoBuffer))
		})
	}
}

func TestManager_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("first use creates defaults", func(t *testing.T) {
		f := newFixture(t, &mockSessionRepo{})
		s := f.mgr.Load(ctx)

		assert.Equal(t, tidal.ImmersionPhase, s.CurrentPhase())
		assert.Equal(t, 25*60, s.TimeLeftSeconds())
		assert.False(t, s.IsRunning())
		assert.Equal(t, 0, s.CycleCount())

		require.NoError(t, f.mgr.Flush(ctx))
		upserts := f.repo.Upserts()
		require.Len(t, upserts, 1)
		assert.Equal(t, tidal.UserID("alice"), upserts[0].UserID)
		assert.Equal(t, 25*60, upserts[0].TotalTimeSeconds)
	})

	t.Run("running session catches up", func(t *testing.T) {
		startedAt := t0.Add(-3 * time.Minute)
		repo := &mockSessionRepo{
			getSessionFunc: func(context.Context, tidal.UserID) (tidal.ExistingSessionRecord, error) {
				return tidal.ExistingSessionRecord{SessionRecord: tidal.SessionRecord{
					UserID:           "alice",
					CurrentPhase:     tidal.DivePhase,
					TimeLeftSeconds:  200,
					TotalTimeSeconds: 300,
					IsRunning:        true,
					CycleCount:       3,
					StartedAt:        &startedAt,
					UpdatedAt:        t0.Add(-50 * time.Second),
				}}, nil
			},
		}
		f := newFixture(t, repo)
		s := f.mgr.Load(ctx)

		assert.Equal(t, 150, s.TimeLeftSeconds())
		assert.True(t, s.IsRunning())
		assert.Equal(t, 3, s.CycleCount())
		assert.True(t, t0.Equal(s.UpdatedAt()))
	})

	t.Run("overtime keeps counting", func(t *testing.T) {
		repo := &mockSessionRepo{
			getSessionFunc: func(context.Context, tidal.UserID) (tidal.ExistingSessionRecord, error) {
				return tidal.ExistingSessionRecord{SessionRecord: tidal.SessionRecord{
					UserID:           "alice",
					CurrentPhase:     tidal.ImmersionPhase,
					TotalTimeSeconds: 1500,
					IsRunning:        true,
					IsOvertime:       true,
					ExtraTimeSeconds: 10,
					UpdatedAt:        t0.Add(-20 * time.Second),
				}}, nil
			},
		}
		f := newFixture(t, repo)
		s := f.mgr.Load(ctx)

		assert.True(t, s.IsOvertime())
		assert.Equal(t, 0, s.TimeLeftSeconds())
		assert.Equal(t, 30, s.ExtraTimeSeconds())
	})

	t.Run("late join lands in overtime", func(t *testing.T) {
		repo := &mockSessionRepo{
			getSessionFunc: func(context.Context, tidal.UserID) (tidal.ExistingSessionRecord, error) {
				return tidal.ExistingSessionRecord{SessionRecord: tidal.SessionRecord{
					UserID:           "alice",
					CurrentPhase:     tidal.ImmersionPhase,
					TimeLeftSeconds:  30,
					TotalTimeSeconds: 1500,
					IsRunning:        true,
					CycleCount:       1,
					UpdatedAt:        t0.Add(-100 * time.Second),
				}}, nil
			},
		}
		f := newFixture(t, repo)
		s := f.mgr.Load(ctx)

		assert.True(t, s.IsOvertime())
		assert.Equal(t, 0, s.TimeLeftSeconds())
		assert.Equal(t, 70, s.ExtraTimeSeconds())
	})

	t.Run("read failure falls back without writing", func(t *testing.T) {
		repo := &mockSessionRepo{
			getSessionFunc: func(context.Context, tidal.UserID) (tidal.ExistingSessionRecord, error) {
				return tidal.ExistingSessionRecord{}, errors.New("database is locked")
			},
		}
		f := newFixture(t, repo)
		s := f.mgr.Load(ctx)

		assert.Equal(t, tidal.ImmersionPhase, s.CurrentPhase())
		require.NoError(t, f.mgr.Flush(ctx))
		assert.Empty(t, f.repo.Upserts())
	})
}

func TestManager_DebouncedWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &mockSessionRepo{}, WithDebounce(50*time.Millisecond))
	f.mgr.Load(ctx)

	_, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
	require.NoError(t, err)
	for range 5 {
		f.mgr.Tick(ctx)
	}

	assert.Eventually(t, func() bool {
		return len(f.repo.Upserts()) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	upserts := f.repo.Upserts()
	require.Len(t, upserts, 1, "rapid mutations coalesce into one write")
	assert.Equal(t, 25*60-5, upserts[0].TimeLeftSeconds)
	assert.True(t, upserts[0].IsRunning)
	assert.True(t, f.mgr.Session().UpdatedAt().Equal(upserts[0].UpdatedAt))
}

func TestManager_WriteFailureRetries(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	failures := 1
	repo := &mockSessionRepo{
		upsertSessionFunc: func(context.Context, tidal.SessionRecord) (tidal.ExistingSessionRecord, error) {
			mu.Lock()
			defer mu.Unlock()
			if failures > 0 {
				failures--
				return tidal.ExistingSessionRecord{}, errors.New("disk I/O error")
			}
			return tidal.ExistingSessionRecord{}, nil
		},
	}
	f := newFixture(t, repo)
	f.mgr.Load(ctx)
	s, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(f.repo.Upserts()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, s.Record(), f.mgr.Session().Record(), "local state is never rolled back")
	assert.True(t, s.UpdatedAt().Equal(f.repo.Upserts()[0].UpdatedAt))
}

func TestManager_ApplyRemote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &mockSessionRepo{})
	f.mgr.Load(ctx)
	local, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
	require.NoError(t, err)
	for range 3 {
		local = f.mgr.Tick(ctx)
	}

	t.Run("own echo is ignored", func(t *testing.T) {
		echo := local.Record()
		echo.TimeLeftSeconds = 25 * 60
		assert.False(t, f.mgr.ApplyRemote(ctx, echo))
		assert.Equal(t, local.Record(), f.mgr.Session().Record())
	})

	t.Run("within buffer is ignored", func(t *testing.T) {
		rec := local.Record()
		rec.IsRunning = false
		rec.UpdatedAt = rec.UpdatedAt.Add(300 * time.Millisecond)
		assert.False(t, f.mgr.ApplyRemote(ctx, rec))
		assert.True(t, f.mgr.Session().IsRunning())
	})

	t.Run("other user is ignored", func(t *testing.T) {
		rec := local.Record()
		rec.UserID = "bob"
		rec.UpdatedAt = rec.UpdatedAt.Add(time.Hour)
		assert.False(t, f.mgr.ApplyRemote(ctx, rec))
	})

	remote := local.Record()
	remote.CurrentPhase = tidal.DivePhase
	remote.TimeLeftSeconds = 100
	remote.TotalTimeSeconds = 300
	remote.UpdatedAt = local.UpdatedAt().Add(2 * time.Second)

	t.Run("newer remote replaces the session", func(t *testing.T) {
		assert.True(t, f.mgr.ApplyRemote(ctx, remote))
		s := f.mgr.Session()
		assert.Equal(t, tidal.DivePhase, s.CurrentPhase())
		assert.Equal(t, 100, s.TimeLeftSeconds())
	})

	t.Run("idempotent", func(t *testing.T) {
		before := f.mgr.Session().Record()
		assert.False(t, f.mgr.ApplyRemote(ctx, remote))
		assert.Equal(t, before, f.mgr.Session().Record())
	})

	t.Run("later local writes stamp past the remote", func(t *testing.T) {
		s := f.mgr.Tick(ctx)
		assert.True(t, s.UpdatedAt().After(remote.UpdatedAt))
		assert.Equal(t, 99, s.TimeLeftSeconds())
	})
}

func TestManager_RemoteAfterTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &mockSessionRepo{}, WithDebounce(time.Minute))
	f.mgr.Load(ctx)
	_, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
	require.NoError(t, err)
	f.clock.Advance(3 * time.Second)
	local := f.mgr.Tick(ctx)

	// paused from another client right after our tick
	remote := local.Record()
	remote.IsRunning = false
	remote.UpdatedAt = local.UpdatedAt().Add(200 * time.Millisecond)

	assert.True(t, f.mgr.ApplyRemote(ctx, remote), "ticks do not shield the session from remote changes")
	assert.False(t, f.mgr.Session().IsRunning())

	require.NoError(t, f.mgr.Flush(ctx))
	assert.Empty(t, f.repo.Upserts(), "the queued tick is dropped")
}

func TestManager_WriteChecksStoredSession(t *testing.T) {
	ctx := context.Background()

	newRepo := func() (*mockSessionRepo, func(tidal.SessionRecord)) {
		var (
			mu     sync.Mutex
			stored *tidal.SessionRecord
		)
		repo := &mockSessionRepo{
			getSessionFunc: func(context.Context, tidal.UserID) (tidal.ExistingSessionRecord, error) {
				mu.Lock()
				defer mu.Unlock()
				if stored == nil {
					return tidal.ExistingSessionRecord{}, tidal.ErrNotFound
				}
				return tidal.ExistingSessionRecord{SessionRecord: *stored}, nil
			},
		}
		return repo, func(rec tidal.SessionRecord) {
			mu.Lock()
			defer mu.Unlock()
			stored = &rec
		}
	}

	t.Run("adopts a newer change instead of overwriting it with ticks", func(t *testing.T) {
		repo, setStored := newRepo()
		f := newFixture(t, repo, WithDebounce(time.Minute))
		f.mgr.Load(ctx)
		require.NoError(t, f.mgr.Flush(ctx))
		_, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
		require.NoError(t, err)

		var updates int
		f.mgr.OnSessionUpdate(func(context.Context, models.Session, models.Session) {
			updates++
		})

		// a one-shot client pauses, then our tick lands within the echo buffer
		paused := f.mgr.Session().Record()
		paused.IsRunning = false
		paused.TimeLeftSeconds = 1400
		paused.UpdatedAt = t0.Add(1500 * time.Millisecond)
		setStored(paused)
		f.clock.Advance(2 * time.Second)
		f.mgr.Tick(ctx)

		require.NoError(t, f.mgr.Flush(ctx))
		assert.Len(t, f.repo.Upserts(), 1, "only the initial create was written")
		s := f.mgr.Session()
		assert.False(t, s.IsRunning())
		assert.Equal(t, 1400, s.TimeLeftSeconds())
		assert.Equal(t, 2, updates)

		// the adopted row is seen, so the next change is written over it
		_, err = f.mgr.TogglePlayPause(ctx)
		require.NoError(t, err)
		require.NoError(t, f.mgr.Flush(ctx))
		upserts := f.repo.Upserts()
		require.Len(t, upserts, 2)
		assert.True(t, upserts[1].IsRunning)
		assert.Equal(t, 1400, upserts[1].TimeLeftSeconds)
	})

	t.Run("a later local change wins", func(t *testing.T) {
		repo, setStored := newRepo()
		f := newFixture(t, repo, WithDebounce(time.Minute))
		f.mgr.Load(ctx)
		require.NoError(t, f.mgr.Flush(ctx))

		older := f.mgr.Session().Record()
		older.TotalTimeSeconds = 600
		older.TimeLeftSeconds = 600
		older.UpdatedAt = t0.Add(500 * time.Millisecond)
		setStored(older)
		f.clock.Advance(time.Second)
		_, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
		require.NoError(t, err)

		require.NoError(t, f.mgr.Flush(ctx))
		upserts := f.repo.Upserts()
		require.Len(t, upserts, 2)
		assert.True(t, upserts[1].IsRunning)
		assert.Equal(t, 25*60, upserts[1].TotalTimeSeconds)
	})

	t.Run("own rows are not adopted", func(t *testing.T) {
		repo, setStored := newRepo()
		f := newFixture(t, repo, WithDebounce(time.Minute))
		f.mgr.Load(ctx)
		_, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
		require.NoError(t, err)
		setStored(f.mgr.Session().Record())
		f.clock.Advance(time.Second)
		f.mgr.Tick(ctx)

		require.NoError(t, f.mgr.Flush(ctx))
		upserts := f.repo.Upserts()
		require.Len(t, upserts, 1)
		assert.Equal(t, 25*60-1, upserts[0].TimeLeftSeconds)
	})
}

func TestManager_StartPhaseRejectsJumps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &mockSessionRepo{})
	f.mgr.Load(ctx)
	_, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	f.mgr.Tick(ctx)

	_, err = f.mgr.StartPhase(ctx, tidal.BreathPhase)
	assert.ErrorIs(t, err, tidal.ErrInvalidTransition)
	_, err = f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
	assert.ErrorIs(t, err, tidal.ErrInvalidTransition, "a running phase cannot be restarted")

	s := f.mgr.Session()
	assert.Empty(t, f.rec.ends, "nothing is dropped unrecorded")
	assert.Equal(t, 1, s.CycleCount())
	assert.Equal(t, 25*60-1, s.TimeLeftSeconds())

	_, _, err = f.mgr.Skip(ctx, tidal.PhaseNotes{})
	require.NoError(t, err)
	_, err = f.mgr.StartPhase(ctx, tidal.BreathPhase)
	assert.ErrorIs(t, err, tidal.ErrInvalidTransition)
	s, err = f.mgr.StartPhase(ctx, tidal.DivePhase)
	require.NoError(t, err)
	assert.Equal(t, tidal.DivePhase, s.CurrentPhase())
	assert.Len(t, f.rec.ends, 1)
}

func TestManager_PhaseExits(t *testing.T) {
	ctx := context.Background()

	t.Run("skip records once", func(t *testing.T) {
		f := newFixture(t, &mockSessionRepo{})
		f.mgr.Load(ctx)
		_, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
		require.NoError(t, err)
		f.clock.Advance(4 * time.Minute)

		s, id, err := f.mgr.Skip(ctx, tidal.PhaseNotes{Tag: "writing"})
		require.NoError(t, err)
		assert.Equal(t, tidal.CycleRecordID("rec-immersion"), id)
		assert.False(t, s.IsRunning())
		assert.False(t, s.IsOvertime())

		_, _, err = f.mgr.Skip(ctx, tidal.PhaseNotes{})
		assert.ErrorIs(t, err, tidal.ErrInvalidTransition)

		require.Len(t, f.rec.ends, 1)
		assert.False(t, f.rec.ends[0].Completed)
		assert.Equal(t, tidal.ImmersionPhase, f.rec.ends[0].Phase)
		assert.Equal(t, 4*time.Minute, f.rec.ends[0].EndedAt.Sub(f.rec.ends[0].StartedAt))
	})

	t.Run("complete then advance", func(t *testing.T) {
		f := newFixture(t, &mockSessionRepo{})
		f.mgr.Load(ctx)
		_, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
		require.NoError(t, err)

		_, _, err = f.mgr.CompleteNow(ctx, tidal.PhaseNotes{Tag: "reading"})
		require.NoError(t, err)
		require.Len(t, f.rec.ends, 1)
		assert.True(t, f.rec.ends[0].Completed)

		s, err := f.mgr.Advance(ctx)
		require.NoError(t, err)
		assert.Equal(t, tidal.DivePhase, s.CurrentPhase())
		assert.True(t, s.IsRunning())
		assert.Equal(t, 5*60, s.TimeLeftSeconds())
	})

	t.Run("resolve overtime", func(t *testing.T) {
		f := newFixture(t, &mockSessionRepo{})
		f.mgr.Load(ctx)
		_, err := f.mgr.Retime(ctx, 2)
		require.NoError(t, err)
		_, err = f.mgr.TogglePlayPause(ctx)
		require.NoError(t, err)
		f.mgr.Tick(ctx)
		s := f.mgr.Tick(ctx)
		require.True(t, s.IsOvertime())
		for range 4 {
			s = f.mgr.Tick(ctx)
		}
		assert.Equal(t, 4, s.ExtraTimeSeconds())

		_, _, err = f.mgr.Skip(ctx, tidal.PhaseNotes{})
		assert.ErrorIs(t, err, tidal.ErrInvalidTransition)

		s, _, err = f.mgr.ResolveOvertime(ctx, false, tidal.PhaseNotes{})
		require.NoError(t, err)
		assert.False(t, s.IsRunning())
		assert.False(t, s.IsOvertime())
		require.Len(t, f.rec.ends, 1)
		assert.True(t, f.rec.ends[0].Completed)
		assert.Equal(t, 4, f.rec.ends[0].ExtraSeconds)
		assert.False(t, f.rec.ends[0].KeepExtraTime)
	})
}

func TestManager_TickWhilePausedIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &mockSessionRepo{}, WithDebounce(time.Minute))
	before := f.mgr.Load(ctx)
	require.NoError(t, f.mgr.Flush(ctx))

	s := f.mgr.Tick(ctx)
	assert.Equal(t, before.Record(), s.Record())
	require.NoError(t, f.mgr.Flush(ctx))
	assert.Len(t, f.repo.Upserts(), 1)
}

func TestManager_Reset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &mockSessionRepo{}, WithDebounce(time.Minute))
	f.mgr.Load(ctx)
	require.NoError(t, f.mgr.Flush(ctx))
	_, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
	require.NoError(t, err)

	s := f.mgr.Reset(ctx)
	assert.Equal(t, tidal.ImmersionPhase, s.CurrentPhase())
	assert.Equal(t, 0, s.CycleCount())
	assert.False(t, s.IsRunning())

	upserts := f.repo.Upserts()
	require.Len(t, upserts, 2, "reset is written without waiting for the debounce")
	assert.Equal(t, s.Record(), upserts[1])
	assert.Equal(t, 2, f.tx.calls)
}

func TestManager_OnSessionUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &mockSessionRepo{})
	f.mgr.Load(ctx)

	var got []struct{ before, curr models.Session }
	f.mgr.OnSessionUpdate(func(_ context.Context, before, curr models.Session) {
		got = append(got, struct{ before, curr models.Session }{before, curr})
	})

	_, err := f.mgr.StartPhase(ctx, tidal.ImmersionPhase)
	require.NoError(t, err)
	_, err = f.mgr.Retime(ctx, 10)
	assert.Error(t, err, "retime while running")

	require.Len(t, got, 1, "failed transitions do not notify")
	assert.False(t, got[0].before.IsRunning())
	assert.True(t, got[0].curr.IsRunning())
	assert.Equal(t, 1, got[0].curr.CycleCount())
}

func TestManager_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := &mockFeed{events: make(chan tidal.SessionEvent)}
	repo := &mockSessionRepo{}
	mgr := NewManager(ctx, "alice", repo, feed, &mockTransactor{}, testDurations, nil, log.New(io.Discard),
		WithTickRate(5*time.Millisecond),
		WithDebounce(5*time.Millisecond),
	)
	defer mgr.Shutdown() //nolint
	mgr.Load(ctx)
	_, err := mgr.StartPhase(ctx, tidal.ImmersionPhase)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- mgr.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return mgr.Session().TimeLeftSeconds() < 25*60
	}, time.Second, 5*time.Millisecond, "tick loop drives the timer")

	remote := mgr.Session().Record()
	remote.IsRunning = false
	remote.CurrentPhase = tidal.BreathPhase
	remote.UpdatedAt = time.Now().Add(time.Hour)
	feed.events <- tidal.SessionEvent{UserID: "alice", Session: remote}

	assert.Eventually(t, func() bool {
		return mgr.Session().CurrentPhase() == tidal.BreathPhase
	}, time.Second, 5*time.Millisecond, "remote events are applied")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDebouncer(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	d := newDebouncer(20*time.Millisecond, func() {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	d.Trigger()
	d.Trigger()
	d.Trigger()
	assert.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, count())

	d.Trigger()
	assert.True(t, d.Cancel())
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, count())
	assert.False(t, d.Cancel())
}
