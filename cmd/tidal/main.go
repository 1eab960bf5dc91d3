package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Thiht/transactor"
	txStdLib "github.com/Thiht/transactor/stdlib"
	dg "github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/benjamonnguyen/tidal"
	"github.com/benjamonnguyen/tidal/analytics"
	"github.com/benjamonnguyen/tidal/discordgo"
	"github.com/benjamonnguyen/tidal/models"
	"github.com/benjamonnguyen/tidal/recorder"
	"github.com/benjamonnguyen/tidal/session"
	"github.com/benjamonnguyen/tidal/settings"
	"github.com/benjamonnguyen/tidal/sqlite"
)

const (
	RepoURL = "https://github.com/benjamonnguyen/tidal"
	Version = "0.1.0"
)

func main() {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "tidal",
		Short:         "Immersion, dive, breath focus cycles shared across every open client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	rootCmd.PersistentFlags().BoolVar(&a.isProd, "prod", false, "load .env instead of .env.dev")

	rootCmd.AddCommand(
		runCmd(a),
		statusCmd(a),
		startCmd(a),
		toggleCmd(a),
		skipCmd(a),
		completeCmd(a),
		resolveCmd(a),
		advanceCmd(a),
		retimeCmd(a),
		resetCmd(a),
		rateCmd(a),
		statsCmd(a),
		settingsCmd(a),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		_ = a.close()
		os.Exit(1)
	}
}

// sessionStore is the sqlite session repo: session rows plus per-user settings.
type sessionStore interface {
	tidal.SessionRepo
	tidal.SettingsProvider
	UpsertSettings(ctx context.Context, userID tidal.UserID, d tidal.Durations) error
}

// app holds everything a command needs. One process is one client.
type app struct {
	isProd bool

	cfg         tidal.Config
	l           *log.Logger
	db          *sqlite.DB
	tx          transactor.Transactor
	sessionRepo sessionStore
	cycleRepo   tidal.CycleRepo
	settings    tidal.SettingsProvider
	recorder    *recorder.Recorder
	analytics   *analytics.Service
	notifier    *discordgo.Notifier
}

func (a *app) init() error {
	// config
	cfg, err := tidal.LoadConfig(a.isProd)
	if err != nil {
		return err
	}
	a.cfg = cfg

	// logger
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid TIDAL_LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)
	log.SetReportCaller(level == log.DebugLevel)
	a.l = log.Default()

	// db
	a.l.Debug("opening db", "path", cfg.DatabaseURL)
	db, err := sqlite.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed database open: %w", err)
	}
	if err := db.RunMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed migration: %w", err)
	}
	a.db = db

	tx, dbGetter := txStdLib.NewTransactor(
		db.DB(),
		txStdLib.NestedTransactionsSavepoints,
	)
	a.tx = tx
	a.sessionRepo = sqlite.NewSessionRepo(dbGetter, a.l)
	a.cycleRepo = sqlite.NewCycleRepo(dbGetter, a.l)

	// settings: per-user rows first, then the yaml file
	providers := settings.Fallback{a.sessionRepo}
	if cfg.SettingsPath != "" {
		f, err := settings.LoadFile(cfg.SettingsPath, a.l)
		if err != nil {
			return err
		}
		providers = append(providers, f)
	}
	a.settings = providers

	a.recorder = recorder.New(a.cycleRepo, nil, a.l)
	a.analytics = analytics.NewService(a.cycleRepo, a.l)

	// discord
	if cfg.DiscordToken != "" {
		cl, err := dg.New("Bot " + cfg.DiscordToken)
		if err != nil {
			return fmt.Errorf("failed to create discord client: %w", err)
		}
		cl.ShouldRetryOnRateLimit = false
		cl.Client = &http.Client{Timeout: (20 * time.Second)}
		cl.UserAgent = fmt.Sprintf("tidal (%s, v%s)", RepoURL, Version)
		a.notifier = discordgo.NewNotifier(cl, cfg.DiscordChannelID, a.l)
	}

	return nil
}

func (a *app) close() error {
	if a.notifier != nil {
		a.notifier.Close()
		a.notifier = nil
	}
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		return err
	}
	return nil
}

// newManager builds a session manager for the configured user. feed may be nil for one-shot commands.
func (a *app) newManager(ctx context.Context, feed tidal.SessionFeed) *session.Manager {
	return session.NewManager(ctx, a.cfg.UserID, a.sessionRepo, feed, a.tx, a.settings, a.recorder, a.l)
}

// hook fans a session update out to the notifier and any extra handlers. It is attached after Load so
// the stored session is not announced again by every command.
func (a *app) hook(extra ...func(ctx context.Context, before, curr models.Session)) func(ctx context.Context, before, curr models.Session) {
	return func(ctx context.Context, before, curr models.Session) {
		if a.notifier != nil {
			a.notifier.OnSessionUpdate(ctx, before, curr)
		}
		for _, fn := range extra {
			fn(ctx, before, curr)
		}
	}
}

// withManager loads the session, runs fn and writes the result before returning.
func (a *app) withManager(ctx context.Context, fn func(*session.Manager) error) error {
	mgr := a.newManager(ctx, nil)
	mgr.Load(ctx)
	mgr.OnSessionUpdate(a.hook())
	fnErr := fn(mgr)
	if err := mgr.Shutdown(); err != nil {
		a.l.Error("failed to write session", "userID", a.cfg.UserID, "err", err)
		if fnErr == nil {
			fnErr = fmt.Errorf("failed to write session: %w", err)
		}
	}
	return fnErr
}
