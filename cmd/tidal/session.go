package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/benjamonnguyen/tidal"
	"github.com/benjamonnguyen/tidal/models"
	"github.com/benjamonnguyen/tidal/session"
	"github.com/benjamonnguyen/tidal/sqlite"
)

func runCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the timer ticking and follow changes made by other clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			feed := sqlite.NewFeed(a.sessionRepo, a.db.Path(), a.l)
			mgr := a.newManager(ctx, feed)
			printStatus(cmd.OutOrStdout(), mgr.Load(ctx))
			mgr.OnSessionUpdate(a.hook(func(_ context.Context, before, curr models.Session) {
				if significant(before, curr) {
					printStatus(cmd.OutOrStdout(), curr)
				}
			}))

			a.l.Info("running", "userID", a.cfg.UserID, "db", a.db.Path())
			runErr := mgr.Run(ctx)
			if err := mgr.Shutdown(); err != nil {
				a.l.Error("failed to write session on shutdown", "userID", a.cfg.UserID, "err", err)
			}
			return runErr
		},
	}
}

func statusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current phase and time left",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return a.withManager(cmd.Context(), func(mgr *session.Manager) error {
				s := mgr.Session()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), newStatusView(s))
				}
				printStatus(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func startCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "start <immersion|dive|breath>",
		Short:     "Start the waiting phase: immersion on a new session, or the next phase after one ended",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"immersion", "dive", "breath"},
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := tidal.ParsePhase(args[0])
			if err != nil {
				return err
			}
			return a.withManager(cmd.Context(), func(mgr *session.Manager) error {
				s, err := mgr.StartPhase(cmd.Context(), p)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func toggleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle",
		Short: "Pause or resume the timer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd.Context(), func(mgr *session.Manager) error {
				s, err := mgr.TogglePlayPause(cmd.Context())
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func advanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Start the next phase in the cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd.Context(), func(mgr *session.Manager) error {
				s, err := mgr.Advance(cmd.Context())
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func retimeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retime <minutes>",
		Short: "Set the current phase length and restart its countdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.Atoi(args[0])
			if err != nil || minutes <= 0 {
				return fmt.Errorf("minutes must be a positive whole number, got %q", args[0])
			}
			return a.withManager(cmd.Context(), func(mgr *session.Manager) error {
				s, err := mgr.Retime(cmd.Context(), minutes*60)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func resetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Go back to a paused immersion with a fresh cycle count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd.Context(), func(mgr *session.Manager) error {
				printStatus(cmd.OutOrStdout(), mgr.Reset(cmd.Context()))
				return nil
			})
		},
	}
}

type exitFunc func(ctx context.Context, mgr *session.Manager, notes tidal.PhaseNotes) (models.Session, tidal.CycleRecordID, error)

func skipCmd(a *app) *cobra.Command {
	return exitCmd(a, "skip", "End the phase early without counting it as completed",
		func(ctx context.Context, mgr *session.Manager, notes tidal.PhaseNotes) (models.Session, tidal.CycleRecordID, error) {
			return mgr.Skip(ctx, notes)
		})
}

func completeCmd(a *app) *cobra.Command {
	return exitCmd(a, "complete", "End the phase now and count it as completed",
		func(ctx context.Context, mgr *session.Manager, notes tidal.PhaseNotes) (models.Session, tidal.CycleRecordID, error) {
			return mgr.CompleteNow(ctx, notes)
		})
}

func resolveCmd(a *app) *cobra.Command {
	var keep bool
	cmd := exitCmd(a, "resolve", "Finish an overtime phase",
		func(ctx context.Context, mgr *session.Manager, notes tidal.PhaseNotes) (models.Session, tidal.CycleRecordID, error) {
			return mgr.ResolveOvertime(ctx, keep, notes)
		})
	cmd.Flags().BoolVarP(&keep, "keep", "k", false, "Count the overtime toward the recorded phase")
	return cmd
}

func exitCmd(a *app, use, short string, exit exitFunc) *cobra.Command {
	var notes tidal.PhaseNotes
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd.Context(), func(mgr *session.Manager) error {
				s, id, err := exit(cmd.Context(), mgr, notes)
				if err != nil {
					return err
				}
				if id != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "recorded %s\n", id)
				}
				printStatus(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&notes.Tag, "tag", "t", "", "Tag for the phase, e.g. what the immersion was spent on")
	cmd.Flags().StringVarP(&notes.Actions, "actions", "a", "", "Newline separated actions taken during a dive")
	return cmd
}

type statusView struct {
	UserID           tidal.UserID `json:"userId"`
	Phase            string       `json:"phase"`
	Running          bool         `json:"running"`
	TimeLeftSeconds  int          `json:"timeLeftSeconds"`
	TotalTimeSeconds int          `json:"totalTimeSeconds"`
	Overtime         bool         `json:"overtime"`
	ExtraTimeSeconds int          `json:"extraTimeSeconds"`
	AwaitingAdvance  bool         `json:"awaitingAdvance"`
	CycleCount       int          `json:"cycleCount"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

func newStatusView(s models.Session) statusView {
	return statusView{
		UserID:           s.UserID(),
		Phase:            s.CurrentPhase().String(),
		Running:          s.IsRunning(),
		TimeLeftSeconds:  s.TimeLeftSeconds(),
		TotalTimeSeconds: s.TotalTimeSeconds(),
		Overtime:         s.IsOvertime(),
		ExtraTimeSeconds: s.ExtraTimeSeconds(),
		AwaitingAdvance:  s.AwaitingAdvance(),
		CycleCount:       s.CycleCount(),
		UpdatedAt:        s.UpdatedAt(),
	}
}

func printStatus(w io.Writer, s models.Session) {
	fmt.Fprintln(w, statusLine(s))
}

func statusLine(s models.Session) string {
	state := "paused"
	if s.IsRunning() {
		state = "running"
	}

	var clock string
	switch {
	case s.AwaitingAdvance():
		return fmt.Sprintf("%-9s  ended, advance to start %s  cycle %d", s.CurrentPhase(), s.CurrentPhase().Next(), s.CycleCount())
	case s.IsOvertime():
		clock = "+" + formatClock(s.ExtraTimeSeconds()) + " overtime"
	default:
		clock = formatClock(s.TimeLeftSeconds()) + " left"
	}
	return fmt.Sprintf("%-9s  %s  %s  cycle %d", s.CurrentPhase(), clock, state, s.CycleCount())
}

// significant reports whether curr differs from before by more than a tick.
func significant(before, curr models.Session) bool {
	return before.CurrentPhase() != curr.CurrentPhase() ||
		before.IsRunning() != curr.IsRunning() ||
		before.IsOvertime() != curr.IsOvertime() ||
		before.AwaitingAdvance() != curr.AwaitingAdvance() ||
		before.CycleCount() != curr.CycleCount() ||
		before.TotalTimeSeconds() != curr.TotalTimeSeconds()
}

func formatClock(secs int) string {
	if secs >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
	}
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
