package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/benjamonnguyen/tidal"
	"github.com/benjamonnguyen/tidal/analytics"
)

const (
	dateLayout       = "2006-01-02"
	defaultRangeDays = 7
)

var statKinds = []string{"tags", "breath-tags", "daily", "ratings", "music", "top-tracks", "totals", "all"}

func rateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rate <record-id> <1-5>",
		Short: "Rate a finished breath",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rating, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("rating must be a whole number from 1 to 5, got %q", args[1])
			}
			if err := a.recorder.AttachRating(cmd.Context(), tidal.CycleRecordID(args[0]), rating); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rated %s: %d\n", args[0], rating)
			return nil
		},
	}
}

func settingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change phase durations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.settings.DurationsFor(cmd.Context(), a.cfg.UserID)
			if err != nil {
				a.l.Warn("failed to read settings, showing defaults", "userID", a.cfg.UserID, "err", err)
			}
			printDurations(cmd.OutOrStdout(), d)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Store durations in minutes for this user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			immersion, _ := cmd.Flags().GetInt("immersion")
			dive, _ := cmd.Flags().GetInt("dive")
			breath, _ := cmd.Flags().GetInt("breath")

			var d tidal.Durations
			err := a.tx.WithinTransaction(ctx, func(ctx context.Context) error {
				curr, err := a.settings.DurationsFor(ctx, a.cfg.UserID)
				if err != nil {
					return err
				}
				d = mergeDurations(curr, tidal.Durations{Immersion: immersion, Dive: dive, Breath: breath})
				return a.sessionRepo.UpsertSettings(ctx, a.cfg.UserID, d)
			})
			if err != nil {
				return fmt.Errorf("failed to save settings: %w", err)
			}
			printDurations(cmd.OutOrStdout(), d)
			return nil
		},
	}
	set.Flags().Int("immersion", 0, "Immersion minutes")
	set.Flags().Int("dive", 0, "Dive minutes")
	set.Flags().Int("breath", 0, "Breath minutes")
	set.MarkFlagsOneRequired("immersion", "dive", "breath")

	cmd.AddCommand(set)
	return cmd
}

// mergeDurations overlays the positive values of update onto curr.
func mergeDurations(curr, update tidal.Durations) tidal.Durations {
	if update.Immersion > 0 {
		curr.Immersion = update.Immersion
	}
	if update.Dive > 0 {
		curr.Dive = update.Dive
	}
	if update.Breath > 0 {
		curr.Breath = update.Breath
	}
	return curr.Sanitize()
}

func printDurations(w io.Writer, d tidal.Durations) {
	fmt.Fprintf(w, "immersion %d min, dive %d min, breath %d min\n", d.Immersion, d.Dive, d.Breath)
}

func statsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "stats <" + strings.Join(statKinds, "|") + ">",
		Short:     "Summarize recorded cycles",
		Long:      "Summarize recorded cycles over a range of days. Without --from and --to the last 7 days are used.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: statKinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			asJSON, _ := cmd.Flags().GetBool("json")

			rng, err := parseRange(from, to, time.Now(), time.Local)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			userID := a.cfg.UserID
			var v any
			switch args[0] {
			case "tags":
				v = a.analytics.TagStats(ctx, userID, rng)
			case "breath-tags":
				v = a.analytics.BreathTagStats(ctx, userID, rng)
			case "daily":
				v = a.analytics.DailyStats(ctx, userID, rng)
			case "ratings":
				v = a.analytics.RatingStats(ctx, userID, rng)
			case "music":
				v = a.analytics.MusicStats(ctx, userID, rng)
			case "top-tracks":
				v = a.analytics.TopRatedTracks(ctx, userID, rng)
			case "totals":
				v = a.analytics.Totals(ctx, userID, rng)
			case "all":
				v = a.analytics.Report(ctx, userID, rng)
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), v)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s to %s\n", rng.Start().Format(dateLayout), rng.End().AddDate(0, 0, -1).Format(dateLayout))
			fmt.Fprintln(cmd.OutOrStdout(), renderStats(v))
			return nil
		},
	}
	cmd.Flags().String("from", "", "First day, YYYY-MM-DD")
	cmd.Flags().String("to", "", "Last day, YYYY-MM-DD (default today)")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

// parseRange turns --from and --to into a day range in loc. A missing --to means today and a
// missing --from means the 7 days ending at --to.
func parseRange(from, to string, now time.Time, loc *time.Location) (tidal.Range, error) {
	end := now.In(loc)
	if to != "" {
		t, err := time.ParseInLocation(dateLayout, to, loc)
		if err != nil {
			return tidal.Range{}, fmt.Errorf("invalid --to %q: %w", to, err)
		}
		end = t
	}
	start := end.AddDate(0, 0, -(defaultRangeDays - 1))
	if from != "" {
		t, err := time.ParseInLocation(dateLayout, from, loc)
		if err != nil {
			return tidal.Range{}, fmt.Errorf("invalid --from %q: %w", from, err)
		}
		start = t
	}
	if end.Before(start) {
		return tidal.Range{}, fmt.Errorf("--from %s is after --to %s", start.Format(dateLayout), end.Format(dateLayout))
	}
	return tidal.Range{From: start, To: end, Location: loc}, nil
}

func renderStats(v any) string {
	switch v := v.(type) {
	case []analytics.TagStat:
		t := newTable("Tag", "Minutes", "Actions")
		for _, s := range v {
			t.Row(s.Tag, strconv.Itoa(s.Minutes), strings.Join(s.Actions, "; "))
		}
		return t.String()
	case []analytics.BreathTagStat:
		t := newTable("Tag", "Count", "Share")
		for _, s := range v {
			t.Row(s.Tag, strconv.Itoa(s.Count), fmt.Sprintf("%.1f%%", s.Percentage))
		}
		return t.String()
	case []analytics.DayStat:
		t := newTable("Day", "Minutes", "Cycles")
		for _, s := range v {
			t.Row(s.Day.Format("Mon "+dateLayout), strconv.Itoa(s.Minutes), strconv.Itoa(s.Cycles))
		}
		return t.String()
	case analytics.RatingStats:
		t := newTable("Rating", "Count")
		for i, n := range v.Histogram {
			t.Row(strings.Repeat("★", i+1), strconv.Itoa(n))
		}
		return fmt.Sprintf("%d rated, mean %.2f\n%s", v.Count, v.Mean, t.String())
	case []analytics.MusicStat:
		t := newTable("Artist", "Minutes", "Dives", "Rated", "Mean")
		for _, s := range v {
			t.Row(s.Artist, strconv.Itoa(s.Minutes), strconv.Itoa(s.Cycles), strconv.Itoa(s.RatedCycles), formatMean(s.RatedCycles, s.MeanRating))
		}
		return t.String()
	case []analytics.TrackStat:
		t := newTable("Track", "Artist", "Times", "Mean")
		for _, s := range v {
			t.Row(s.Track.Name, s.Track.Artist, strconv.Itoa(s.Occurrences), fmt.Sprintf("%.2f", s.MeanRating))
		}
		return t.String()
	case analytics.Totals:
		return fmt.Sprintf("%d cycles, %d focus minutes", v.Cycles, v.FocusMinutes)
	case analytics.Report:
		sections := []string{
			renderStats(v.Totals),
			"Tags\n" + renderStats(v.Tags),
			"Breath tags\n" + renderStats(v.BreathTags),
			"Daily\n" + renderStats(v.Daily),
			"Ratings\n" + renderStats(v.Ratings),
			"Music\n" + renderStats(v.Music),
			"Top tracks\n" + renderStats(v.TopTracks),
		}
		return strings.Join(sections, "\n\n")
	}
	return fmt.Sprint(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
}

func formatMean(n int, mean float64) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", mean)
}
