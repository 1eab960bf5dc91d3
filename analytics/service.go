package analytics

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/benjamonnguyen/tidal"
)

const DefaultTopTracks = 10

// Report bundles every aggregation over one range.
type Report struct {
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Totals      Totals          `json:"totals"`
	Tags        []TagStat       `json:"tags"`
	BreathTags  []BreathTagStat `json:"breathTags"`
	Daily       []DayStat       `json:"daily"`
	Ratings     RatingStats     `json:"ratings"`
	Music       []MusicStat     `json:"music"`
	TopTracks   []TrackStat     `json:"topTracks"`
	RecordCount int             `json:"recordCount"`
}

// Service answers analytics queries straight from the record store. Store failures are logged and
// read as an empty log.
type Service struct {
	repo tidal.CycleRepo
	l    *log.Logger
}

func NewService(repo tidal.CycleRepo, logger *log.Logger) *Service {
	return &Service{
		repo: repo,
		l:    logger,
	}
}

func (s *Service) TagStats(ctx context.Context, userID tidal.UserID, rng tidal.Range) []TagStat {
	return TagStats(s.records(ctx, userID, rng))
}

func (s *Service) BreathTagStats(ctx context.Context, userID tidal.UserID, rng tidal.Range) []BreathTagStat {
	return BreathTagStats(s.records(ctx, userID, rng))
}

func (s *Service) DailyStats(ctx context.Context, userID tidal.UserID, rng tidal.Range) []DayStat {
	return DailySeries(s.records(ctx, userID, rng), rng)
}

func (s *Service) RatingStats(ctx context.Context, userID tidal.UserID, rng tidal.Range) RatingStats {
	return Ratings(s.records(ctx, userID, rng))
}

func (s *Service) MusicStats(ctx context.Context, userID tidal.UserID, rng tidal.Range) []MusicStat {
	return MusicStats(s.records(ctx, userID, rng))
}

func (s *Service) TopRatedTracks(ctx context.Context, userID tidal.UserID, rng tidal.Range) []TrackStat {
	return TopRatedTracks(s.records(ctx, userID, rng), DefaultTopTracks)
}

func (s *Service) Totals(ctx context.Context, userID tidal.UserID, rng tidal.Range) Totals {
	return ComputeTotals(s.records(ctx, userID, rng))
}

// Report runs every aggregation over a single read of the log.
func (s *Service) Report(ctx context.Context, userID tidal.UserID, rng tidal.Range) Report {
	records := s.records(ctx, userID, rng)
	report := Report{
		Totals:      ComputeTotals(records),
		Tags:        TagStats(records),
		BreathTags:  BreathTagStats(records),
		Daily:       DailySeries(records, rng),
		Ratings:     Ratings(records),
		Music:       MusicStats(records),
		TopTracks:   TopRatedTracks(records, DefaultTopTracks),
		RecordCount: len(records),
	}
	if !rng.IsZero() {
		report.From = rng.Start().Format("2006-01-02")
		report.To = rng.End().AddDate(0, 0, -1).Format("2006-01-02")
	}
	return report
}

func (s *Service) records(ctx context.Context, userID tidal.UserID, rng tidal.Range) []tidal.CycleRecord {
	existing, err := s.repo.QueryCycles(ctx, userID, rng)
	if err != nil {
		s.l.Error("failed to query cycle records", "userID", userID, "err", err)
		return nil
	}
	records := make([]tidal.CycleRecord, 0, len(existing))
	for _, e := range existing {
		if !rng.Contains(e.StartTime) {
			continue
		}
		records = append(records, e.CycleRecord)
	}
	s.l.Debug("loaded cycle records", "userID", userID, "count", len(records))
	return records
}
