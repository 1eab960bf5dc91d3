// Package analytics derives reports from a user's cycle record log.
//
// Every function here is pure: it takes records ordered by start time (they are re-sorted defensively)
// and never fails. An empty log yields zeroed results.
package analytics

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/benjamonnguyen/tidal"
)

const (
	UntaggedTag   = "untagged"
	NoMusicArtist = "no music"
)

type TagStat struct {
	Tag     string   `json:"tag"`
	Minutes int      `json:"minutes"`
	Actions []string `json:"actions,omitempty"`
}

type BreathTagStat struct {
	Tag        string  `json:"tag"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type DayStat struct {
	Day     time.Time `json:"day"`
	Minutes int       `json:"minutes"`
	Cycles  int       `json:"cycles"`
}

type RatingStats struct {
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
	Histogram [5]int  `json:"histogram"`
}

type MusicStat struct {
	Artist      string  `json:"artist"`
	Minutes     int     `json:"minutes"`
	Cycles      int     `json:"cycles"`
	RatedCycles int     `json:"ratedCycles"`
	MeanRating  float64 `json:"meanRating"`
}

type TrackStat struct {
	Track       tidal.Track `json:"track"`
	Occurrences int         `json:"occurrences"`
	MeanRating  float64     `json:"meanRating"`
}

type Totals struct {
	Cycles       int `json:"cycles"`
	FocusMinutes int `json:"focusMinutes"`
}

// TagStats attributes dive time to the tag of the nearest preceding tagged immersion.
// Dives with no such immersion land in UntaggedTag. Sorted by minutes, most first.
func TagStats(records []tidal.CycleRecord) []TagStat {
	records = ordered(records)

	byTag := make(map[string]*TagStat)
	var tags []string
	register := func(tag string) *TagStat {
		if st, ok := byTag[tag]; ok {
			return st
		}
		st := &TagStat{Tag: tag}
		byTag[tag] = st
		tags = append(tags, tag)
		return st
	}

	for i, r := range records {
		switch {
		case r.Phase == tidal.ImmersionPhase && strings.TrimSpace(r.Tag) != "":
			register(strings.TrimSpace(r.Tag))
		case r.Phase == tidal.DivePhase && r.Completed:
			tag := UntaggedTag
			if j := precedingTaggedImmersion(records, i); j >= 0 {
				tag = strings.TrimSpace(records[j].Tag)
			}
			st := register(tag)
			st.Minutes += minutes(r)
			if actions := strings.TrimSpace(r.Actions); actions != "" {
				st.Actions = append(st.Actions, actions)
			}
		}
	}

	stats := make([]TagStat, 0, len(tags))
	for _, tag := range tags {
		stats = append(stats, *byTag[tag])
	}
	slices.SortStableFunc(stats, func(a, b TagStat) int {
		return cmp.Or(cmp.Compare(b.Minutes, a.Minutes), strings.Compare(a.Tag, b.Tag))
	})
	return stats
}

func precedingTaggedImmersion(records []tidal.CycleRecord, i int) int {
	for j := i - 1; j >= 0; j-- {
		if records[j].Phase == tidal.ImmersionPhase && strings.TrimSpace(records[j].Tag) != "" {
			return j
		}
	}
	return -1
}

// BreathTagStats counts each comma separated token of completed breath tags.
func BreathTagStats(records []tidal.CycleRecord) []BreathTagStat {
	counts := make(map[string]int)
	var tokens []string
	total := 0
	for _, r := range records {
		if r.Phase != tidal.BreathPhase || !r.Completed {
			continue
		}
		for token := range strings.SplitSeq(r.Tag, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if _, ok := counts[token]; !ok {
				tokens = append(tokens, token)
			}
			counts[token]++
			total++
		}
	}

	stats := make([]BreathTagStat, 0, len(tokens))
	for _, token := range tokens {
		stats = append(stats, BreathTagStat{
			Tag:        token,
			Count:      counts[token],
			Percentage: float64(counts[token]) / float64(total) * 100,
		})
	}
	slices.SortStableFunc(stats, func(a, b BreathTagStat) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), strings.Compare(a.Tag, b.Tag))
	})
	return stats
}

// DailySeries returns one bucket per calendar day of rng, including empty days. With a zero range the
// days spanned by the records are used.
func DailySeries(records []tidal.CycleRecord, rng tidal.Range) []DayStat {
	records = ordered(records)
	if rng.IsZero() {
		if len(records) == 0 {
			return []DayStat{}
		}
		rng = tidal.Range{From: records[0].StartTime, To: records[len(records)-1].StartTime, Location: time.Local}
	}

	days := rng.Days()
	series := make([]DayStat, len(days))
	index := make(map[string]int, len(days))
	for i, d := range days {
		series[i] = DayStat{Day: d}
		index[dayKey(d)] = i
	}

	loc := rng.Start().Location()
	for _, r := range records {
		i, ok := index[dayKey(r.StartTime.In(loc))]
		if !ok {
			continue
		}
		switch r.Phase {
		case tidal.DivePhase:
			series[i].Minutes += minutes(r)
		case tidal.BreathPhase:
			if r.Completed {
				series[i].Cycles++
			}
		}
	}
	return series
}

// Ratings summarizes the ratings of completed breath records.
func Ratings(records []tidal.CycleRecord) RatingStats {
	var stats RatingStats
	var values []float64
	for _, r := range records {
		if r.Phase != tidal.BreathPhase || !r.Completed || r.Rating == nil {
			continue
		}
		if tidal.ValidateRating(*r.Rating) != nil {
			continue
		}
		stats.Histogram[*r.Rating-1]++
		values = append(values, float64(*r.Rating))
	}
	stats.Count = len(values)
	stats.Mean = mean(values)
	return stats
}

// MusicStats groups completed dives by artist. The mean rating comes from the breath that closed
// each dive's cycle, when it was rated.
func MusicStats(records []tidal.CycleRecord) []MusicStat {
	records = ordered(records)
	ratings := cycleRatings(records)

	type group struct {
		stat    MusicStat
		ratings []float64
	}
	byArtist := make(map[string]*group)
	var artists []string
	for i, r := range records {
		if r.Phase != tidal.DivePhase || !r.Completed {
			continue
		}
		artist := NoMusicArtist
		if r.Track != nil && strings.TrimSpace(r.Track.Artist) != "" {
			artist = strings.TrimSpace(r.Track.Artist)
		}
		g, ok := byArtist[artist]
		if !ok {
			g = &group{stat: MusicStat{Artist: artist}}
			byArtist[artist] = g
			artists = append(artists, artist)
		}
		g.stat.Minutes += minutes(r)
		g.stat.Cycles++
		if ratings[i] != nil {
			g.ratings = append(g.ratings, float64(*ratings[i]))
		}
	}

	stats := make([]MusicStat, 0, len(artists))
	for _, artist := range artists {
		g := byArtist[artist]
		g.stat.RatedCycles = len(g.ratings)
		g.stat.MeanRating = mean(g.ratings)
		stats = append(stats, g.stat)
	}
	slices.SortStableFunc(stats, func(a, b MusicStat) int {
		return cmp.Or(cmp.Compare(b.Minutes, a.Minutes), strings.Compare(a.Artist, b.Artist))
	})
	return stats
}

// TopRatedTracks ranks tracks by the mean rating of the cycles they played in. Only tracks with at
// least two rated occurrences qualify. n <= 0 returns every qualifying track.
func TopRatedTracks(records []tidal.CycleRecord, n int) []TrackStat {
	records = ordered(records)
	ratings := cycleRatings(records)

	type key struct{ name, artist string }
	type group struct {
		track   tidal.Track
		ratings []float64
	}
	byTrack := make(map[key]*group)
	var keys []key
	for i, r := range records {
		if r.Phase != tidal.DivePhase || !r.Completed || r.Track == nil || ratings[i] == nil {
			continue
		}
		k := key{name: strings.TrimSpace(r.Track.Name), artist: strings.TrimSpace(r.Track.Artist)}
		if k.name == "" {
			continue
		}
		g, ok := byTrack[k]
		if !ok {
			g = &group{track: *r.Track}
			byTrack[k] = g
			keys = append(keys, k)
		}
		g.ratings = append(g.ratings, float64(*ratings[i]))
	}

	var stats []TrackStat
	for _, k := range keys {
		g := byTrack[k]
		if len(g.ratings) < 2 {
			continue
		}
		stats = append(stats, TrackStat{
			Track:       g.track,
			Occurrences: len(g.ratings),
			MeanRating:  mean(g.ratings),
		})
	}
	slices.SortStableFunc(stats, func(a, b TrackStat) int {
		return cmp.Or(
			cmp.Compare(b.MeanRating, a.MeanRating),
			cmp.Compare(b.Occurrences, a.Occurrences),
			strings.Compare(a.Track.Name, b.Track.Name),
		)
	})
	if n > 0 && len(stats) > n {
		stats = stats[:n]
	}
	if stats == nil {
		return []TrackStat{}
	}
	return stats
}

// ComputeTotals counts completed breaths as cycles and sums every dive as focus time.
func ComputeTotals(records []tidal.CycleRecord) Totals {
	var totals Totals
	for _, r := range records {
		switch r.Phase {
		case tidal.DivePhase:
			totals.FocusMinutes += minutes(r)
		case tidal.BreathPhase:
			if r.Completed {
				totals.Cycles++
			}
		}
	}
	return totals
}

// cycleRatings maps each record index to the rating of the next completed, rated breath before the
// following immersion.
func cycleRatings(records []tidal.CycleRecord) []*int {
	ratings := make([]*int, len(records))
	var next *int
	for i := len(records) - 1; i >= 0; i-- {
		ratings[i] = next
		switch r := records[i]; r.Phase {
		case tidal.ImmersionPhase:
			next = nil
		case tidal.BreathPhase:
			if r.Completed && r.Rating != nil && tidal.ValidateRating(*r.Rating) == nil {
				next = r.Rating
			}
		}
	}
	return ratings
}

func ordered(records []tidal.CycleRecord) []tidal.CycleRecord {
	if slices.IsSortedFunc(records, byStartTime) {
		return records
	}
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, byStartTime)
	return sorted
}

func byStartTime(a, b tidal.CycleRecord) int {
	return a.StartTime.Compare(b.StartTime)
}

func minutes(r tidal.CycleRecord) int {
	return int(math.Round(r.Duration().Minutes()))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

func dayKey(t time.Time) string {
	return t.Format(time.DateOnly)
}
