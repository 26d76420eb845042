package report

import (
	"sort"
	"time"

	"autopost/internal/monitor"
	"autopost/internal/storage"
)

// Window is the length of one reporting period.
const Window = 7 * 24 * time.Hour

// Aggregates summarize the latest sample of every item seen in a window.
type Aggregates struct {
	TotalItems    int     `json:"total_items"`
	AvgCTR        float64 `json:"avg_ctr"`
	AvgViews      float64 `json:"avg_views"`
	TotalViews    int64   `json:"total_views"`
	TotalLikes    int64   `json:"total_likes"`
	TotalComments int64   `json:"total_comments"`
	AvgEngagement float64 `json:"avg_engagement"`
	AvgViralScore float64 `json:"avg_viral_score"`
}

// Deltas are current minus previous. A nil field means "no data" in at least
// one of the two windows.
type Deltas struct {
	TotalItems    *float64 `json:"total_items"`
	AvgCTR        *float64 `json:"avg_ctr"`
	AvgViews      *float64 `json:"avg_views"`
	TotalViews    *float64 `json:"total_views"`
	AvgEngagement *float64 `json:"avg_engagement"`
	AvgViralScore *float64 `json:"avg_viral_score"`
}

type TopItem struct {
	ItemID         string    `json:"item_id"`
	Title          string    `json:"title,omitempty"`
	Views          int64     `json:"views"`
	Likes          int64     `json:"likes"`
	Comments       int64     `json:"comments"`
	CTR            float64   `json:"ctr"`
	EngagementRate float64   `json:"engagement_rate"`
	ViralScore     float64   `json:"viral_score"`
	CapturedAt     time.Time `json:"captured_at"`
}

// DailyPoint is one day of the current window.
type DailyPoint struct {
	Date          string  `json:"date"`
	Samples       int     `json:"samples"`
	Views         int64   `json:"views"`
	AvgViralScore float64 `json:"avg_viral_score"`
}

// WeeklyReport is immutable once generated and identified by PeriodStart.
type WeeklyReport struct {
	ID          string    `json:"id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	GeneratedAt time.Time `json:"generated_at"`

	Aggregates
	Previous Aggregates   `json:"previous"`
	TopItems []TopItem    `json:"top_items"`
	Deltas   Deltas       `json:"comparison_deltas"`
	Daily    []DailyPoint `json:"daily,omitempty"`
}

// HasData reports whether the current window had any sample.
func (r WeeklyReport) HasData() bool { return r.TotalItems > 0 }

// Input is everything Aggregate needs; it performs no I/O.
type Input struct {
	PeriodEnd time.Time
	Current   []storage.Sample
	Previous  []storage.Sample
	Items     map[string]storage.Item
	TopN      int
	Weights   monitor.Weights
}

type scored struct {
	s     storage.Sample
	score monitor.DerivedScore
}

// latestPerItem keeps the newest sample of each item.
func latestPerItem(samples []storage.Sample) []storage.Sample {
	latest := make(map[string]storage.Sample, len(samples))
	for _, s := range samples {
		if cur, ok := latest[s.ItemID]; !ok || s.CapturedAt.After(cur.CapturedAt) {
			latest[s.ItemID] = s
		}
	}
	out := make([]storage.Sample, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	storage.SortSamples(out)
	return out
}

func score(in Input, s storage.Sample) monitor.DerivedScore {
	return monitor.Score(s, in.Items[s.ItemID].PublishedAt, in.Weights, s.CapturedAt)
}

func summarize(in Input, samples []storage.Sample) (Aggregates, []scored) {
	latest := latestPerItem(samples)
	var a Aggregates
	if len(latest) == 0 {
		return a, nil
	}
	rows := make([]scored, 0, len(latest))
	var ctr, eng, viral float64
	for _, s := range latest {
		sc := score(in, s)
		rows = append(rows, scored{s: s, score: sc})
		a.TotalViews += s.Views
		a.TotalLikes += s.Likes
		a.TotalComments += s.Comments
		ctr += s.CTR
		eng += sc.EngagementRate
		viral += sc.ViralScore
	}
	n := float64(len(latest))
	a.TotalItems = len(latest)
	a.AvgCTR = ctr / n
	a.AvgViews = float64(a.TotalViews) / n
	a.AvgEngagement = eng / n
	a.AvgViralScore = viral / n
	return a, rows
}

// Aggregate builds the report for [PeriodEnd-7d, PeriodEnd).
func Aggregate(in Input) WeeklyReport {
	if in.TopN <= 0 {
		in.TopN = 5
	}
	r := WeeklyReport{
		PeriodStart: in.PeriodEnd.Add(-Window),
		PeriodEnd:   in.PeriodEnd,
	}

	cur, rows := summarize(in, in.Current)
	prev, _ := summarize(in, in.Previous)
	r.Aggregates = cur
	r.Previous = prev
	r.TopItems = topItems(in, rows)
	r.Daily = daily(in, in.Current)

	if cur.TotalItems > 0 && prev.TotalItems > 0 {
		r.Deltas = Deltas{
			TotalItems:    delta(float64(cur.TotalItems), float64(prev.TotalItems)),
			AvgCTR:        delta(cur.AvgCTR, prev.AvgCTR),
			AvgViews:      delta(cur.AvgViews, prev.AvgViews),
			TotalViews:    delta(float64(cur.TotalViews), float64(prev.TotalViews)),
			AvgEngagement: delta(cur.AvgEngagement, prev.AvgEngagement),
			AvgViralScore: delta(cur.AvgViralScore, prev.AvgViralScore),
		}
	}
	return r
}

func delta(cur, prev float64) *float64 {
	d := cur - prev
	return &d
}

// topItems orders by viral score, then higher views, then earlier capture,
// then item id, and keeps the first TopN.
func topItems(in Input, rows []scored) []TopItem {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.score.ViralScore != b.score.ViralScore {
			return a.score.ViralScore > b.score.ViralScore
		}
		if a.s.Views != b.s.Views {
			return a.s.Views > b.s.Views
		}
		if !a.s.CapturedAt.Equal(b.s.CapturedAt) {
			return a.s.CapturedAt.Before(b.s.CapturedAt)
		}
		return a.s.ItemID < b.s.ItemID
	})
	if len(rows) > in.TopN {
		rows = rows[:in.TopN]
	}
	out := make([]TopItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, TopItem{
			ItemID:         r.s.ItemID,
			Title:          in.Items[r.s.ItemID].Title,
			Views:          r.s.Views,
			Likes:          r.s.Likes,
			Comments:       r.s.Comments,
			CTR:            r.s.CTR,
			EngagementRate: r.score.EngagementRate,
			ViralScore:     r.score.ViralScore,
			CapturedAt:     r.s.CapturedAt,
		})
	}
	return out
}

func daily(in Input, samples []storage.Sample) []DailyPoint {
	loc := in.PeriodEnd.Location()
	byDay := map[string]*DailyPoint{}
	sums := map[string]float64{}
	for _, s := range samples {
		day := s.CapturedAt.In(loc).Format(time.DateOnly)
		p := byDay[day]
		if p == nil {
			p = &DailyPoint{Date: day}
			byDay[day] = p
		}
		p.Samples++
		p.Views += s.Views
		sums[day] += score(in, s).ViralScore
	}
	out := make([]DailyPoint, 0, len(byDay))
	for day, p := range byDay {
		p.AvgViralScore = sums[day] / float64(p.Samples)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
