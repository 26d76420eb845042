package monitor

import (
	"math"
	"time"

	"autopost/internal/storage"
)

// Weights are the viral score coefficients. The score is
//
//	Views*views/ViewsScale + Engagement*engagement_pct + Recency*100*0.5^(age/HalfLife)
//
// clamped to [0, 100]. With non-negative weights it is monotone in views for
// a given engagement rate.
type Weights struct {
	Views      float64
	Engagement float64
	Recency    float64
	ViewsScale float64
	HalfLife   time.Duration
}

func DefaultWeights() Weights {
	return Weights{
		Views:      0.4,
		Engagement: 0.1,
		Recency:    0.1,
		ViewsScale: 1000,
		HalfLife:   72 * time.Hour,
	}
}

func (w Weights) withDefaults() Weights {
	d := DefaultWeights()
	if w.ViewsScale <= 0 {
		w.ViewsScale = d.ViewsScale
	}
	if w.HalfLife <= 0 {
		w.HalfLife = d.HalfLife
	}
	return w
}

// DerivedScore is recomputed from a sample on demand and never stored.
type DerivedScore struct {
	ItemID         string  `json:"item_id"`
	EngagementRate float64 `json:"engagement_rate"`
	ViralScore     float64 `json:"viral_score"`
}

// EngagementRate is (likes+comments)/max(views,1).
func EngagementRate(views, likes, comments int64) float64 {
	return float64(likes+comments) / float64(max(views, 1))
}

// Score derives engagement and viral score for s. publishedAt may be zero, in
// which case the recency term is dropped.
func Score(s storage.Sample, publishedAt time.Time, w Weights, now time.Time) DerivedScore {
	w = w.withDefaults()
	er := EngagementRate(s.Views, s.Likes, s.Comments)

	score := w.Views*float64(max(s.Views, 0))/w.ViewsScale + w.Engagement*er*100
	if !publishedAt.IsZero() {
		age := max(now.Sub(publishedAt), 0)
		score += w.Recency * 100 * math.Pow(0.5, float64(age)/float64(w.HalfLife))
	}
	score = math.Round(math.Min(math.Max(score, 0), 100)*100) / 100

	return DerivedScore{ItemID: s.ItemID, EngagementRate: er, ViralScore: score}
}
