// Package scoring ranks scraped content by how good an opportunity it is to engage with.
//
// A Scorer evaluates four sub-scores per item (recency, engagement, opportunity and topic
// relevance) and combines them with a weight set into a composite in [0,1]. Scoring is
// pure for a given Scorer: the reference time is fixed when the Scorer is built.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/pacer/api/schemas"
)

// Mode selects a preset weighting strategy.
type Mode string

const (
	// ModeBalanced weighs every factor equally.
	ModeBalanced Mode = "balanced"
	// ModeRecent favors being early on fresh, uncrowded posts.
	ModeRecent Mode = "recent"
	// ModeEngagement favors maximum exposure on busy posts.
	ModeEngagement Mode = "engagement"
	// ModeTopic favors posts that match the configured keywords.
	ModeTopic Mode = "topic"
	// ModeCustom uses caller supplied weights.
	ModeCustom Mode = "custom"
)

// Weights combines the sub-scores. A valid set sums to 1.
type Weights struct {
	Recency     float64
	Engagement  float64
	Opportunity float64
	Topic       float64
}

func (w Weights) sum() float64 { return w.Recency + w.Engagement + w.Opportunity + w.Topic }

// Validate checks that the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.Recency < 0 || w.Engagement < 0 || w.Opportunity < 0 || w.Topic < 0 {
		return fmt.Errorf("scoring: weights must not be negative: %+v", w)
	}
	if math.Abs(w.sum()-1) > 1e-6 {
		return fmt.Errorf("scoring: weights must sum to 1, got %.4f", w.sum())
	}
	return nil
}

var presets = map[Mode]Weights{
	ModeBalanced:   {Recency: 0.25, Engagement: 0.25, Opportunity: 0.25, Topic: 0.25},
	ModeRecent:     {Recency: 0.5, Opportunity: 0.4, Topic: 0.1},
	ModeEngagement: {Engagement: 0.5, Recency: 0.2, Topic: 0.3},
	ModeTopic:      {Topic: 0.5, Recency: 0.3, Opportunity: 0.2},
}

// WeightsFor resolves a mode to its weights. custom is only consulted for ModeCustom.
func WeightsFor(mode Mode, custom Weights) (Weights, error) {
	if mode == ModeCustom {
		if err := custom.Validate(); err != nil {
			return Weights{}, err
		}
		return custom, nil
	}
	w, ok := presets[mode]
	if !ok {
		return Weights{}, fmt.Errorf("scoring: unknown mode %q", mode)
	}
	return w, nil
}

// Config parameterizes a Scorer.
type Config struct {
	Weights  Weights
	Keywords []string
	// Now is the reference time for recency. Zero means time.Now() at construction.
	Now time.Time
}

// Scorer computes ScoreBreakdowns.
type Scorer struct {
	weights  Weights
	keywords []string
	now      time.Time
}

// New validates cfg and returns a Scorer.
func New(cfg Config) (*Scorer, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	return &Scorer{
		weights:  cfg.Weights,
		keywords: normalizeKeywords(cfg.Keywords),
		now:      now,
	}, nil
}

func normalizeKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Weights returns the weights in use.
func (s *Scorer) Weights() Weights { return s.weights }

// Score evaluates a single item.
func (s *Scorer) Score(item schemas.ContentItem) schemas.ScoreBreakdown {
	likes, comments := nonNegative(item.Likes), nonNegative(item.CommentsCount)

	b := schemas.ScoreBreakdown{
		Recency:     s.recency(item.CreatedAt),
		Engagement:  EngagementScore(schemas.ContentItem{Likes: likes, CommentsCount: comments}.Engagement()),
		Opportunity: OpportunityScore(likes, comments),
		Topic:       s.topic(item),
	}
	b.Composite = Composite(b, s.weights)
	return b
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func (s *Scorer) recency(createdAt time.Time) float64 {
	if createdAt.IsZero() {
		return 0.5
	}
	age := s.now.Sub(createdAt)
	if age < 0 {
		age = 0
	}
	return RecencyScore(age)
}

func (s *Scorer) topic(item schemas.ContentItem) float64 {
	if len(s.keywords) == 0 {
		return 0.5
	}
	haystack := strings.ToLower(item.Title + "\n" + item.Text + "\n" + item.Category)
	matches := 0
	for _, k := range s.keywords {
		if strings.Contains(haystack, k) {
			matches++
		}
	}
	return TopicScore(matches)
}

// RecencyScore is a decreasing step function of the item's age.
func RecencyScore(age time.Duration) float64 {
	switch {
	case age < 2*time.Hour:
		return 1.0
	case age < 6*time.Hour:
		return 0.9
	case age < 12*time.Hour:
		return 0.8
	case age < 24*time.Hour:
		return 0.7
	case age < 48*time.Hour:
		return 0.5
	case age < 72*time.Hour:
		return 0.3
	default:
		return 0.1
	}
}

// OpportunityScore rewards posts that have attention but still room for a visible reply.
// Rules are evaluated in order; the first match wins.
func OpportunityScore(likes, comments int) float64 {
	switch {
	case likes >= 5 && comments <= 3:
		return 1.0
	case likes >= 3 && comments <= 5:
		return 0.8
	case likes >= 1 && comments <= 3:
		return 0.7
	case likes+comments == 0:
		return 0.6
	case comments >= 20:
		return 0.2
	default:
		return 0.4
	}
}

// EngagementScore is an increasing step function of likes plus comments.
func EngagementScore(total int) float64 {
	switch {
	case total >= 50:
		return 1.0
	case total >= 30:
		return 0.9
	case total >= 20:
		return 0.8
	case total >= 10:
		return 0.7
	case total >= 5:
		return 0.5
	default:
		return 0.3
	}
}

// TopicScore maps the number of distinct keyword matches to a score.
func TopicScore(matches int) float64 {
	switch {
	case matches >= 3:
		return 1.0
	case matches == 2:
		return 0.8
	case matches == 1:
		return 0.6
	default:
		return 0.2
	}
}

// Composite is the weighted sum of the sub-scores in b, clamped to [0,1].
func Composite(b schemas.ScoreBreakdown, w Weights) float64 {
	c := b.Recency*w.Recency + b.Engagement*w.Engagement + b.Opportunity*w.Opportunity + b.Topic*w.Topic
	return math.Min(1, math.Max(0, c))
}

// Rank scores every item and returns them best first: composite descending, then newer
// CreatedAt, then smaller ID. The input slice is not modified.
func (s *Scorer) Rank(items []schemas.ContentItem) []schemas.ScoredItem {
	out := make([]schemas.ScoredItem, len(items))
	for i, it := range items {
		b := s.Score(it)
		out[i] = schemas.ScoredItem{Item: it, Scores: b, Recommendation: Recommendation(b)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out
}

func less(a, b schemas.ScoredItem) bool {
	if a.Scores.Composite != b.Scores.Composite {
		return a.Scores.Composite > b.Scores.Composite
	}
	if !a.Item.CreatedAt.Equal(b.Item.CreatedAt) {
		return a.Item.CreatedAt.After(b.Item.CreatedAt)
	}
	return a.Item.ID < b.Item.ID
}

// Recommendation summarizes why an item is worth engaging with.
func Recommendation(b schemas.ScoreBreakdown) string {
	var reasons []string
	if b.Recency >= 0.8 {
		reasons = append(reasons, "fresh post")
	}
	if b.Opportunity >= 0.7 {
		reasons = append(reasons, "low competition")
	}
	if b.Engagement >= 0.7 {
		reasons = append(reasons, "high visibility")
	}
	if b.Topic >= 0.6 {
		reasons = append(reasons, "matches your expertise")
	}
	if len(reasons) == 0 {
		return "Average opportunity"
	}
	return "Good: " + strings.Join(reasons, ", ")
}
