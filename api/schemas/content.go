package schemas

import (
	"math"
	"time"
)

// ContentItem is a scraped post handed to the scorer.
type ContentItem struct {
	ID            string    `json:"id"`
	Author        string    `json:"author"`
	Title         string    `json:"title,omitempty"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
	Likes         int       `json:"likes"`
	CommentsCount int       `json:"comments_count"`
	Category      string    `json:"category"`
	URL           string    `json:"url"`
}

// Engagement is the total attention an item has received: likes plus comments,
// saturating at math.MaxInt.
func (c ContentItem) Engagement() int {
	if c.CommentsCount > 0 && c.Likes > math.MaxInt-c.CommentsCount {
		return math.MaxInt
	}
	return c.Likes + c.CommentsCount
}

// ScoreBreakdown holds the sub-scores and the weighted composite, all in [0,1].
type ScoreBreakdown struct {
	Recency     float64 `json:"recency"`
	Engagement  float64 `json:"engagement"`
	Opportunity float64 `json:"opportunity"`
	Topic       float64 `json:"topic"`
	Composite   float64 `json:"composite"`
}

// ScoredItem pairs an item with its breakdown for ranked output.
type ScoredItem struct {
	Item           ContentItem    `json:"item"`
	Scores         ScoreBreakdown `json:"scores"`
	Recommendation string         `json:"recommendation"`
}
