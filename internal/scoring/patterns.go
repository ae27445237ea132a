package scoring

import (
	"math"
	"sort"

	"github.com/xkilldash9x/pacer/api/schemas"
)

const (
	topPostsLimit      = 5
	ideaTitleMaxRunes  = 100
	uncategorizedLabel = "Uncategorized"
)

// Benchmarks are engagement statistics across a set of posts.
type Benchmarks struct {
	AvgLikes    float64 `json:"avg_likes" yaml:"avg_likes"`
	AvgComments float64 `json:"avg_comments" yaml:"avg_comments"`
	MaxLikes    int     `json:"max_likes" yaml:"max_likes"`
	MaxComments int     `json:"max_comments" yaml:"max_comments"`
}

// TopPost is a condensed view of a high engagement post.
type TopPost struct {
	Title    string `json:"title" yaml:"title"`
	URL      string `json:"url" yaml:"url"`
	Likes    int    `json:"likes" yaml:"likes"`
	Comments int    `json:"comments" yaml:"comments"`
}

// PatternReport describes what content performs in a community. It is meant as input
// for writing original posts.
type PatternReport struct {
	TotalPosts           int            `json:"total_posts_analyzed" yaml:"total_posts_analyzed"`
	Benchmarks           Benchmarks     `json:"engagement_benchmarks" yaml:"engagement_benchmarks"`
	TopPosts             []TopPost      `json:"top_performing_posts" yaml:"top_performing_posts"`
	CategoryDistribution map[string]int `json:"category_distribution" yaml:"category_distribution"`
	ContentIdeas         []string       `json:"content_ideas" yaml:"content_ideas"`
}

// AnalyzePatterns computes engagement benchmarks, the five most engaging posts and the
// category mix. An empty input yields a zero report.
func AnalyzePatterns(items []schemas.ContentItem) PatternReport {
	if len(items) == 0 {
		return PatternReport{}
	}

	var r PatternReport
	r.TotalPosts = len(items)
	r.CategoryDistribution = make(map[string]int)

	var likes, comments int
	for _, it := range items {
		likes += it.Likes
		comments += it.CommentsCount
		if it.Likes > r.Benchmarks.MaxLikes {
			r.Benchmarks.MaxLikes = it.Likes
		}
		if it.CommentsCount > r.Benchmarks.MaxComments {
			r.Benchmarks.MaxComments = it.CommentsCount
		}
		cat := it.Category
		if cat == "" {
			cat = uncategorizedLabel
		}
		r.CategoryDistribution[cat]++
	}
	r.Benchmarks.AvgLikes = round1(float64(likes) / float64(len(items)))
	r.Benchmarks.AvgComments = round1(float64(comments) / float64(len(items)))

	sorted := append([]schemas.ContentItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Engagement() > sorted[j].Engagement()
	})
	if len(sorted) > topPostsLimit {
		sorted = sorted[:topPostsLimit]
	}
	for _, it := range sorted {
		r.TopPosts = append(r.TopPosts, TopPost{Title: it.Title, URL: it.URL, Likes: it.Likes, Comments: it.CommentsCount})
		if it.Title != "" {
			r.ContentIdeas = append(r.ContentIdeas, "Post similar to: "+truncateRunes(it.Title, ideaTitleMaxRunes))
		}
	}
	return r
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
