package scoring

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/pacer/api/schemas"
)

// Source supplies content items to score.
type Source interface {
	Fetch(ctx context.Context) ([]schemas.ContentItem, error)
}

// FileSource reads items from a JSON file. The file holds either an array of items or
// an object with a "posts" array. Scraper exports that name the body "content" and the
// timestamp "posted_at" are accepted as well.
type FileSource struct {
	Path string
}

// fileItem mirrors ContentItem with the alternate field names scrapers emit.
type fileItem struct {
	ID            string `json:"id"`
	Author        string `json:"author"`
	Title         string `json:"title"`
	Text          string `json:"text"`
	Content       string `json:"content"`
	CreatedAt     string `json:"created_at"`
	PostedAt      string `json:"posted_at"`
	Likes         int    `json:"likes"`
	CommentsCount int    `json:"comments_count"`
	Category      string `json:"category"`
	URL           string `json:"url"`
}

// naiveLayouts carry no zone. Scrapers stamp them with the local wall clock, so they
// are read in time.Local.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats found in scraper exports. An empty or
// unparseable value yields the zero time, which scores as unknown age.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (fi fileItem) toItem(index int) schemas.ContentItem {
	text := fi.Text
	if text == "" {
		text = fi.Content
	}
	created := fi.CreatedAt
	if created == "" {
		created = fi.PostedAt
	}
	id := fi.ID
	if id == "" {
		id = fi.URL
	}
	if id == "" {
		id = fmt.Sprintf("item-%04d", index)
	}
	return schemas.ContentItem{
		ID:            id,
		Author:        fi.Author,
		Title:         fi.Title,
		Text:          text,
		CreatedAt:     ParseTimestamp(created),
		Likes:         fi.Likes,
		CommentsCount: fi.CommentsCount,
		Category:      fi.Category,
		URL:           fi.URL,
	}
}

// Fetch reads and decodes the file.
func (s FileSource) Fetch(ctx context.Context) ([]schemas.ContentItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read content file: %w", err)
	}
	return DecodeItems(data)
}

// DecodeItems decodes a JSON document holding content items.
func DecodeItems(data []byte) ([]schemas.ContentItem, error) {
	var raw []fileItem
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Posts []fileItem `json:"posts"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to decode content file: %w", err)
		}
		raw = wrapped.Posts
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode content file: %w", err)
	}

	items := make([]schemas.ContentItem, 0, len(raw))
	for i, fi := range raw {
		items = append(items, fi.toItem(i))
	}
	return items, nil
}
