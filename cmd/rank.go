package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pacer/api/schemas"
	"github.com/xkilldash9x/pacer/internal/config"
	"github.com/xkilldash9x/pacer/internal/observability"
	"github.com/xkilldash9x/pacer/internal/scoring"
	"github.com/xkilldash9x/pacer/internal/service"
)

type rankOptions struct {
	input    string
	mode     string
	keywords []string
	top      int
	asJSON   bool
	patterns bool
	format   string
	// now pins the scoring reference time. Zero means the wall clock.
	now time.Time
}

func newRankCmd() *cobra.Command {
	opts := rankOptions{}

	rankCmd := &cobra.Command{
		Use:   "rank",
		Short: "Score and rank scraped content by engagement opportunity",
		Long: `Reads a JSON export of posts, scores every post for recency, engagement,
competition and topic relevance, and prints them best first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("mode") {
				cfg.SetScoringMode(opts.mode)
			}
			if cmd.Flags().Changed("keywords") {
				cfg.SetScoringKeywords(normalizeKeywordFlag(opts.keywords))
			}
			return runRank(cmd.Context(), cmd.OutOrStdout(), cfg, scoring.FileSource{Path: opts.input}, opts)
		},
	}

	rankCmd.Flags().StringVarP(&opts.input, "input", "i", "", "JSON file of scraped posts (required)")
	_ = rankCmd.MarkFlagRequired("input")
	rankCmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "Scoring mode: balanced, recent, engagement, topic or custom")
	rankCmd.Flags().StringSliceVarP(&opts.keywords, "keywords", "k", nil, "Comma separated topic keywords")
	rankCmd.Flags().IntVarP(&opts.top, "top", "n", 20, "Number of posts to print (0 prints all)")
	rankCmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print JSON instead of a table")
	rankCmd.Flags().BoolVar(&opts.patterns, "patterns", false, "Print the content pattern analysis instead of the ranking")
	rankCmd.Flags().StringVarP(&opts.format, "format", "f", formatTable, "Table format: table or csv")

	return rankCmd
}

func normalizeKeywordFlag(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// runRank holds the testable core of the rank command.
func runRank(ctx context.Context, out io.Writer, cfg config.Interface, src scoring.Source, opts rankOptions) error {
	logger := observability.GetLogger().With(zap.String("component", "rank"))
	if !opts.asJSON {
		if err := validateFormat(opts.format); err != nil {
			return err
		}
	}

	items, err := src.Fetch(ctx)
	if err != nil {
		return err
	}
	logger.Debug("Loaded content items.", zap.Int("count", len(items)))

	if opts.patterns {
		report := scoring.AnalyzePatterns(items)
		if opts.asJSON {
			return writeJSON(out, report)
		}
		printPatterns(out, report, opts.format)
		return nil
	}

	now := opts.now
	if now.IsZero() {
		now = time.Now()
	}
	scorer, err := service.NewScorer(cfg, now)
	if err != nil {
		return err
	}
	ranked := scorer.Rank(items)
	if opts.top > 0 && len(ranked) > opts.top {
		ranked = ranked[:opts.top]
	}

	if opts.asJSON {
		return writeJSON(out, ranked)
	}
	printRanking(out, ranked, opts.format)
	return nil
}

func printRanking(out io.Writer, ranked []schemas.ScoredItem, format string) {
	tw := newTable(out, table.Row{"#", "Score", "Rec", "Eng", "Opp", "Topic", "Author", "Post", "Recommendation"})
	for i, s := range ranked {
		title := s.Item.Title
		if title == "" {
			title = s.Item.Text
		}
		tw.AppendRow(table.Row{
			i + 1,
			fmt.Sprintf("%.3f", s.Scores.Composite),
			fmt.Sprintf("%.1f", s.Scores.Recency),
			fmt.Sprintf("%.1f", s.Scores.Engagement),
			fmt.Sprintf("%.1f", s.Scores.Opportunity),
			fmt.Sprintf("%.1f", s.Scores.Topic),
			s.Item.Author,
			truncate(strings.Join(strings.Fields(title), " "), 60),
			s.Recommendation,
		})
	}
	renderTable(tw, format)
}

func printPatterns(out io.Writer, r scoring.PatternReport, format string) {
	summary := newTable(out, table.Row{"Metric", "Value"})
	summary.AppendRows([]table.Row{
		{"Posts analyzed", r.TotalPosts},
		{"Average likes", r.Benchmarks.AvgLikes},
		{"Average comments", r.Benchmarks.AvgComments},
		{"Max likes", r.Benchmarks.MaxLikes},
		{"Max comments", r.Benchmarks.MaxComments},
	})
	renderTable(summary, format)

	top := newTable(out, table.Row{"Top post", "Likes", "Comments", "URL"})
	for _, p := range r.TopPosts {
		top.AppendRow(table.Row{truncate(p.Title, 60), p.Likes, p.Comments, p.URL})
	}
	renderTable(top, format)

	cats := newTable(out, table.Row{"Category", "Posts"})
	for _, name := range sortedCategories(r.CategoryDistribution) {
		cats.AppendRow(table.Row{name, r.CategoryDistribution[name]})
	}
	renderTable(cats, format)
}

// sortedCategories orders categories by post count, then name.
func sortedCategories(dist map[string]int) []string {
	names := make([]string, 0, len(dist))
	for name := range dist {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if dist[names[i]] != dist[names[j]] {
			return dist[names[i]] > dist[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
