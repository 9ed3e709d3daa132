// Package searchguide turns a repairable-error list into deterministic,
// search-augmented repair guidance: a query derived from the errors, a
// hostname allow-list over candidate links, official-over-community scoring
// with token overlap, and a stable (score desc, url asc) ordering.
package searchguide

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/protofab/protofab/runtime/forge/telemetry"
	"github.com/protofab/protofab/runtime/forge/validate"
)

type (
	// HostKind classifies an allow-listed hostname.
	HostKind string

	// Confidence buckets a scored link.
	Confidence string

	// Link is one raw search result.
	Link struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Snippet string `json:"snippet,omitempty"`
	}

	// ScoredLink is a link that passed the allow-list.
	ScoredLink struct {
		Link
		Host       string     `json:"host"`
		Kind       HostKind   `json:"kind"`
		Score      int        `json:"score"`
		Confidence Confidence `json:"confidence"`
	}

	// Searcher is the external search provider.
	Searcher interface {
		Search(ctx context.Context, query string) ([]Link, error)
	}

	// Config assembles a guide.
	Config struct {
		// Searcher provides candidate links. Required.
		Searcher Searcher
		// Hosts is the hostname allow-list with per-host kind. Hosts absent
		// from the map are dropped. Matching is exact on the hostname.
		Hosts map[string]HostKind
		// MaxLinks caps the rendered links. Zero uses DefaultMaxLinks.
		MaxLinks int
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Guide produces guidance blocks for the repair loop.
	Guide struct {
		searcher Searcher
		hosts    map[string]HostKind
		maxLinks int
		log      telemetry.Logger
	}
)

// Host kinds and confidence buckets.
const (
	HostOfficial  HostKind = "official"
	HostCommunity HostKind = "community"

	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Scoring bases and confidence thresholds.
const (
	officialBase  = 100
	communityBase = 60
	overlapWeight = 40

	highThreshold   = 120
	mediumThreshold = 80
)

// DefaultMaxLinks caps rendered guidance links.
const DefaultMaxLinks = 5

// maxQueryTokens bounds the query derived from the error list.
const maxQueryTokens = 12

var tokenRe = regexp.MustCompile(`[A-Za-z@][\w@./-]*`)

// queryStopwords are tokens too generic to discriminate search results.
var queryStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "not": true, "or": true,
	"its": true, "of": true, "to": true, "and": true, "error": true,
	"cannot": true, "find": true, "failed": true, "file": true, "line": true,
	"in": true, "on": true, "for": true, "from": true, "with": true,
}

// New validates the config and returns a guide.
func New(cfg Config) (*Guide, error) {
	if cfg.Searcher == nil {
		return nil, fmt.Errorf("searchguide: searcher is required")
	}
	maxLinks := cfg.MaxLinks
	if maxLinks <= 0 {
		maxLinks = DefaultMaxLinks
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Guide{searcher: cfg.Searcher, hosts: cfg.Hosts, maxLinks: maxLinks, log: log}, nil
}

// BuildQuery derives a deterministic search query from the error list:
// distinct discriminating tokens in first-appearance order, capped.
func BuildQuery(errs []validate.ParsedError) string {
	var tokens []string
	seen := make(map[string]bool)
	for _, e := range errs {
		source := e.Message
		if e.Code != "" {
			source = e.Code + " " + source
		}
		for _, tok := range tokenRe.FindAllString(source, -1) {
			lower := strings.ToLower(tok)
			if queryStopwords[lower] || len(lower) < 2 || seen[lower] {
				continue
			}
			seen[lower] = true
			tokens = append(tokens, tok)
			if len(tokens) == maxQueryTokens {
				return strings.Join(tokens, " ")
			}
		}
	}
	return strings.Join(tokens, " ")
}

// Rank filters candidates against the allow-list and orders them by score
// descending, then url ascending.
func (g *Guide) Rank(query string, candidates []Link) []ScoredLink {
	queryTokens := tokenSet(query)

	var scored []ScoredLink
	for _, link := range candidates {
		u, err := url.Parse(link.URL)
		if err != nil {
			continue
		}
		kind, ok := g.hosts[u.Hostname()]
		if !ok {
			continue
		}
		score := scoreLink(queryTokens, link, kind)
		scored = append(scored, ScoredLink{
			Link:       link,
			Host:       u.Hostname(),
			Kind:       kind,
			Score:      score,
			Confidence: confidence(score),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].URL < scored[j].URL
	})
	return scored
}

// Guidance implements the repair loop's guide contract: search, rank, and
// render a guidance block. ok=false when nothing usable came back.
func (g *Guide) Guidance(ctx context.Context, errs []validate.ParsedError) (string, bool) {
	query := BuildQuery(errs)
	if query == "" {
		return "", false
	}
	candidates, err := g.searcher.Search(ctx, query)
	if err != nil {
		g.log.Warn(ctx, "search provider failed, skipping guidance", "err", err)
		return "", false
	}
	ranked := g.Rank(query, candidates)
	if len(ranked) == 0 {
		return "", false
	}
	if len(ranked) > g.maxLinks {
		ranked = ranked[:g.maxLinks]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search guidance for: %s\n", query)
	for i, link := range ranked {
		fmt.Fprintf(&sb, "%d. [%s] %s — %s\n", i+1, link.Confidence, link.Title, link.URL)
		if link.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", link.Snippet)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), true
}

// AttachVisualSummary appends a visual summary block to a guidance block,
// truncating the summary to the payload budget.
func AttachVisualSummary(block, summary string, budget int) string {
	if summary == "" || budget <= 0 {
		return block
	}
	if len(summary) > budget {
		summary = summary[:budget]
	}
	return block + "\n\nVisual summary:\n" + summary
}

func scoreLink(queryTokens map[string]bool, link Link, kind HostKind) int {
	base := communityBase
	if kind == HostOfficial {
		base = officialBase
	}
	linkTokens := tokenSet(link.Title + " " + link.Snippet + " " + link.URL)
	overlap := 0
	for tok := range queryTokens {
		if linkTokens[tok] {
			overlap++
		}
	}
	ratio := 0.0
	if len(queryTokens) > 0 {
		ratio = float64(overlap) / float64(len(queryTokens))
	}
	return base + int(math.Round(ratio*overlapWeight))
}

func confidence(score int) Confidence {
	switch {
	case score >= highThreshold:
		return ConfidenceHigh
	case score >= mediumThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(s, -1) {
		set[strings.ToLower(tok)] = true
	}
	return set
}
