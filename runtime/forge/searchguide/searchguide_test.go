package searchguide

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protofab/protofab/runtime/forge/validate"
)

type staticSearcher struct {
	links []Link
	err   error
	query string
}

func (s *staticSearcher) Search(_ context.Context, query string) ([]Link, error) {
	s.query = query
	return s.links, s.err
}

func testHosts() map[string]HostKind {
	return map[string]HostKind{
		"react.dev":         HostOfficial,
		"nodejs.org":        HostOfficial,
		"stackoverflow.com": HostCommunity,
		"github.com":        HostCommunity,
	}
}

func moduleErrors() []validate.ParsedError {
	return []validate.ParsedError{
		{Category: validate.CategoryMissingDependency, Code: "TS2307", Message: "Cannot find module 'react-router-dom' or its corresponding type declarations.", MissingPackage: "react-router-dom"},
	}
}

func TestBuildQueryDeterministicAndFiltered(t *testing.T) {
	q := BuildQuery(moduleErrors())
	require.Equal(t, q, BuildQuery(moduleErrors()))
	require.Contains(t, q, "TS2307")
	require.Contains(t, q, "react-router-dom")
	require.NotContains(t, strings.Fields(strings.ToLower(q)), "cannot")
	require.NotContains(t, strings.Fields(strings.ToLower(q)), "error")

	require.Empty(t, BuildQuery(nil))
}

func TestRankFiltersByExactHostname(t *testing.T) {
	g, err := New(Config{Searcher: &staticSearcher{}, Hosts: testHosts()})
	require.NoError(t, err)

	ranked := g.Rank("react router", []Link{
		{URL: "https://react.dev/learn", Title: "react docs"},
		{URL: "https://evil.react.dev.example.com/learn", Title: "react docs"},
		{URL: "https://blog.example.com/react", Title: "react blog"},
		{URL: "://bad-url", Title: "broken"},
	})
	require.Len(t, ranked, 1)
	require.Equal(t, "react.dev", ranked[0].Host)
	require.Equal(t, HostOfficial, ranked[0].Kind)
}

func TestRankScoresOfficialOverCommunity(t *testing.T) {
	g, err := New(Config{Searcher: &staticSearcher{}, Hosts: testHosts()})
	require.NoError(t, err)

	ranked := g.Rank("react router navigation", []Link{
		{URL: "https://stackoverflow.com/q/1", Title: "react router navigation broken", Snippet: "react router navigation"},
		{URL: "https://react.dev/router", Title: "react router navigation"},
	})
	require.Len(t, ranked, 2)
	require.Equal(t, "https://react.dev/router", ranked[0].URL)
	require.Equal(t, ConfidenceHigh, ranked[0].Confidence)
	// Full overlap on a community host: 60 + 40 = 100 → medium.
	require.Equal(t, 100, ranked[1].Score)
	require.Equal(t, ConfidenceMedium, ranked[1].Confidence)
}

func TestRankTiesBreakOnURLAscending(t *testing.T) {
	g, err := New(Config{Searcher: &staticSearcher{}, Hosts: testHosts()})
	require.NoError(t, err)

	ranked := g.Rank("zzz", []Link{
		{URL: "https://react.dev/b", Title: "doc"},
		{URL: "https://react.dev/a", Title: "doc"},
	})
	require.Len(t, ranked, 2)
	require.Equal(t, ranked[0].Score, ranked[1].Score)
	require.Equal(t, "https://react.dev/a", ranked[0].URL)
}

func TestGuidanceRendersRankedLinks(t *testing.T) {
	searcher := &staticSearcher{links: []Link{
		{URL: "https://stackoverflow.com/q/7", Title: "Cannot find module react-router-dom", Snippet: "install react-router-dom"},
		{URL: "https://react.dev/learn/routing", Title: "react-router-dom TS2307 module resolution"},
		{URL: "https://unlisted.example.com/post", Title: "noise"},
	}}
	g, err := New(Config{Searcher: searcher, Hosts: testHosts()})
	require.NoError(t, err)

	block, ok := g.Guidance(context.Background(), moduleErrors())
	require.True(t, ok)
	require.Contains(t, block, "Search guidance for:")
	require.Contains(t, searcher.query, "react-router-dom")
	require.NotContains(t, block, "unlisted.example.com")

	lines := strings.Split(block, "\n")
	require.Contains(t, lines[1], "react.dev")
	require.Contains(t, block, "stackoverflow.com")
}

func TestGuidanceDegradesGracefully(t *testing.T) {
	g, err := New(Config{Searcher: &staticSearcher{err: errors.New("quota exceeded")}, Hosts: testHosts()})
	require.NoError(t, err)
	_, ok := g.Guidance(context.Background(), moduleErrors())
	require.False(t, ok)

	g, err = New(Config{Searcher: &staticSearcher{}, Hosts: testHosts()})
	require.NoError(t, err)
	_, ok = g.Guidance(context.Background(), moduleErrors())
	require.False(t, ok)

	_, ok = g.Guidance(context.Background(), nil)
	require.False(t, ok)
}

func TestGuidanceCapsLinks(t *testing.T) {
	var links []Link
	for _, path := range []string{"a", "b", "c"} {
		links = append(links, Link{URL: "https://react.dev/" + path, Title: "doc " + path})
	}
	g, err := New(Config{Searcher: &staticSearcher{links: links}, Hosts: testHosts(), MaxLinks: 2})
	require.NoError(t, err)

	block, ok := g.Guidance(context.Background(), moduleErrors())
	require.True(t, ok)
	require.Contains(t, block, "1. ")
	require.Contains(t, block, "2. ")
	require.NotContains(t, block, "3. ")
}

func TestAttachVisualSummaryTruncates(t *testing.T) {
	block := "guidance"
	out := AttachVisualSummary(block, strings.Repeat("x", 50), 10)
	require.Contains(t, out, "Visual summary:")
	require.Contains(t, out, strings.Repeat("x", 10))
	require.NotContains(t, out, strings.Repeat("x", 11))

	require.Equal(t, block, AttachVisualSummary(block, "", 10))
	require.Equal(t, block, AttachVisualSummary(block, "summary", 0))
}
