// Package patch applies SEARCH/REPLACE edit blocks to file content. The
// matcher escalates from strict substring match to whitespace-normalized line
// match, and falls back to whole-file replacement for single-block patches
// that look like a complete file.
package patch

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type (
	// Block is one SEARCH/REPLACE pair.
	Block struct {
		Search  string
		Replace string
	}

	// Hint is one candidate match location reported on a failed match.
	Hint struct {
		// LineStart and LineEnd are 1-based inclusive bounds.
		LineStart int    `json:"lineStart"`
		LineEnd   int    `json:"lineEnd"`
		Snippet   string `json:"snippet"`
	}

	// MatchError reports why a block could not be applied.
	MatchError struct {
		// Code is one of CodeAmbiguousMatch or CodeNoMatch.
		Code string
		// FilePath is the target file.
		FilePath string
		// Hints are the best candidate windows, present for CodeNoMatch.
		Hints []Hint
	}
)

// Match failure codes.
const (
	CodeAmbiguousMatch = "AMBIGUOUS_MATCH"
	CodeNoMatch        = "NO_MATCH_NORMALIZED"
)

const (
	maxHints = 3
	// fallbackMinRatio is the minimum replacement/file size ratio for the
	// whole-file fallback.
	fallbackMinRatio = 0.35
)

var (
	blockRe = regexp.MustCompile(`(?s)<{7} SEARCH\n(.*?)\n?={7}\n(.*?)\n?>{7} REPLACE`)
	fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z0-9]*\n(.*?)\n?```\\s*$")
	// fullFileTokenRe marks replacement text that plausibly is a complete
	// source file rather than a fragment.
	fullFileTokenRe = regexp.MustCompile(`import|export default|function [A-Z]|const [A-Z]|return \(|<div|<main|<section`)
	wsRunRe         = regexp.MustCompile(`\s+`)
	tokenRe         = regexp.MustCompile(`[A-Za-z0-9_$]+`)
)

// Error implements the error interface.
func (e *MatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.FilePath)
}

// ParseBlocks extracts SEARCH/REPLACE blocks from a patch. A patch without
// markers parses to zero blocks.
func ParseBlocks(patch string) []Block {
	patch = normalizeEOL(patch)
	matches := blockRe.FindAllStringSubmatch(patch, -1)
	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, Block{Search: m[1], Replace: m[2]})
	}
	return blocks
}

// Apply applies the patch to content and returns the new content. With
// normalizeWhitespace, blocks that miss a strict match retry with collapsed
// whitespace line comparison. A single-block patch whose search matches
// nothing may still replace the whole file when its replacement text passes
// the full-file heuristic; the same fallback covers marker-less patches
// carrying a complete (optionally fenced) file. Ambiguous matches never fall
// back: the search text is present and replacing the whole file would clobber
// it.
func Apply(filePath, content, patch string, normalizeWhitespace bool) (string, error) {
	content = normalizeEOL(content)
	blocks := ParseBlocks(patch)

	if len(blocks) == 0 {
		replacement := unfence(normalizeEOL(patch))
		if isFullFileReplacement(content, replacement) {
			return replacement, nil
		}
		return "", &MatchError{Code: CodeNoMatch, FilePath: filePath}
	}

	out := content
	for i, b := range blocks {
		next, err := applyBlock(filePath, out, b, normalizeWhitespace)
		if err != nil {
			var me *MatchError
			if errors.As(err, &me) && me.Code == CodeNoMatch &&
				len(blocks) == 1 && isFullFileReplacement(content, b.Replace) {
				return b.Replace, nil
			}
			return "", fmt.Errorf("block %d: %w", i+1, err)
		}
		out = next
	}
	return out, nil
}

func applyBlock(filePath, content string, b Block, normalizeWhitespace bool) (string, error) {
	search := normalizeEOL(b.Search)
	replace := normalizeEOL(b.Replace)

	switch strings.Count(content, search) {
	case 1:
		return strings.Replace(content, search, replace, 1), nil
	case 0:
		// fall through to the normalized matcher
	default:
		return "", &MatchError{Code: CodeAmbiguousMatch, FilePath: filePath}
	}

	if !normalizeWhitespace {
		return "", &MatchError{Code: CodeNoMatch, FilePath: filePath, Hints: hints(content, search)}
	}

	lines := strings.Split(content, "\n")
	searchLines := strings.Split(search, "\n")
	var starts []int
	for i := 0; i+len(searchLines) <= len(lines); i++ {
		if normalizedWindowEqual(lines[i:i+len(searchLines)], searchLines) {
			starts = append(starts, i)
		}
	}
	switch len(starts) {
	case 1:
		spliced := make([]string, 0, len(lines))
		spliced = append(spliced, lines[:starts[0]]...)
		spliced = append(spliced, strings.Split(replace, "\n")...)
		spliced = append(spliced, lines[starts[0]+len(searchLines):]...)
		return strings.Join(spliced, "\n"), nil
	case 0:
		return "", &MatchError{Code: CodeNoMatch, FilePath: filePath, Hints: hints(content, search)}
	default:
		return "", &MatchError{Code: CodeAmbiguousMatch, FilePath: filePath}
	}
}

// hints ranks equal-size sliding windows by token overlap with the search
// text and returns the top candidates with line numbers.
func hints(content, search string) []Hint {
	lines := strings.Split(content, "\n")
	searchLines := strings.Split(search, "\n")
	searchTokens := tokenSet(search)
	if len(searchTokens) == 0 || len(lines) < len(searchLines) {
		return nil
	}

	type candidate struct {
		start int
		score float64
	}
	var candidates []candidate
	for i := 0; i+len(searchLines) <= len(lines); i++ {
		window := strings.Join(lines[i:i+len(searchLines)], "\n")
		overlap := 0
		for tok := range tokenSet(window) {
			if searchTokens[tok] {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		candidates = append(candidates, candidate{start: i, score: float64(overlap) / float64(len(searchTokens))})
	}
	sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].score > candidates[b].score })
	if len(candidates) > maxHints {
		candidates = candidates[:maxHints]
	}

	out := make([]Hint, 0, len(candidates))
	for _, c := range candidates {
		var sb strings.Builder
		for j := c.start; j < c.start+len(searchLines); j++ {
			fmt.Fprintf(&sb, "%d | %s\n", j+1, lines[j])
		}
		out = append(out, Hint{
			LineStart: c.start + 1,
			LineEnd:   c.start + len(searchLines),
			Snippet:   strings.TrimRight(sb.String(), "\n"),
		})
	}
	return out
}

// isFullFileReplacement reports whether replacement plausibly is a complete
// rewrite of content: at least 35% of the file size and carrying a structural
// source token.
func isFullFileReplacement(content, replacement string) bool {
	if replacement == "" {
		return false
	}
	if float64(len(replacement)) < fallbackMinRatio*float64(len(content)) {
		return false
	}
	return fullFileTokenRe.MatchString(replacement)
}

func normalizedWindowEqual(window, searchLines []string) bool {
	for i := range searchLines {
		if normalizeLine(window[i]) != normalizeLine(searchLines[i]) {
			return false
		}
	}
	return true
}

func normalizeLine(s string) string {
	return strings.TrimSpace(wsRunRe.ReplaceAllString(s, " "))
}

func normalizeEOL(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(s, -1) {
		out[tok] = true
	}
	return out
}

// unfence strips a surrounding markdown code fence, if any.
func unfence(s string) string {
	if m := fenceRe.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
		return m[1]
	}
	return s
}
