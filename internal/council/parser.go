package council

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RankingParser extracts ranking positions from a ranker model's
// free-text evaluation. The regex implementation below is best-effort by
// nature; the interface exists so stricter structured-output extraction
// can replace it without touching aggregation or orchestration.
type RankingParser interface {
	// Parse returns the positions found in text, mapped back to ray ids
	// via labelToRay (label letter -> ray id), plus the extracted ranking
	// block for display.
	Parse(text string, labelToRay map[string]string) ([]Position, string, error)
}

// RegexRankingParser requires a literal "FINAL RANKING:" line followed by
// a numbered list of response labels.
type RegexRankingParser struct{}

var (
	finalRankingMarker = regexp.MustCompile(`(?i)FINAL RANKING:`)
	// rankedLine matches "1. Response A", "2) Response B", and similar.
	rankedLine = regexp.MustCompile(`(?m)^\s*(\d+)[.):\-]?\s*Response\s+([A-Z]+)`)
)

func (RegexRankingParser) Parse(text string, labelToRay map[string]string) ([]Position, string, error) {
	loc := finalRankingMarker.FindStringIndex(text)
	if loc == nil {
		return nil, "", ErrRankingNotFound
	}
	block := strings.TrimSpace(text[loc[1]:])

	var positions []Position
	seen := make(map[string]bool)
	for _, m := range rankedLine.FindAllStringSubmatch(block, -1) {
		rank, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		label := m[2]
		rayID, ok := labelToRay[label]
		if !ok || seen[label] {
			continue
		}
		seen[label] = true
		positions = append(positions, Position{RayID: rayID, Rank: rank})
	}
	if len(positions) == 0 {
		return nil, block, fmt.Errorf("%w after FINAL RANKING", ErrNoPositionsParsed)
	}
	return positions, block, nil
}
