package fuse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/beamd/internal/prompt"
)

// ChecklistItem is one parsed decision point.
type ChecklistItem struct {
	Label    string `json:"label"`
	Selected bool   `json:"selected"`
}

var (
	// strictItem matches "- [ ] label" and "- [x] label" bullets.
	strictItem = regexp.MustCompile(`(?m)^\s*[-*]\s*\[([ xX])\]\s+(.+)$`)
	// looseItem is the tolerant fallback for plain bullets.
	looseItem = regexp.MustCompile(`(?m)^\s*[-*•]\s+(.+)$`)
)

// ParseChecklist extracts checklist items from a step's text output. The
// strict "- [ ]" pattern is tried first; when it yields fewer than two
// items the looser plain-bullet pattern is used. Fewer than two
// recoverable items is a hard failure since the pipeline cannot continue
// without choices to offer.
func ParseChecklist(text string) ([]ChecklistItem, error) {
	var items []ChecklistItem
	for _, m := range strictItem.FindAllStringSubmatch(text, -1) {
		items = append(items, ChecklistItem{
			Label:    strings.TrimSpace(m[2]),
			Selected: strings.EqualFold(m[1], "x"),
		})
	}
	if len(items) >= 2 {
		return items, nil
	}

	items = items[:0]
	for _, m := range looseItem.FindAllStringSubmatch(text, -1) {
		label := strings.TrimSpace(m[1])
		// A loose match may still carry a bracket prefix.
		label = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(label, "[ ]"), "[x]"))
		if label == "" {
			continue
		}
		items = append(items, ChecklistItem{Label: label})
	}
	if len(items) >= 2 {
		return items, nil
	}

	return nil, fmt.Errorf("%w (found %d)", ErrChecklistUnparseable, len(items))
}

const checklistSummaryTemplate = `The user reviewed the checklist.

Selected:
{{YesAnswers}}

Not selected:
{{NoAnswers}}`

// RenderChecklistSummary produces the carried value for the step after a
// confirmed checklist: selected and unselected labels under separate
// headings.
func RenderChecklistSummary(items []ChecklistItem) string {
	var yes, no []string
	for _, item := range items {
		if item.Selected {
			yes = append(yes, "- "+item.Label)
		} else {
			no = append(no, "- "+item.Label)
		}
	}
	return prompt.Render(checklistSummaryTemplate, map[string]string{
		prompt.PlaceholderYesAnswers: joinOrNone(yes),
		prompt.PlaceholderNoAnswers:  joinOrNone(no),
	})
}

func joinOrNone(lines []string) string {
	if len(lines) == 0 {
		return "(none)"
	}
	return strings.Join(lines, "\n")
}
