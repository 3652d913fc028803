package entity

import (
	"regexp"
	"strings"
)

var numberedItem = regexp.MustCompile(`^(\d+)[.)]\s*(.+)$`)

// ParseNumberedPlan extracts "1. do x" / "2) do y" items from planner
// output, in order. Lines that are not numbered items are ignored.
func ParseNumberedPlan(text string) []string {
	if text == "" {
		return nil
	}
	var items []string
	for _, line := range strings.Split(text, "\n") {
		if m := numberedItem.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			items = append(items, strings.TrimSpace(m[2]))
		}
	}
	return items
}
