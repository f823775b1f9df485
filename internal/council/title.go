package council

import "strings"

// Title derives a short conversation title from the first user message.
// Deliberately a heuristic, not a model call: the first words of the
// question are almost always a usable title and cost nothing.
func Title(userQuery string) string {
	title := strings.TrimSpace(userQuery)
	title = strings.Trim(title, `"'`)
	if title == "" {
		return "Untitled Conversation"
	}
	if runes := []rune(title); len(runes) > 50 {
		title = string(runes[:47]) + "..."
	}
	return title
}
