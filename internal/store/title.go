package store

import "strings"

const maxTitleRunes = 50

// DeriveTitle turns a first question into a session title of at most 50 runes.
func DeriveTitle(question string) string {
	title := strings.Join(strings.Fields(question), " ")
	if title == "" {
		return DefaultSessionTitle
	}
	runes := []rune(title)
	if len(runes) <= maxTitleRunes {
		return title
	}
	return strings.TrimSpace(string(runes[:maxTitleRunes-3])) + "..."
}
