package domain

import (
	"strings"
	"unicode/utf8"
)

const MaxConversationIDLength = 200

// SanitizeConversationID trims id and truncates it to MaxConversationIDLength
// characters. An empty result means the id is unusable.
func SanitizeConversationID(id string) string {
	id = strings.TrimSpace(id)
	if utf8.RuneCountInString(id) <= MaxConversationIDLength {
		return id
	}
	runes := []rune(id)
	return strings.TrimSpace(string(runes[:MaxConversationIDLength]))
}
