package llm

import (
	"strings"
)

// MaxHistoryTurns caps how many prior turns are sent to a provider
const MaxHistoryTurns = 20

const (
	LabelUser      = "User"
	LabelAssistant = "Assistant"
)

// NormalizeHistory keeps the last MaxHistoryTurns user/model turns, trims
// them, drops empty ones and relabels roles as User/Assistant. It is
// idempotent.
func NormalizeHistory(history []Turn) []Turn {
	kept := make([]Turn, 0, len(history))
	for _, turn := range history {
		if label, ok := roleLabel(turn.Role); ok {
			kept = append(kept, Turn{Role: label, Content: turn.Content})
		}
	}

	if len(kept) > MaxHistoryTurns {
		kept = kept[len(kept)-MaxHistoryTurns:]
	}

	out := make([]Turn, 0, len(kept))
	for _, turn := range kept {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		out = append(out, Turn{Role: turn.Role, Content: content})
	}
	return out
}

func roleLabel(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user":
		return LabelUser, true
	case "model", "assistant":
		return LabelAssistant, true
	}
	return "", false
}

// BuildSystemInstruction returns the assistant persona for a patient
func BuildSystemInstruction(userName string) string {
	name := strings.TrimSpace(userName)
	if name == "" {
		name = "User"
	}

	return strings.Join([]string{
		"You are an expert Ayurvedic AI Health Assistant helping a patient named " + name + ".",
		"You are knowledgeable about Pitta, Vata, and Kapha doshas.",
		"The patient currently has a Pitta Aggravation (excess heat).",
		"Recommend cooling foods, herbs like Yashtimadhu and Amalaki, and therapies like Virechana.",
		"Keep your tone professional, soothing, and medically responsible.",
		"Always include a brief disclaimer that this is not a substitute for medical advice.",
		"Use Markdown to format lists and emphasis.",
		"Keep responses concise and structured.",
	}, " ")
}

// BuildPrompt creates the single prompt string sent to a provider
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(BuildSystemInstruction(req.UserName))

	if history := NormalizeHistory(req.History); len(history) > 0 {
		b.WriteString("\n\nConversation history:")
		for _, turn := range history {
			b.WriteString("\n")
			b.WriteString(turn.Role)
			b.WriteString(": ")
			b.WriteString(turn.Content)
		}
	}

	b.WriteString("\n\nUser: ")
	b.WriteString(strings.TrimSpace(req.Message))
	b.WriteString("\nAssistant:")
	return b.String()
}
