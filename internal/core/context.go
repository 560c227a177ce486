package core

import (
	"fmt"
	"strings"

	"github.com/wutangasaf/aml-detection/internal/store"
)

const assistantInstruction = "You are an anti-money-laundering compliance assistant. Answer questions using the regulatory " +
	"documents provided below (FATF typologies, EU directives, enforcement actions and similar guidance). " +
	"Cite sources by their number, e.g. [SOURCE 2], when you rely on them. " +
	"If the documents do not cover the question, say so clearly instead of guessing. " +
	"Keep answers precise and practical for an AML analyst."

const noDocumentsNote = "No relevant regulatory documents were found for this question. " +
	"Answer from general AML knowledge and state that no supporting document was retrieved."

// FormatSources renders sources as numbered context blocks in the order given.
func FormatSources(sources []store.Source) string {
	parts := make([]string, 0, len(sources))
	for i, src := range sources {
		parts = append(parts, fmt.Sprintf("---\nSOURCE %d: [%s] %s (relevance: %.2f)\n%s\n---",
			i+1, src.Source, src.Filename, src.Score, src.TextPreview))
	}
	return strings.Join(parts, "\n")
}

// FormatHistory keeps user and assistant turns, in order, as provider messages.
func FormatHistory(history []store.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, msg := range history {
		if msg.Role != store.RoleUser && msg.Role != store.RoleAssistant {
			continue
		}
		out = append(out, ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

func BuildSystemPrompt(sources []store.Source) string {
	var b strings.Builder
	b.WriteString(assistantInstruction)
	b.WriteString("\n\n")
	if len(sources) == 0 {
		b.WriteString(noDocumentsNote)
		return b.String()
	}
	b.WriteString("--- CONTEXT START ---\n")
	b.WriteString(FormatSources(sources))
	b.WriteString("\n--- CONTEXT END ---")
	return b.String()
}
