package app

import (
	"strings"

	"quillai/pkg/ai"
	"quillai/pkg/domain"
	"quillai/pkg/vectorindex"
)

const (
	systemInstruction = "Use the following pieces of context (or previous conversaton if needed) to answer the users question in markdown format."
	unknownGuard      = "If you don't know the answer, just say that you don't know, don't try to make up an answer."
	sectionRule       = "----------------"
)

// buildPrompt composes the single grounded user turn. history is newest
// first, as returned by the store, and is rendered oldest first.
func buildPrompt(history []domain.Message, matches []vectorindex.Match, message string) ai.ChatRequest {
	var transcript strings.Builder
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.IsUserMessage {
			transcript.WriteString("User: ")
		} else {
			transcript.WriteString("Assistant: ")
		}
		transcript.WriteString(m.Text)
		transcript.WriteString("\n")
	}

	pages := make([]string, 0, len(matches))
	for _, m := range matches {
		pages = append(pages, m.Text)
	}

	var b strings.Builder
	b.WriteString(systemInstruction)
	b.WriteString("\n")
	b.WriteString(unknownGuard)
	b.WriteString("\n\n")
	b.WriteString(sectionRule)
	b.WriteString("\n\nPREVIOUS CONVERSATION:\n")
	b.WriteString(transcript.String())
	b.WriteString("\n")
	b.WriteString(sectionRule)
	b.WriteString("\n\nCONTEXT:\n")
	b.WriteString(strings.Join(pages, "\n\n"))
	b.WriteString("\n\nUSER INPUT: ")
	b.WriteString(message)

	return ai.ChatRequest{
		System:   systemInstruction,
		Messages: []ai.ChatMessage{{Role: ai.RoleUser, Content: b.String()}},
	}
}
