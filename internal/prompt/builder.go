package prompt

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"worldline/internal/memory"
	"worldline/internal/models"
)

const systemPrompt = "You are generating a world progress report. " +
	"Keep it concise, structured, and continuous. " +
	"Output JSON with title, time_advance, summary, events, and risks."

// Builder composes the message list for one generation round.
type Builder struct {
	maxHistory int
}

func NewBuilder(maxHistory int) *Builder {
	if maxHistory <= 0 {
		maxHistory = 12
	}
	return &Builder{maxHistory: maxHistory}
}

// BuildMessages assembles the system and user messages from world preset,
// recent timeline, pending interventions, the time advance label and any
// retrieved memory snippets.
func (b *Builder) BuildMessages(
	worldPreset string,
	timeline []models.Message,
	interventions []models.Intervention,
	tickLabel string,
	snippets []memory.Snippet,
) []*schema.Message {
	history := timeline
	if len(history) > b.maxHistory {
		history = history[len(history)-b.maxHistory:]
	}
	historyLines := make([]string, 0, len(history))
	for _, msg := range history {
		historyLines = append(historyLines, fmt.Sprintf("#%d %s", msg.Seq, msg.Content))
	}
	interventionLines := make([]string, 0, len(interventions))
	for _, iv := range interventions {
		interventionLines = append(interventionLines, "- "+iv.Content)
	}
	memoryLines := make([]string, 0, len(snippets))
	for _, snip := range snippets {
		memoryLines = append(memoryLines, fmt.Sprintf("- [#%d] %s", snip.SourceMessageSeq, snip.Content))
	}

	var sb strings.Builder
	sb.WriteString("World preset:\n")
	sb.WriteString(worldPreset)
	sb.WriteString("\n\nRecent timeline:\n")
	sb.WriteString(sectionOrNone(historyLines))
	if len(memoryLines) > 0 {
		sb.WriteString("\n\nRelevant long-term memory:\n")
		sb.WriteString(strings.Join(memoryLines, "\n"))
	}
	sb.WriteString("\n\nPending interventions:\n")
	sb.WriteString(sectionOrNone(interventionLines))
	sb.WriteString("\n\nTime advance label: ")
	sb.WriteString(tickLabel)
	sb.WriteString("\nReturn JSON only.")

	return []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(sb.String()),
	}
}

// MemoryQuery condenses the current state into the retrieval query text.
func (b *Builder) MemoryQuery(
	worldPreset string,
	timeline []models.Message,
	interventions []models.Intervention,
	tickLabel string,
) string {
	recent := timeline
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	recentParts := make([]string, 0, len(recent))
	for _, msg := range recent {
		recentParts = append(recentParts, msg.Content)
	}
	pending := interventions
	if len(pending) > 3 {
		pending = pending[len(pending)-3:]
	}
	pendingParts := make([]string, 0, len(pending))
	for _, iv := range pending {
		pendingParts = append(pendingParts, iv.Content)
	}
	return fmt.Sprintf(
		"World preset: %s\nRecent timeline focus: %s\nPending interventions: %s\nTime advance label: %s",
		worldPreset,
		strings.Join(recentParts, " "),
		strings.Join(pendingParts, " "),
		tickLabel,
	)
}

func sectionOrNone(lines []string) string {
	if len(lines) == 0 {
		return "(none)"
	}
	return strings.Join(lines, "\n")
}
