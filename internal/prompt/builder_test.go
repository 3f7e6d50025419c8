package prompt

import (
	"fmt"
	"strings"
	"testing"

	"worldline/internal/memory"
	"worldline/internal/models"
)

func reports(n int) []models.Message {
	msgs := make([]models.Message, 0, n)
	for i := 1; i <= n; i++ {
		msgs = append(msgs, models.Message{
			Seq:     int64(i),
			Role:    models.RoleSystemReport,
			Content: fmt.Sprintf("report %d", i),
		})
	}
	return msgs
}

func TestBuildMessagesLayout(t *testing.T) {
	b := NewBuilder(12)
	msgs := b.BuildMessages(
		"an archipelago of rival guilds",
		reports(2),
		[]models.Intervention{{Content: "a plague ship arrives"}},
		"1 month",
		[]memory.Snippet{{SourceMessageSeq: 7, Content: "the guild war of year two"}},
	)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want system + user", len(msgs))
	}
	user := msgs[1].Content
	for _, want := range []string{
		"World preset:\nan archipelago of rival guilds",
		"Recent timeline:\n#1 report 1\n#2 report 2",
		"Relevant long-term memory:\n- [#7] the guild war of year two",
		"Pending interventions:\n- a plague ship arrives",
		"Time advance label: 1 month",
		"Return JSON only.",
	} {
		if !strings.Contains(user, want) {
			t.Fatalf("user message missing %q:\n%s", want, user)
		}
	}
}

func TestBuildMessagesEmptySections(t *testing.T) {
	b := NewBuilder(12)
	msgs := b.BuildMessages("quiet world", nil, nil, "1 year", nil)
	user := msgs[1].Content

	if !strings.Contains(user, "Recent timeline:\n(none)") {
		t.Fatalf("empty timeline not marked (none):\n%s", user)
	}
	if !strings.Contains(user, "Pending interventions:\n(none)") {
		t.Fatalf("empty interventions not marked (none):\n%s", user)
	}
	if strings.Contains(user, "Relevant long-term memory") {
		t.Fatalf("memory section present with no snippets:\n%s", user)
	}
}

func TestBuildMessagesTruncatesHistory(t *testing.T) {
	b := NewBuilder(3)
	msgs := b.BuildMessages("world", reports(10), nil, "1 month", nil)
	user := msgs[1].Content

	if strings.Contains(user, "#7 report 7") {
		t.Fatalf("history not truncated to newest 3:\n%s", user)
	}
	for _, want := range []string{"#8 report 8", "#9 report 9", "#10 report 10"} {
		if !strings.Contains(user, want) {
			t.Fatalf("truncated history missing %q:\n%s", want, user)
		}
	}
}

func TestMemoryQueryUsesNewestContext(t *testing.T) {
	b := NewBuilder(12)
	query := b.MemoryQuery(
		"world",
		reports(5),
		[]models.Intervention{{Content: "older"}, {Content: "newest"}},
		"1 month",
	)
	if strings.Contains(query, "report 1") || strings.Contains(query, "report 2") {
		t.Fatalf("query includes stale timeline: %s", query)
	}
	for _, want := range []string{"report 3", "report 4", "report 5", "newest", "Time advance label: 1 month"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query missing %q: %s", want, query)
		}
	}
}
