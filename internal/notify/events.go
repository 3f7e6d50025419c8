package notify

import (
	"context"

	"worldline/internal/models"
)

// Event is a session-scoped push frame. The Event field discriminates the
// payload; unused fields are omitted on the wire.
type Event struct {
	Event          string          `json:"event"`
	BranchID       string          `json:"branch_id,omitempty"`
	ActiveBranchID string          `json:"active_branch_id,omitempty"`
	Running        *bool           `json:"running,omitempty"`
	Message        *models.Message `json:"message,omitempty"`
	Models         []string        `json:"models,omitempty"`
	Code           string          `json:"code,omitempty"`
	Detail         string          `json:"detail,omitempty"`
}

func MessageCreated(msg *models.Message) Event {
	return Event{Event: "message_created", BranchID: msg.BranchID, Message: msg}
}

func MessageUpdated(msg *models.Message) Event {
	return Event{Event: "message_updated", BranchID: msg.BranchID, Message: msg}
}

func BranchSwitched(activeBranchID string) Event {
	return Event{Event: "branch_switched", ActiveBranchID: activeBranchID}
}

func SessionState(running bool, activeBranchID string) Event {
	return Event{Event: "session_state", Running: &running, ActiveBranchID: activeBranchID}
}

func ModelsLoaded(names []string) Event {
	return Event{Event: "models_loaded", Models: names}
}

func ErrorEvent(code, detail string) Event {
	return Event{Event: "error", Code: code, Detail: detail}
}

// Notifier fans an event out to everything watching one session.
// Implementations must not block the caller on slow consumers.
type Notifier interface {
	Broadcast(ctx context.Context, sessionID string, ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Broadcast(context.Context, string, Event) {}

// Multi forwards each event to every child notifier.
type Multi []Notifier

func (m Multi) Broadcast(ctx context.Context, sessionID string, ev Event) {
	for _, n := range m {
		n.Broadcast(ctx, sessionID, ev)
	}
}
