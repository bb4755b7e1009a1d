package store

import (
	"time"
)

// Box identifies a per-participant conversation view.
type Box string

// Conversation boxes.
const (
	// BoxInbox holds conversations with at least one live (not trashed,
	// not deleted) inbox receipt for the participant.
	BoxInbox Box = "inbox"
	// BoxSentbox holds conversations with at least one live sentbox
	// receipt for the participant.
	BoxSentbox Box = "sentbox"
	// BoxTrash holds conversations with at least one trashed, not
	// deleted receipt for the participant.
	BoxTrash Box = "trash"
)

// Conversation groups messages sharing a subject. All per-participant
// state is derived from the receipts of its messages.
type Conversation struct {
	ID        string
	Subject   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationData contains data for persisting a new conversation.
type ConversationData struct {
	Subject string
	// CreatedAt overrides the creation timestamp when non-zero.
	CreatedAt time.Time
}

// ConversationList is a paginated list of conversations.
type ConversationList struct {
	Conversations []Conversation
	Total         int64
	HasMore       bool
}

// ListOptions configures listing.
type ListOptions struct {
	Limit  int
	Offset int
}
