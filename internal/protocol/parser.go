package protocol

import "github.com/hirelink/chatsync/internal/store"

// ParseStatus maps a wire status string to a store status. Unknown values
// default to sent: a message the server pushed has at minimum been accepted.
func ParseStatus(s string) store.Status {
	st := store.Status(s)
	if !st.Valid() {
		return store.StatusSent
	}
	return st
}

// ParseMessageType normalizes the wire message type.
func ParseMessageType(t string) string {
	switch t {
	case "text", "file", "image", "system":
		return t
	default:
		return "text"
	}
}

// ToStoreMessage converts a wire message to a mirror entry. localUserID
// determines the from_me flag.
func (p MessagePayload) ToStoreMessage(localUserID string) *store.Message {
	return &store.Message{
		ConversationID: p.ConversationID,
		MsgID:          p.ID,
		SenderID:       p.SenderID,
		Body:           p.Content,
		AttachmentRef:  p.AttachmentRef,
		ReplyToID:      p.ReplyToID,
		MessageType:    ParseMessageType(p.MessageType),
		FromMe:         p.SenderID == localUserID && localUserID != "",
		Status:         ParseStatus(p.Status),
		SentAt:         p.SentAt,
	}
}

// Preview renders the summary preview text for a message.
func (p MessagePayload) Preview() string {
	switch ParseMessageType(p.MessageType) {
	case "file":
		return "[file]"
	case "image":
		return "[image]"
	default:
		return Truncate(p.Content, 100)
	}
}

// ToStoreConversation converts a wire conversation summary to a mirror entry.
func (p ConversationPayload) ToStoreConversation() *store.Conversation {
	parts := make([]store.Participant, 0, len(p.Participants))
	for i, wp := range p.Participants {
		parts = append(parts, store.Participant{
			UserID:      wp.UserID,
			DisplayName: wp.DisplayName,
			Position:    i,
		})
	}
	kind := p.Kind
	switch kind {
	case store.KindDirect, store.KindJob, store.KindInterview, store.KindSupport:
	default:
		kind = store.KindDirect
	}
	return &store.Conversation{
		ID:                 p.ID,
		Kind:               kind,
		Title:              p.Title,
		UnreadCount:        p.UnreadCount,
		LastMessageAt:      p.LastMessageAt,
		LastMessagePreview: p.LastMessagePreview,
		Participants:       parts,
	}
}

// Truncate caps s at maxLen bytes for preview fields.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
