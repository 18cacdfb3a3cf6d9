// Package protocol defines the JSON event vocabulary exchanged with the
// platform's realtime gateway.
package protocol

import "encoding/json"

// Client-to-server command types.
const (
	CmdSendMessage       = "message.send"
	CmdJoinConversation  = "conversation.join"
	CmdLeaveConversation = "conversation.leave"
	CmdMarkRead          = "conversation.read"
	CmdTyping            = "typing"
	CmdPresenceGet       = "presence.get"
)

// Server-to-client event types.
const (
	EvtAuthenticated       = "authenticated"
	EvtMessageNew          = "message.new"
	EvtMessageAck          = "message.ack"
	EvtMessageStatus       = "message.status"
	EvtTypingIndicator     = "typing.indicator"
	EvtPresenceChanged     = "presence.changed"
	EvtPresenceStatuses    = "presence.statuses"
	EvtConversationUpdated = "conversation.updated"
	EvtError               = "error"
)

// Envelope is the wire format for all gateway frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame before encoding.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// SendMessagePayload carries an outbound message send.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content,omitempty"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
	MessageType    string `json:"messageType"`
	ClientToken    string `json:"clientToken"`
	ReplyToID      string `json:"replyToId,omitempty"`
}

// ConversationRefPayload addresses a conversation (join/leave).
type ConversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

// MarkReadPayload acknowledges everything up to and including MessageID.
type MarkReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
}

// TypingPayload is the outbound typing signal.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceGetPayload requests a presence snapshot for the given users.
type PresenceGetPayload struct {
	UserIDs []string `json:"userIds"`
}

// AuthenticatedPayload is the successful handshake response.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// MessagePayload is a message on the wire.
type MessagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content,omitempty"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
	MessageType    string `json:"messageType"`
	ReplyToID      string `json:"replyToId,omitempty"`
	SentAt         int64  `json:"sentAt"`
	Status         string `json:"status"`
}

// MessageNewPayload wraps an inbound message push.
type MessageNewPayload struct {
	Message MessagePayload `json:"message"`
}

// MessageAckPayload confirms a send, carrying the durable id.
type MessageAckPayload struct {
	ClientToken string `json:"clientToken"`
	MessageID   string `json:"messageId"`
	SentAt      int64  `json:"sentAt"`
	Status      string `json:"status"`
}

// MessageStatusPayload is a delivery status push.
type MessageStatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// TypingIndicatorPayload is an inbound typing push.
type TypingIndicatorPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceEntryPayload is one user's presence on the wire.
type PresenceEntryPayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	LastSeen int64  `json:"lastSeen"`
}

// PresenceStatusesPayload is the snapshot response to presence.get.
type PresenceStatusesPayload struct {
	Statuses []PresenceEntryPayload `json:"statuses"`
}

// ConversationPayload is a conversation summary on the wire.
type ConversationPayload struct {
	ID                 string               `json:"id"`
	Kind               string               `json:"kind"`
	Title              string               `json:"title,omitempty"`
	Participants       []ParticipantPayload `json:"participants"`
	LastMessageAt      int64                `json:"lastMessageAt"`
	LastMessagePreview string               `json:"lastMessagePreview,omitempty"`
	UnreadCount        int                  `json:"unreadCount"`
}

// ParticipantPayload is a user summary on the wire.
type ParticipantPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// ConversationUpdatedPayload wraps a conversation summary push.
type ConversationUpdatedPayload struct {
	Conversation ConversationPayload `json:"conversation"`
}

// ErrorPayload is a server-side error report.
type ErrorPayload struct {
	Message string `json:"message"`
}

// EncodeCommand renders a command as a wire frame.
func EncodeCommand(cmdType string, payload any) ([]byte, error) {
	return json.Marshal(Command{Type: cmdType, Payload: payload})
}

// DecodeEnvelope parses a wire frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
