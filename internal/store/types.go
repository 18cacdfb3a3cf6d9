package store

// Conversation kinds on the platform.
const (
	KindDirect    = "direct"
	KindJob       = "job"
	KindInterview = "interview"
	KindSupport   = "support"
)

// Message delivery statuses. A message only moves forward through
// Pending → Sent → Delivered → Read; Failed is terminal and reachable
// from Pending or Sent only.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Advances reports whether moving from s to next is a legal forward
// transition. Regressions and repeats return false and must be discarded
// by the caller.
func (s Status) Advances(next Status) bool {
	if next == StatusFailed {
		return s == StatusPending || s == StatusSent
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// Conversation represents a mirrored conversation summary.
type Conversation struct {
	ID                 string
	Kind               string
	Title              string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	Participants       []Participant
}

// Participant is a user summary attached to a conversation, in the
// server-provided order.
type Participant struct {
	UserID      string
	DisplayName string
	Position    int
}

// Message represents a mirrored message. MsgID is the durable server id,
// or the client token while the message is still pending.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	Body           string
	AttachmentRef  string
	ReplyToID      string
	MessageType    string
	FromMe         bool
	Status         Status
	SentAt         int64
}

// Less orders messages by (SentAt, MsgID); the id breaks timestamp ties.
func (m Message) Less(other Message) bool {
	if m.SentAt != other.SentAt {
		return m.SentAt < other.SentAt
	}
	return m.MsgID < other.MsgID
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientToken    string
	ConversationID string
	Body           string
	AttachmentRef  string
	ReplyToID      string
	MessageType    string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
