package protocol

import (
	"encoding/json"
	"testing"

	"github.com/hirelink/chatsync/internal/store"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want store.Status
	}{
		{"pending", "pending", store.StatusPending},
		{"sent", "sent", store.StatusSent},
		{"delivered", "delivered", store.StatusDelivered},
		{"read", "read", store.StatusRead},
		{"failed", "failed", store.StatusFailed},
		{"unknown defaults to sent", "bogus", store.StatusSent},
		{"empty defaults to sent", "", store.StatusSent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseStatus(tt.in); got != tt.want {
				t.Errorf("ParseStatus(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseMessageType(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"text", "text", "text"},
		{"file", "file", "file"},
		{"image", "image", "image"},
		{"system", "system", "system"},
		{"unknown", "sticker", "text"},
		{"empty", "", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseMessageType(tt.in); got != tt.want {
				t.Errorf("ParseMessageType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestToStoreMessageFromMe(t *testing.T) {
	p := MessagePayload{
		ID: "m-1", ConversationID: "c-1", SenderID: "u-1",
		Content: "hi", MessageType: "text", SentAt: 1000, Status: "sent",
	}

	if got := p.ToStoreMessage("u-1"); !got.FromMe {
		t.Error("sender matches local user, FromMe should be true")
	}
	if got := p.ToStoreMessage("u-2"); got.FromMe {
		t.Error("sender differs from local user, FromMe should be false")
	}
	// An empty local id (handshake not observed) never claims authorship.
	p.SenderID = ""
	if got := p.ToStoreMessage(""); got.FromMe {
		t.Error("empty local user id must not mark FromMe")
	}
}

func TestPreview(t *testing.T) {
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'x'
	}
	tests := []struct {
		name string
		p    MessagePayload
		want string
	}{
		{"text", MessagePayload{MessageType: "text", Content: "hello"}, "hello"},
		{"file", MessagePayload{MessageType: "file", Content: "cv.pdf"}, "[file]"},
		{"image", MessagePayload{MessageType: "image"}, "[image]"},
		{"long text truncated", MessagePayload{MessageType: "text", Content: string(long)}, string(long[:100])},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Preview(); got != tt.want {
				t.Errorf("Preview() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToStoreConversationNormalizesKind(t *testing.T) {
	p := ConversationPayload{
		ID:   "c-1",
		Kind: "whatever",
		Participants: []ParticipantPayload{
			{UserID: "u-1", DisplayName: "Alice"},
			{UserID: "u-2"},
		},
	}
	c := p.ToStoreConversation()
	if c.Kind != store.KindDirect {
		t.Errorf("kind = %q, want direct fallback", c.Kind)
	}
	if len(c.Participants) != 2 || c.Participants[1].Position != 1 {
		t.Errorf("participants = %v, want positions assigned in order", c.Participants)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := EncodeCommand(CmdSendMessage, SendMessagePayload{
		ConversationID: "c-1",
		Content:        "hi",
		MessageType:    "text",
		ClientToken:    "tok-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != CmdSendMessage {
		t.Errorf("type = %q, want %q", env.Type, CmdSendMessage)
	}
	var p SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.ClientToken != "tok-1" {
		t.Errorf("clientToken = %q, want tok-1", p.ClientToken)
	}
}
