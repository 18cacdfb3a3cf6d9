package bus

import "time"

// Event kinds published on the session bus. Subscribers filter by
// namespace prefix, e.g. "conn." receives every connection event.
const (
	KindConnStateChanged = "conn.state_changed"

	// Gateway kinds share one namespace so a single subscription sees
	// connects, disconnects and frames in publish order.
	KindGatewayConnected    = "gateway.connected"
	KindGatewayDisconnected = "gateway.disconnected"
	KindGatewayAuthFailed   = "gateway.auth_failed"
	KindGatewayEvent        = "gateway.event"

	KindMessageUpserted   = "message.upserted"
	KindMessageAcked      = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindConversationUpdated = "conversation.updated"
	KindPresenceUpdated     = "presence.updated"
	KindTypingChanged       = "typing.changed"
	KindResyncCompleted     = "resync.completed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
