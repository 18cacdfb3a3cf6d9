package store

import (
	"database/sql"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_token, conversation_id, body, attachment_ref, reply_to_id, message_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientToken, e.ConversationID, e.Body, e.AttachmentRef, e.ReplyToID, e.MessageType, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientToken string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_token = ?`, now, clientToken)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the durable server id.
func (db *DB) MarkOutboxSent(clientToken, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_token = ?`, serverMsgID, now, clientToken)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientToken, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_token = ?`, errMsg, now, clientToken)
	return err
}

// RequeueOutbox moves a 'sending' entry back to 'queued' so the next flush
// re-dispatches it with the same client token. Used after a reconnect when
// the previous epoch's send was never acknowledged.
func (db *DB) RequeueOutbox(clientToken string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE client_token = ? AND status = 'sending'`, now, clientToken)
	return err
}

// RekeyOutbox gives a failed entry a fresh client token and requeues it.
// Explicit resubmission only; failed entries are never retried silently.
func (db *DB) RekeyOutbox(oldToken, newToken string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET client_token = ?, status = 'queued', error_message = '', updated_at = ?
		WHERE client_token = ? AND status = 'failed'`, newToken, now, oldToken)
	return err
}

// GetOutbox returns an outbox entry by client token, or nil if absent.
func (db *DB) GetOutbox(clientToken string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, client_token, conversation_id, body, attachment_ref, reply_to_id, message_type, status, error_message, server_msg_id
		FROM outbox WHERE client_token = ?`, clientToken).
		Scan(&e.ID, &e.ClientToken, &e.ConversationID, &e.Body, &e.AttachmentRef, &e.ReplyToID, &e.MessageType, &e.Status, &e.ErrorMessage, &e.ServerMsgID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_token, conversation_id, body, attachment_ref, reply_to_id, message_type, status, error_message, server_msg_id
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientToken, &e.ConversationID, &e.Body, &e.AttachmentRef, &e.ReplyToID, &e.MessageType, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UnackedOutbox returns entries stuck in 'sending': dispatched but never
// acknowledged before the connection dropped.
func (db *DB) UnackedOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_token, conversation_id, body, attachment_ref, reply_to_id, message_type, status, error_message, server_msg_id
		FROM outbox WHERE status = 'sending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientToken, &e.ConversationID, &e.Body, &e.AttachmentRef, &e.ReplyToID, &e.MessageType, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
