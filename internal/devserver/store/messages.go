package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleetdesk/convsync/internal/model"
	"github.com/google/uuid"
)

// InsertMessage stores m, assigning its id and creation time, and makes it the
// conversation's last message. countUnread bumps the counter matching the
// message kind. It returns the stored message and the updated conversation.
func (db *DB) InsertMessage(ctx context.Context, m model.Message, countUnread bool) (model.Message, model.Conversation, error) {
	m.ID = uuid.NewString()
	m.CreatedAt = fromMillis(db.stamp())
	m.DeliveryStatus = ""
	if m.Kind == "" {
		m.Kind = model.KindChat
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, model.Conversation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var file model.Attachment
	if m.Attachment != nil {
		file = *m.Attachment
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, created_at, type, content, alert_type,
			file_path, file_name, file_mime_type, client_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.CreatedAt.UnixMilli(), string(m.Kind), m.Content,
		string(m.AlertKind), file.Path, file.Name, file.MimeType, m.ClientToken)
	if err != nil {
		return model.Message{}, model.Conversation{}, fmt.Errorf("insert message: %w", err)
	}

	unreadMsg, unreadAlert := 0, 0
	if countUnread {
		if m.IsAlert() {
			unreadAlert = 1
		} else {
			unreadMsg = 1
		}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_id = ?,
			last_message_at = ?,
			last_message_content = ?,
			unread_message_count = unread_message_count + ?,
			unread_alert_count = unread_alert_count + ?
		WHERE id = ?`,
		m.ID, m.CreatedAt.UnixMilli(), m.Preview(), unreadMsg, unreadAlert, m.ConversationID)
	if err != nil {
		return model.Message{}, model.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	if err := expectRow(res); err != nil {
		return model.Message{}, model.Conversation{}, err
	}
	conv, err := scanConversation(tx.QueryRowContext(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE id = ?`, m.ConversationID))
	if err != nil {
		return model.Message{}, model.Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, model.Conversation{}, err
	}
	return m, conv, nil
}

// ListMessages returns up to take messages of a conversation created strictly
// before the cursor, newest first. A zero cursor starts from the newest.
func (db *DB) ListMessages(conversationID string, take int, before time.Time) ([]model.Message, error) {
	if take <= 0 {
		take = 30
	}
	if _, err := db.GetConversation(conversationID); err != nil {
		return nil, err
	}
	beforeMs := int64(1<<63 - 1)
	if !before.IsZero() {
		beforeMs = before.UnixMilli()
		// A cursor with sub-millisecond digits still excludes its own millisecond.
		if before.Sub(fromMillis(beforeMs)) > 0 {
			beforeMs++
		}
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, created_at, type, content, alert_type,
			file_path, file_name, file_mime_type, client_token
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeMs, take)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single message by id.
func (db *DB) GetMessage(id string) (model.Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT id, conversation_id, sender_id, created_at, type, content, alert_type,
			file_path, file_name, file_mime_type, client_token
		FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	return m, err
}

func scanMessage(s scanner) (model.Message, error) {
	var (
		m                model.Message
		createdAt        int64
		kind, alert      string
		path, name, mime string
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &createdAt, &kind, &m.Content, &alert,
		&path, &name, &mime, &m.ClientToken); err != nil {
		return model.Message{}, err
	}
	m.CreatedAt = fromMillis(createdAt)
	m.Kind = model.MessageKind(kind)
	m.AlertKind = model.AlertKind(alert)
	if path != "" || name != "" {
		m.Attachment = &model.Attachment{Path: path, Name: name, MimeType: mime}
	}
	return m, nil
}
