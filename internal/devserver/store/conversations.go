package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleetdesk/convsync/internal/model"
	"github.com/google/uuid"
)

const conversationColumns = `id, recipient_type, COALESCE(driver_id, ''), COALESCE(company_id, ''),
	last_message_id, last_message_at, last_message_content, unread_message_count, unread_alert_count`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (model.Conversation, error) {
	var (
		c      model.Conversation
		kind   string
		lastAt int64
	)
	if err := s.Scan(&c.ID, &kind, &c.DriverID, &c.CompanyID, &c.LastMessageID, &lastAt,
		&c.LastMessageContent, &c.UnreadMessageCount, &c.UnreadAlertCount); err != nil {
		return model.Conversation{}, err
	}
	c.RecipientKind = model.RecipientKind(kind)
	c.LastMessageAt = fromMillis(lastAt)
	return c, nil
}

// EnsureConversation returns the conversation with the recipient, creating it
// when there is none.
func (db *DB) EnsureConversation(r model.Recipient) (model.Conversation, error) {
	if r.ID == "" {
		return model.Conversation{}, model.ErrRecipientMissing
	}
	if c, err := db.FindConversation(r); !errors.Is(err, ErrNotFound) {
		return c, err
	}
	var driverID, companyID any
	switch r.Kind {
	case model.RecipientDriver:
		driverID = r.ID
	case model.RecipientCompany:
		companyID = r.ID
	default:
		return model.Conversation{}, fmt.Errorf("unknown recipient kind %q", r.Kind)
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, recipient_type, driver_id, company_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		uuid.NewString(), string(r.Kind), driverID, companyID, time.Now().UnixMilli())
	if err != nil {
		return model.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return db.FindConversation(r)
}

// FindConversation returns the conversation addressed to r.
func (db *DB) FindConversation(r model.Recipient) (model.Conversation, error) {
	column := "driver_id"
	if r.Kind == model.RecipientCompany {
		column = "company_id"
	}
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+`
		FROM conversations WHERE recipient_type = ? AND `+column+` = ?`, string(r.Kind), r.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, ErrNotFound
	}
	return c, err
}

// GetConversation returns a single conversation by id.
func (db *DB) GetConversation(id string) (model.Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+`
		FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, ErrNotFound
	}
	return c, err
}

// ListConversations returns the conversations of a view sorted by last
// message timestamp descending.
func (db *DB) ListConversations(filter model.Filter) ([]model.Conversation, error) {
	rows, err := db.Query(`SELECT `+conversationColumns+`
		FROM conversations
		WHERE ? = '' OR recipient_type = ?
		ORDER BY last_message_at DESC, created_at DESC`, string(filter), string(filter))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	convs := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// MarkRead clears both unread counters.
func (db *DB) MarkRead(id string) error {
	res, err := db.Exec(`UPDATE conversations SET unread_message_count = 0, unread_alert_count = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// DeleteConversation removes a conversation and its messages.
func (db *DB) DeleteConversation(id string) error {
	res, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
