// Package codec maps wire message records to model values and model values to
// display-ready values. It holds no state.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fleetdesk/convsync/internal/model"
)

var (
	ErrMissingID           = errors.New("message has no id")
	ErrMissingConversation = errors.New("message has no conversation id")
	ErrBadTimestamp        = errors.New("message has no valid createdAt")
	ErrBadAlertKind        = errors.New("unknown alert kind")
)

// wireMessage accepts both the nested file object and the flat file columns
// the messages endpoint returns for older records.
type wireMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	CreatedAt      string            `json:"createdAt"`
	Type           string            `json:"type"`
	Content        string            `json:"content"`
	Description    string            `json:"description"`
	AlertType      string            `json:"alertType"`
	File           *model.Attachment `json:"file"`
	FilePath       string            `json:"filePath"`
	FileName       string            `json:"fileName"`
	FileMimeType   string            `json:"fileMimeType"`
	ClientToken    string            `json:"clientToken"`
}

// Decode parses a single wire message record.
func Decode(raw []byte) (model.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return w.toModel()
}

// DecodeList parses a JSON array of wire message records.
func DecodeList(raw []byte) ([]model.Message, error) {
	var ws []wireMessage
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	msgs := make([]model.Message, 0, len(ws))
	for i := range ws {
		m, err := ws[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (w *wireMessage) toModel() (model.Message, error) {
	if w.ID == "" {
		return model.Message{}, ErrMissingID
	}
	if w.ConversationID == "" {
		return model.Message{}, ErrMissingConversation
	}
	createdAt, err := parseTime(w.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: %q", ErrBadTimestamp, w.CreatedAt)
	}

	m := model.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		CreatedAt:      createdAt,
		Kind:           model.KindChat,
		Content:        w.Content,
		ClientToken:    w.ClientToken,
	}
	switch {
	case w.File != nil && (w.File.Path != "" || w.File.Name != ""):
		f := *w.File
		m.Attachment = &f
	case w.FilePath != "" || w.FileName != "":
		m.Attachment = &model.Attachment{Path: w.FilePath, Name: w.FileName, MimeType: w.FileMimeType}
	}

	if w.Type == string(model.KindAlert) || w.AlertType != "" {
		kind := model.AlertKind(strings.ToLower(w.AlertType))
		if !kind.Valid() {
			return model.Message{}, fmt.Errorf("%w: %q", ErrBadAlertKind, w.AlertType)
		}
		m.Kind = model.KindAlert
		m.AlertKind = kind
		if m.Content == "" {
			m.Content = w.Description
		}
	}
	return m, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, ErrBadTimestamp
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// Resolver turns attachment paths into URLs served by the file service.
type Resolver struct {
	base *url.URL
}

// NewResolver parses the file service base URL. An empty base leaves paths untouched.
func NewResolver(base string) (*Resolver, error) {
	if base == "" {
		return &Resolver{}, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse files url: %w", err)
	}
	return &Resolver{base: u}, nil
}

// Resolve returns the URL for an attachment path. Absolute URLs pass through.
func (r *Resolver) Resolve(path string) string {
	if path == "" {
		return ""
	}
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	if r == nil || r.base == nil {
		return path
	}
	return r.base.JoinPath(path).String()
}
