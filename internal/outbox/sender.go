package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fleetdesk/convsync/internal/bus"
	"github.com/fleetdesk/convsync/internal/convcache"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/fleetdesk/convsync/internal/window"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sendTimeout = 30 * time.Second

// TempIDPrefix marks ids of messages the server has not confirmed.
const TempIDPrefix = "tmp-"

var (
	ErrEmptyDraft   = errors.New("draft has neither content nor attachment")
	ErrEmptyAlert   = errors.New("alert needs a description")
	ErrNoRecipient  = errors.New("draft has no conversation or recipient")
	ErrBadAlertKind = errors.New("unknown alert kind")
)

// File is an attachment to upload with a message.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Draft is a message the user wants to send. Either ConversationID or
// Recipient must be set.
type Draft struct {
	ConversationID string
	Recipient      model.Recipient
	Content        string
	File           *File
}

// Request is what the transport posts to the server.
type Request struct {
	Recipient   model.Recipient
	Content     string
	File        *File
	AlertKind   model.AlertKind
	ClientToken string
}

// Transport posts messages and alerts and returns the stored record.
type Transport interface {
	SendMessage(ctx context.Context, req Request) (model.Message, error)
	SendAlert(ctx context.Context, req Request) (model.Message, error)
}

// Ack is the payload of message.send_ack events.
type Ack struct {
	TempID  string
	Message model.Message
}

// Failure is the payload of message.send_failed events.
type Failure struct {
	TempID string
	Err    string
}

// pending is a send that has not been confirmed, kept for Retry.
type pending struct {
	conversationID string
	req            Request
}

// Sender shows a placeholder for every send immediately and confirms or fails
// it once the server answers.
type Sender struct {
	transport Transport
	windows   *window.Cache
	convs     *convcache.Cache
	selfID    string
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pending map[string]pending
	wg      sync.WaitGroup
}

// NewSender creates a send pipeline. selfID is recorded as the sender of
// placeholders.
func NewSender(t Transport, w *window.Cache, c *convcache.Cache, selfID string, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		transport: t,
		windows:   w,
		convs:     c,
		selfID:    selfID,
		bus:       b,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]pending),
	}
}

// Start ties in-flight sends to ctx.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight sends and waits for them to settle.
func (s *Sender) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// Send queues a chat message. It returns the placeholder id once the
// placeholder is in the window; the post itself runs in the background.
func (s *Sender) Send(ctx context.Context, d Draft) (string, error) {
	if strings.TrimSpace(d.Content) == "" && d.File == nil {
		return "", ErrEmptyDraft
	}
	return s.submit(ctx, d, "")
}

// SendAlert queues an alert. Alerts always carry a description.
func (s *Sender) SendAlert(ctx context.Context, d Draft, kind model.AlertKind) (string, error) {
	if strings.TrimSpace(d.Content) == "" {
		return "", ErrEmptyAlert
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrBadAlertKind, kind)
	}
	return s.submit(ctx, d, kind)
}

func (s *Sender) submit(ctx context.Context, d Draft, kind model.AlertKind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	convID, recipient, err := s.resolve(d)
	if err != nil {
		return "", err
	}

	token := uuid.NewString()
	tempID := TempIDPrefix + token
	req := Request{Recipient: recipient, Content: d.Content, File: d.File, AlertKind: kind, ClientToken: token}

	// Without a known conversation there is no window to show a placeholder in.
	if convID != "" {
		s.windows.InsertLive(s.placeholder(tempID, convID, req))
		s.mu.Lock()
		s.pending[tempID] = pending{conversationID: convID, req: req}
		s.mu.Unlock()
	}

	s.logger.Info("sending message", zap.String("temp_id", tempID), zap.String("conversation_id", convID),
		zap.Bool("alert", kind != ""))
	s.dispatch(tempID, convID, req)
	return tempID, nil
}

// resolve finds the conversation and recipient of a draft.
func (s *Sender) resolve(d Draft) (string, model.Recipient, error) {
	if d.ConversationID != "" {
		if conv, ok := s.convs.Get(d.ConversationID); ok {
			return conv.ID, conv.Recipient(), nil
		}
		if d.Recipient.ID == "" {
			return "", model.Recipient{}, fmt.Errorf("conversation %s: %w", d.ConversationID, convcache.ErrUnknownConversation)
		}
		return d.ConversationID, d.Recipient, nil
	}
	if d.Recipient.ID == "" {
		return "", model.Recipient{}, ErrNoRecipient
	}
	if conv, ok := s.convs.Find(d.Recipient.Is); ok {
		return conv.ID, d.Recipient, nil
	}
	return "", d.Recipient, nil
}

func (s *Sender) placeholder(tempID, convID string, req Request) model.Message {
	m := model.Message{
		ID:             tempID,
		ConversationID: convID,
		SenderID:       s.selfID,
		CreatedAt:      s.now(),
		Kind:           model.KindChat,
		Content:        req.Content,
		ClientToken:    req.ClientToken,
		DeliveryStatus: model.StatusSending,
	}
	if req.AlertKind != "" {
		m.Kind = model.KindAlert
		m.AlertKind = req.AlertKind
	}
	if req.File != nil {
		m.Attachment = &model.Attachment{Name: req.File.Name, MimeType: req.File.MimeType}
	}
	return m
}

func (s *Sender) dispatch(tempID, convID string, req Request) {
	s.mu.Lock()
	base := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(base, sendTimeout)
		defer cancel()
		s.deliver(ctx, tempID, convID, req)
	}()
}

func (s *Sender) deliver(ctx context.Context, tempID, convID string, req Request) {
	var (
		msg model.Message
		err error
	)
	if req.AlertKind != "" {
		msg, err = s.transport.SendAlert(ctx, req)
	} else {
		msg, err = s.transport.SendMessage(ctx, req)
	}
	if err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("temp_id", tempID))
		if convID != "" {
			s.windows.MarkFailed(convID, tempID)
		}
		s.bus.Emit(bus.MessageSendFailed, convID, Failure{TempID: tempID, Err: err.Error()})
		return
	}

	s.mu.Lock()
	delete(s.pending, tempID)
	s.mu.Unlock()

	msg.DeliveryStatus = ""
	if msg.ClientToken == "" && convID != "" && msg.ConversationID == convID {
		msg.ClientToken = req.ClientToken
	}
	s.windows.InsertLive(msg)
	// A confirmation without the token may have been paired with an older
	// identical placeholder; this send's own placeholder is then redundant.
	if convID != "" && msg.ID != tempID {
		if m, ok := s.windows.Get(convID, tempID); ok && m.IsPlaceholder() {
			s.windows.Discard(convID, tempID)
		}
	}
	if s.convs.ApplyOwn(msg) == convcache.Missed {
		if _, err := s.convs.Fetch(ctx, msg.ConversationID); err != nil {
			s.logger.Warn("fetching conversation of sent message failed",
				zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		} else {
			s.convs.ApplyOwn(msg)
		}
	}

	s.logger.Info("message sent", zap.String("temp_id", tempID), zap.String("msg_id", msg.ID))
	s.bus.Emit(bus.MessageSendAck, msg.ConversationID, Ack{TempID: tempID, Message: msg})
}

// Retry resends a failed placeholder under a new id. Sends are never retried
// automatically.
func (s *Sender) Retry(ctx context.Context, conversationID, tempID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	p, ok := s.pending[tempID]
	s.mu.Unlock()
	if !ok || p.conversationID != conversationID {
		return "", fmt.Errorf("retry %s: %w", tempID, window.ErrNotFound)
	}

	token := uuid.NewString()
	newID := TempIDPrefix + token
	if _, err := s.windows.Restage(conversationID, tempID, newID, token, s.now()); err != nil {
		return "", fmt.Errorf("retry %s: %w", tempID, err)
	}
	p.req.ClientToken = token

	s.mu.Lock()
	delete(s.pending, tempID)
	s.pending[newID] = p
	s.mu.Unlock()

	s.logger.Info("retrying message", zap.String("temp_id", newID), zap.String("failed_id", tempID))
	s.dispatch(newID, conversationID, p.req)
	return newID, nil
}
