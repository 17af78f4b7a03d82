package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetdesk/convsync/internal/live"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	filter := model.Filter(r.URL.Query().Get("recipientType"))
	switch filter {
	case model.FilterAll, model.FilterDriver, model.FilterCompany:
	default:
		jsonErr(w, fmt.Errorf("unknown recipientType %q", filter), http.StatusBadRequest)
		return
	}
	convs, err := s.db.ListConversations(filter)
	if err != nil {
		s.storeErr(w, r, err)
		return
	}
	jsonResponse(w, convs, http.StatusOK)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.db.GetConversation(mux.Vars(r)["id"])
	if err != nil {
		s.storeErr(w, r, err)
		return
	}
	jsonResponse(w, conv, http.StatusOK)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteConversation(mux.Vars(r)["id"]); err != nil {
		s.storeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	take := 30
	if v := q.Get("take"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			jsonErr(w, fmt.Errorf("take %q out of range [1, 200]", v), http.StatusBadRequest)
			return
		}
		take = n
	}
	var before time.Time
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			jsonErr(w, fmt.Errorf("before: %w", err), http.StatusBadRequest)
			return
		}
		before = t
	}
	msgs, err := s.db.ListMessages(mux.Vars(r)["id"], take, before)
	if err != nil {
		s.storeErr(w, r, err)
		return
	}
	jsonResponse(w, msgs, http.StatusOK)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.db.MarkRead(id); err != nil {
		s.storeErr(w, r, err)
		return
	}
	s.hub.Publish(live.Frame{Type: live.EventConversationRead, ConversationID: id}, false)
	jsonResponse(w, struct {
		OK bool `json:"ok"`
	}{true}, http.StatusOK)
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.db.GetFile(mux.Vars(r)["id"])
	if err != nil {
		s.storeErr(w, r, err)
		return
	}
	if f.MimeType != "" {
		w.Header().Set("Content-Type", f.MimeType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", f.Name))
	_, _ = w.Write(f.Data)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	s.post(w, r, "")
}

func (s *Server) postAlert(w http.ResponseWriter, r *http.Request) {
	kind := model.AlertKind(strings.ToLower(r.FormValue("alertType")))
	if !kind.Valid() {
		jsonErr(w, fmt.Errorf("unknown alertType %q", r.FormValue("alertType")), http.StatusBadRequest)
		return
	}
	s.post(w, r, kind)
}

// post stores a message from the authenticated sender to a driver or company,
// creating the conversation on first contact.
func (s *Server) post(w http.ResponseWriter, r *http.Request, alert model.AlertKind) {
	if err := r.ParseMultipartForm(maxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		jsonErr(w, fmt.Errorf("parse form: %w", err), http.StatusBadRequest)
		return
	}
	driverID, companyID := r.FormValue("driverId"), r.FormValue("companyId")
	var recipient model.Recipient
	switch {
	case driverID != "" && companyID != "":
		jsonErr(w, model.ErrTwoRecipients, http.StatusBadRequest)
		return
	case driverID != "":
		recipient = model.Recipient{Kind: model.RecipientDriver, ID: driverID}
	case companyID != "":
		recipient = model.Recipient{Kind: model.RecipientCompany, ID: companyID}
	default:
		jsonErr(w, model.ErrNoRecipient, http.StatusBadRequest)
		return
	}

	msg := model.Message{
		SenderID:    senderID(r.Context()),
		Kind:        model.KindChat,
		Content:     r.FormValue("content"),
		ClientToken: r.FormValue("clientToken"),
	}
	if alert != "" {
		msg.Kind = model.KindAlert
		msg.AlertKind = alert
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer func() { _ = file.Close() }()
		data, err := io.ReadAll(file)
		if err != nil {
			jsonErr(w, fmt.Errorf("read file: %w", err), http.StatusBadRequest)
			return
		}
		mimeType := header.Header.Get("Content-Type")
		id, err := s.db.PutFile(header.Filename, mimeType, data)
		if err != nil {
			s.storeErr(w, r, err)
			return
		}
		msg.Attachment = &model.Attachment{Path: "/files/" + id, Name: header.Filename, MimeType: mimeType}
	case !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
		jsonErr(w, fmt.Errorf("file: %w", err), http.StatusBadRequest)
		return
	}

	switch {
	case alert != "" && strings.TrimSpace(msg.Content) == "":
		jsonErr(w, errors.New("alert needs a description"), http.StatusBadRequest)
		return
	case strings.TrimSpace(msg.Content) == "" && msg.Attachment == nil:
		jsonErr(w, errors.New("message needs content or a file"), http.StatusBadRequest)
		return
	}

	conv, err := s.db.EnsureConversation(recipient)
	if err != nil {
		s.storeErr(w, r, err)
		return
	}
	msg.ConversationID = conv.ID
	s.store(w, r, msg, false)
}

// store persists msg, fans it out on the live channel and answers with it.
func (s *Server) store(w http.ResponseWriter, r *http.Request, msg model.Message, countUnread bool) {
	stored, conv, err := s.db.InsertMessage(r.Context(), msg, countUnread)
	if err != nil {
		s.storeErr(w, r, err)
		return
	}
	s.logger.Info("message stored", zap.String("conversation_id", conv.ID), zap.String("msg_id", stored.ID),
		zap.String("sender_id", stored.SenderID), zap.Bool("alert", stored.IsAlert()))

	if err := s.announce(stored, conv); err != nil {
		s.logger.Error("announce message", zap.String("msg_id", stored.ID), zap.Error(err))
	}
	jsonResponse(w, stored, http.StatusCreated)
}

// announce pushes a new message to its room and the conversation's new
// summary to every client.
func (s *Server) announce(m model.Message, conv model.Conversation) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	kind := live.EventMessageNew
	if m.IsAlert() {
		kind = live.EventAlertNew
	}
	s.hub.Publish(live.Frame{Type: kind, ConversationID: conv.ID, Payload: payload}, true)

	patch, err := json.Marshal(model.ConversationPatch{
		LastMessageID:      &conv.LastMessageID,
		LastMessageAt:      &conv.LastMessageAt,
		LastMessageContent: &conv.LastMessageContent,
		UnreadMessageCount: &conv.UnreadMessageCount,
		UnreadAlertCount:   &conv.UnreadAlertCount,
	})
	if err != nil {
		return err
	}
	s.hub.Publish(live.Frame{Type: live.EventConversationUpdated, ConversationID: conv.ID, Payload: patch}, false)
	return nil
}

type createConversationRequest struct {
	RecipientType string `json:"recipientType"`
	RecipientID   string `json:"recipientId"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, fmt.Errorf("decode body: %w", err), http.StatusBadRequest)
		return
	}
	kind := model.RecipientKind(req.RecipientType)
	if kind != model.RecipientDriver && kind != model.RecipientCompany {
		jsonErr(w, fmt.Errorf("unknown recipientType %q", req.RecipientType), http.StatusBadRequest)
		return
	}
	conv, err := s.db.EnsureConversation(model.Recipient{Kind: kind, ID: req.RecipientID})
	if err != nil {
		if errors.Is(err, model.ErrRecipientMissing) {
			jsonErr(w, err, http.StatusBadRequest)
			return
		}
		s.storeErr(w, r, err)
		return
	}
	jsonResponse(w, conv, http.StatusOK)
}

type inboundRequest struct {
	Content   string `json:"content"`
	AlertType string `json:"alertType"`
}

// postInbound stores a message as if the conversation's driver or company
// had sent it. It counts as unread.
func (s *Server) postInbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, fmt.Errorf("decode body: %w", err), http.StatusBadRequest)
		return
	}
	conv, err := s.db.GetConversation(mux.Vars(r)["id"])
	if err != nil {
		s.storeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		jsonErr(w, errors.New("content is required"), http.StatusBadRequest)
		return
	}
	msg := model.Message{
		ConversationID: conv.ID,
		SenderID:       conv.Recipient().ID,
		Kind:           model.KindChat,
		Content:        req.Content,
	}
	if req.AlertType != "" {
		kind := model.AlertKind(strings.ToLower(req.AlertType))
		if !kind.Valid() {
			jsonErr(w, fmt.Errorf("unknown alertType %q", req.AlertType), http.StatusBadRequest)
			return
		}
		msg.Kind = model.KindAlert
		msg.AlertKind = kind
	}
	s.store(w, r, msg, true)
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

func (s *Server) postTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, fmt.Errorf("decode body: %w", err), http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.db.GetConversation(id); err != nil {
		s.storeErr(w, r, err)
		return
	}
	kind := live.EventTypingStop
	if req.Typing {
		kind = live.EventTypingStart
	}
	s.hub.Publish(live.Frame{Type: kind, ConversationID: id}, true)
	w.WriteHeader(http.StatusNoContent)
}
