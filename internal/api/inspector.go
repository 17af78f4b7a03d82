package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fleetdesk/convsync/internal/bus"
	"github.com/fleetdesk/convsync/internal/convcache"
	"github.com/fleetdesk/convsync/internal/live"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/fleetdesk/convsync/internal/outbox"
	"github.com/fleetdesk/convsync/internal/typing"
	"github.com/fleetdesk/convsync/internal/window"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Inspector implements the inspection API over the engine's components.
type Inspector struct {
	sessionName string
	selfID      string
	startedAt   time.Time
	live        *live.Manager
	convs       *convcache.Cache
	windows     *window.Cache
	sender      *outbox.Sender
	typing      *typing.Tracker
	bus         *bus.Bus
	logger      *zap.Logger

	mu      sync.Mutex
	handles map[string]*live.Handle
}

// NewInspector creates the inspection service.
func NewInspector(sessionName, selfID string, lm *live.Manager, c *convcache.Cache, w *window.Cache,
	s *outbox.Sender, t *typing.Tracker, b *bus.Bus, logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{
		sessionName: sessionName,
		selfID:      selfID,
		startedAt:   time.Now(),
		live:        lm,
		convs:       c,
		windows:     w,
		sender:      s,
		typing:      t,
		bus:         b,
		logger:      logger,
		handles:     make(map[string]*live.Handle),
	}
}

func (s *Inspector) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encode(StatusReply{
		Session: s.sessionName,
		SelfID:  s.selfID,
		State:   string(s.live.State()),
		Live:    s.live.Live(),
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Rooms:   s.live.Rooms(),
		Windows: s.windows.LoadedIDs(),
	})
}

func (s *Inspector) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationsRequest
	if err := Decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	filter := model.Filter(req.Filter)
	switch filter {
	case model.FilterAll, model.FilterDriver, model.FilterCompany:
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown filter %q", req.Filter)
	}
	if req.Refresh {
		if err := s.convs.Refresh(ctx, filter); err != nil {
			return nil, toStatus(err)
		}
	}
	convs := s.convs.List(filter)
	reply := ConversationsReply{Conversations: make([]ConversationView, 0, len(convs))}
	for _, c := range convs {
		reply.Conversations = append(reply.Conversations, ConversationView{Conversation: c, Typing: s.typing.IsTyping(c.ID)})
	}
	return encode(reply)
}

func (s *Inspector) GetWindow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationID(in)
	if err != nil {
		return nil, err
	}
	if err := s.windows.LoadNewest(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return s.window(id)
}

func (s *Inspector) LoadOlder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationID(in)
	if err != nil {
		return nil, err
	}
	if _, err := s.windows.LoadOlder(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return s.window(id)
}

func (s *Inspector) window(id string) (*structpb.Struct, error) {
	msgs := s.windows.Snapshot(id)
	if msgs == nil {
		msgs = []model.Message{}
	}
	return encode(WindowReply{
		ConversationID: id,
		HasMore:        s.windows.HasMore(id),
		Typing:         s.typing.IsTyping(id),
		Messages:       msgs,
	})
}

// Focus holds the conversation's room open on behalf of inspection clients
// until Release. Repeated calls hold a single reference.
func (s *Inspector) Focus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationID(in)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.handles[id]; !ok {
		s.handles[id] = s.live.Focus(id)
	}
	s.mu.Unlock()
	if err := s.windows.LoadNewest(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return s.window(id)
}

func (s *Inspector) Release(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationID(in)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %s is not focused", id)
	}
	h.Release()
	return encode(Ack{})
}

func (s *Inspector) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := Decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	draft := outbox.Draft{
		ConversationID: req.ConversationID,
		Recipient:      model.Recipient{Kind: model.RecipientKind(req.RecipientType), ID: req.RecipientID},
		Content:        req.Content,
	}
	var (
		tempID string
		err    error
	)
	if req.AlertType != "" {
		tempID, err = s.sender.SendAlert(ctx, draft, model.AlertKind(req.AlertType))
	} else {
		tempID, err = s.sender.Send(ctx, draft)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(SendReply{TempID: tempID})
}

func (s *Inspector) Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RetryRequest
	if err := Decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if req.ConversationID == "" || req.TempID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id and temp_id are required")
	}
	tempID, err := s.sender.Retry(ctx, req.ConversationID, req.TempID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(SendReply{TempID: tempID})
}

func (s *Inspector) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationID(in)
	if err != nil {
		return nil, err
	}
	if err := s.convs.MarkRead(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return encode(Ack{})
}

func (s *Inspector) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationID(in)
	if err != nil {
		return nil, err
	}
	if err := s.convs.Delete(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
	return encode(Ack{})
}

// WatchEvents streams bus events until the client goes away. Events a slow
// client cannot keep up with are dropped by the bus.
func (s *Inspector) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := Decode(in, &req); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	ch, unsub := s.bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := s.event(evt)
			if err != nil {
				s.logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Inspector) event(evt bus.Event) (*structpb.Struct, error) {
	reply := EventReply{
		ID:             uuid.NewString(),
		Kind:           evt.Kind,
		ConversationID: evt.ConversationID,
		Timestamp:      evt.Timestamp,
	}
	if evt.Payload != nil {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		reply.Payload = payload
	}
	return encode(reply)
}

// Close releases every room held by inspection clients.
func (s *Inspector) Close() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*live.Handle)
	s.mu.Unlock()
	for _, h := range handles {
		h.Release()
	}
}

func conversationID(in *structpb.Struct) (string, error) {
	var req ConversationRequest
	if err := Decode(in, &req); err != nil {
		return "", grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if req.ConversationID == "" {
		return "", grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	return req.ConversationID, nil
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	case errors.Is(err, outbox.ErrEmptyDraft), errors.Is(err, outbox.ErrEmptyAlert),
		errors.Is(err, outbox.ErrNoRecipient), errors.Is(err, outbox.ErrBadAlertKind):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, convcache.ErrUnknownConversation), errors.Is(err, window.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, window.ErrNotFailed):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	}
	return grpcstatus.Error(codes.Unavailable, err.Error())
}
