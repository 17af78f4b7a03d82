// Package devserver is a SQLite-backed stand-in for the conversation REST API
// and its live channel, for local development and end-to-end tests.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/fleetdesk/convsync/internal/devserver/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxUpload = 10 << 20

// Server serves the REST routes and the live channel.
type Server struct {
	db     *store.DB
	hub    *Hub
	secret []byte
	logger *zap.Logger
	router *mux.Router

	mu  sync.Mutex
	ctx context.Context
}

// New creates a server over an opened and migrated store.
func New(db *store.DB, secret []byte, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		db:     db,
		hub:    NewHub(logger.Named("hub")),
		secret: secret,
		logger: logger,
		router: mux.NewRouter(),
		ctx:    context.Background(),
	}
	s.routes()
	return s
}

// Hub returns the live channel hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run routes live frames until ctx ends. Live connections are tied to ctx.
func (s *Server) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.hub.Run(ctx)
}

func (s *Server) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Attachments are fetched by URL, without credentials.
	s.router.HandleFunc("/files/{id}", s.getFile).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.getConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.deleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/read", s.markRead).Methods(http.MethodPut)
	api.HandleFunc("/messages", s.postMessage).Methods(http.MethodPost)
	api.HandleFunc("/alerts", s.postAlert).Methods(http.MethodPost)
	api.HandleFunc("/live", s.serveLive).Methods(http.MethodGet)

	dev := api.PathPrefix("/dev").Subrouter()
	dev.HandleFunc("/conversations", s.createConversation).Methods(http.MethodPost)
	dev.HandleFunc("/conversations/{id}/inbound", s.postInbound).Methods(http.MethodPost)
	dev.HandleFunc("/conversations/{id}/typing", s.postTyping).Methods(http.MethodPost)
}

// serveLive upgrades to a websocket and runs the client until it goes away.
func (s *Server) serveLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin (dev mode)
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ctx := s.runContext()
	c := newClient(s.hub, conn, senderID(r.Context()))
	select {
	case s.hub.register <- c:
	case <-ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	go c.writePump(ctx)
	c.readPump(ctx)
}

type apiError struct {
	Error string `json:"error"`
}

func jsonResponse(w http.ResponseWriter, resp any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	marshaled, err := json.Marshal(resp)
	if err != nil {
		marshaled, _ = json.Marshal(apiError{Error: err.Error()})
		code = http.StatusInternalServerError
	}
	w.WriteHeader(code)
	_, _ = w.Write(marshaled)
}

func jsonErr(w http.ResponseWriter, err error, code int) {
	jsonResponse(w, apiError{Error: err.Error()}, code)
}

// storeErr answers with 404 for missing rows and 500 otherwise.
func (s *Server) storeErr(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		jsonErr(w, err, http.StatusNotFound)
		return
	}
	s.logger.Error("store failure", zap.String("path", r.URL.Path), zap.Error(err))
	jsonErr(w, errors.New("internal error"), http.StatusInternalServerError)
}
