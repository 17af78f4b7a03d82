// Package rest is the HTTP client for the conversation API. It serves the
// conversation cache, the message windows and the send pipeline.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fleetdesk/convsync/internal/codec"
	"github.com/fleetdesk/convsync/internal/convcache"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/fleetdesk/convsync/internal/outbox"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client talks to the conversation API with a bearer token.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zap.Logger
}

// New creates a client for the API at baseURL. A nil hc gets a client with a
// 30 second timeout.
func New(baseURL, token string, hc *http.Client, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: u, token: token, http: hc, logger: logger}, nil
}

// ListConversations implements convcache.Fetcher.
func (c *Client) ListConversations(ctx context.Context, filter model.Filter) ([]model.Conversation, error) {
	q := url.Values{}
	if filter != model.FilterAll {
		q.Set("recipientType", string(filter))
	}
	var convs []model.Conversation
	if err := c.getJSON(ctx, c.endpoint(q, "conversations"), &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation implements convcache.Fetcher.
func (c *Client) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	var conv model.Conversation
	if err := c.getJSON(ctx, c.endpoint(nil, "conversations", id), &conv); err != nil {
		return model.Conversation{}, notFound(err)
	}
	return conv, nil
}

// MarkRead implements convcache.Fetcher.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodPut, c.endpoint(nil, "conversations", id, "read"), nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return notFound(err)
}

// DeleteConversation implements convcache.Fetcher.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.endpoint(nil, "conversations", id), nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return notFound(err)
}

// FetchMessages implements window.Fetcher. Messages come back newest first.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, take int, before time.Time) ([]model.Message, error) {
	q := url.Values{}
	q.Set("take", strconv.Itoa(take))
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(q, "conversations", conversationID, "messages"), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, notFound(err)
	}
	return codec.DecodeList(body)
}

// SendMessage implements outbox.Transport.
func (c *Client) SendMessage(ctx context.Context, r outbox.Request) (model.Message, error) {
	return c.post(ctx, "messages", r)
}

// SendAlert implements outbox.Transport.
func (c *Client) SendAlert(ctx context.Context, r outbox.Request) (model.Message, error) {
	return c.post(ctx, "alerts", r)
}

func (c *Client) post(ctx context.Context, path string, r outbox.Request) (model.Message, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	switch r.Recipient.Kind {
	case model.RecipientDriver:
		_ = mw.WriteField("driverId", r.Recipient.ID)
	case model.RecipientCompany:
		_ = mw.WriteField("companyId", r.Recipient.ID)
	default:
		return model.Message{}, fmt.Errorf("post %s: unknown recipient kind %q", path, r.Recipient.Kind)
	}
	if r.Content != "" {
		_ = mw.WriteField("content", r.Content)
	}
	if r.AlertKind != "" {
		_ = mw.WriteField("alertType", string(r.AlertKind))
	}
	if r.ClientToken != "" {
		_ = mw.WriteField("clientToken", r.ClientToken)
	}
	if r.File != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", multipart.FileContentDisposition("file", r.File.Name))
		ct := r.File.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return model.Message{}, fmt.Errorf("post %s: %w", path, err)
		}
		if _, err := part.Write(r.File.Data); err != nil {
			return model.Message{}, fmt.Errorf("post %s: %w", path, err)
		}
	}
	if err := mw.Close(); err != nil {
		return model.Message{}, fmt.Errorf("post %s: %w", path, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(nil, path), &buf)
	if err != nil {
		return model.Message{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	body, err := c.do(req)
	if err != nil {
		return model.Message{}, err
	}
	return codec.Decode(body)
}

func (c *Client) endpoint(q url.Values, segments ...string) string {
	u := c.base.JoinPath(segments...)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", req.Method, req.URL.Path, err)
	}
	c.logger.Debug("api request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &StatusError{Method: req.Method, Path: req.URL.Path, Code: resp.StatusCode, Body: msg}
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, target string, v any) error {
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", req.URL.Path, err)
	}
	return nil
}

// notFound maps a 404 to convcache.ErrUnknownConversation, keeping the
// status error in the chain.
func notFound(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %w", convcache.ErrUnknownConversation, err)
	}
	return err
}
