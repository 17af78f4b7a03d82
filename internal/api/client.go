package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the inspection API of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(ctx context.Context, method string, req, reply any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return Decode(out, reply)
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var r StatusReply
	err := c.call(ctx, "Status", StatusRequest{}, &r)
	return r, err
}

func (c *Client) ListConversations(ctx context.Context, filter string, refresh bool) ([]ConversationView, error) {
	var r ConversationsReply
	err := c.call(ctx, "ListConversations", ConversationsRequest{Filter: filter, Refresh: refresh}, &r)
	return r.Conversations, err
}

func (c *Client) GetWindow(ctx context.Context, conversationID string) (WindowReply, error) {
	var r WindowReply
	err := c.call(ctx, "GetWindow", ConversationRequest{ConversationID: conversationID}, &r)
	return r, err
}

func (c *Client) LoadOlder(ctx context.Context, conversationID string) (WindowReply, error) {
	var r WindowReply
	err := c.call(ctx, "LoadOlder", ConversationRequest{ConversationID: conversationID}, &r)
	return r, err
}

func (c *Client) Focus(ctx context.Context, conversationID string) (WindowReply, error) {
	var r WindowReply
	err := c.call(ctx, "Focus", ConversationRequest{ConversationID: conversationID}, &r)
	return r, err
}

func (c *Client) Release(ctx context.Context, conversationID string) error {
	return c.call(ctx, "Release", ConversationRequest{ConversationID: conversationID}, nil)
}

func (c *Client) Send(ctx context.Context, req SendRequest) (string, error) {
	var r SendReply
	err := c.call(ctx, "Send", req, &r)
	return r.TempID, err
}

func (c *Client) Retry(ctx context.Context, conversationID, tempID string) (string, error) {
	var r SendReply
	err := c.call(ctx, "Retry", RetryRequest{ConversationID: conversationID, TempID: tempID}, &r)
	return r.TempID, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.call(ctx, "MarkRead", ConversationRequest{ConversationID: conversationID}, nil)
}

func (c *Client) Delete(ctx context.Context, conversationID string) error {
	return c.call(ctx, "Delete", ConversationRequest{ConversationID: conversationID}, nil)
}

// WatchEvents streams events whose kind starts with namespace to fn until ctx
// ends or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(EventReply) error) error {
	in, err := encode(WatchRequest{Namespace: namespace})
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt EventReply
		if err := Decode(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
