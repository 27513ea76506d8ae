package namespace

import (
	"context"

	"github.com/diskpool/diskpool/internal/transport"
)

type lookupRequest struct {
	ID string `json:"id"`
}

type locationRequest struct {
	ID   string `json:"id"`
	Pool string `json:"pool"`
}

// Client reaches a namespace hosted on another node.
type Client struct {
	t    transport.Transport
	dest string
}

// NewClient creates a namespace client talking to dest.
func NewClient(t transport.Transport, dest string) *Client {
	return &Client{t: t, dest: dest}
}

func (c *Client) Lookup(ctx context.Context, id string) (FileAttributes, error) {
	var attrs FileAttributes
	err := transport.Call(ctx, c.t, c.dest, transport.TypeNsLookup, lookupRequest{ID: id}, &attrs)
	return attrs, err
}

func (c *Client) AddLocation(ctx context.Context, id, pool string) error {
	return transport.Call(ctx, c.t, c.dest, transport.TypeNsAddLocation, locationRequest{ID: id, Pool: pool}, nil)
}

func (c *Client) RemoveLocation(ctx context.Context, id, pool string) error {
	return transport.Call(ctx, c.t, c.dest, transport.TypeNsRemoveLocation, locationRequest{ID: id, Pool: pool}, nil)
}

var _ Service = (*Client)(nil)

// RegisterHandlers serves svc on mux.
func RegisterHandlers(mux *transport.Mux, self string, svc Service) {
	mux.Handle(transport.TypeNsLookup, func(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
		var req lookupRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		attrs, err := svc.Lookup(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return msg.Reply(self, attrs)
	})
	mux.Handle(transport.TypeNsAddLocation, func(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
		var req locationRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		if err := svc.AddLocation(ctx, req.ID, req.Pool); err != nil {
			return nil, err
		}
		return msg.Reply(self, nil)
	})
	mux.Handle(transport.TypeNsRemoveLocation, func(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
		var req locationRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		if err := svc.RemoveLocation(ctx, req.ID, req.Pool); err != nil {
			return nil, err
		}
		return msg.Reply(self, nil)
	})
}
