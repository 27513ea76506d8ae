package poolmgr

import (
	"context"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/namespace"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/transport"
)

func init() {
	transport.RegisterError("unknown_pool", migration.ErrUnknownPool)
	transport.RegisterError("no_pool_available", cost.ErrNoPoolAvailable)
}

// SelectRequest asks the manager for a pool.
type SelectRequest struct {
	Operation string   `json:"operation"`
	Size      int64    `json:"size"`
	Pools     []string `json:"pools,omitempty"`
}

// SelectReply carries the chosen pool and its snapshot.
type SelectReply struct {
	Pool string            `json:"pool"`
	Info cost.PoolCostInfo `json:"info"`
}

// RegisterHandlers serves the manager's messages on mux.
func (m *Manager) RegisterHandlers(mux *transport.Mux) {
	mux.Handle(transport.TypeCostUpdate, m.handleCostUpdate)
	mux.Handle(transport.TypeCostRequest, m.handleCostRequest)
	mux.Handle(transport.TypeSelectPool, m.handleSelectPool)
	namespace.RegisterHandlers(mux, m.cfg.Name, m.ns)
}

func (m *Manager) handleCostUpdate(_ context.Context, msg *transport.Message) (*transport.Message, error) {
	var info cost.PoolCostInfo
	if err := msg.Decode(&info); err != nil {
		return nil, err
	}
	if info.Name == "" {
		info.Name = msg.From
	}
	m.Update(info)
	return msg.Reply(m.cfg.Name, nil)
}

func (m *Manager) handleCostRequest(_ context.Context, msg *transport.Message) (*transport.Message, error) {
	var req cost.Request
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	info, err := m.PoolCost(req.Pool)
	if err != nil {
		return nil, err
	}
	return msg.Reply(m.cfg.Name, info)
}

func (m *Manager) handleSelectPool(_ context.Context, msg *transport.Message) (*transport.Message, error) {
	var req SelectRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	op, err := cost.ParseOperation(req.Operation)
	if err != nil {
		return nil, err
	}
	info, err := m.Select(op, req.Size, req.Pools...)
	if err != nil {
		return nil, err
	}
	return msg.Reply(m.cfg.Name, SelectReply{Pool: info.Name, Info: info})
}

// Client talks to a pool manager.
type Client struct {
	t       transport.Transport
	manager string
}

// NewClient creates a client for the manager reachable as manager.
func NewClient(t transport.Transport, manager string) *Client {
	return &Client{t: t, manager: manager}
}

// Select asks the manager for the cheapest pool for op.
func (c *Client) Select(ctx context.Context, op cost.Operation, size int64, pools ...string) (SelectReply, error) {
	var reply SelectReply
	err := transport.Call(ctx, c.t, c.manager, transport.TypeSelectPool,
		SelectRequest{Operation: op.String(), Size: size, Pools: pools}, &reply)
	return reply, err
}

// PoolCost asks the manager for the latest snapshot of pool.
func (c *Client) PoolCost(ctx context.Context, pool string) (cost.PoolCostInfo, error) {
	var info cost.PoolCostInfo
	err := transport.Call(ctx, c.t, c.manager, transport.TypeCostRequest, cost.Request{Pool: pool}, &info)
	return info, err
}

