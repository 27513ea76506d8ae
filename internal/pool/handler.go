package pool

import (
	"context"
	"fmt"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/transport"
)

// SetModeRequest changes the mode of a pool through the transport.
type SetModeRequest struct {
	Mode  string `json:"mode"`
	Actor string `json:"actor,omitempty"`
}

// SetModeReply carries the resulting mode.
type SetModeReply struct {
	Mode string `json:"mode"`
}

// RegisterHandlers serves the pool's messages on mux.
func (p *Pool) RegisterHandlers(mux *transport.Mux) {
	mux.Handle(transport.TypeCostRequest, p.handleCostRequest)
	mux.Handle(transport.TypeSetMode, p.handleSetMode)
	mux.Handle(transport.TypeP2PBegin, p.handleP2PBegin)
	mux.Handle(transport.TypeP2PWrite, p.handleP2PWrite)
	mux.Handle(transport.TypeP2PCommit, p.handleP2PCommit)
	mux.Handle(transport.TypeP2PAbort, p.handleP2PAbort)
	mux.Handle(transport.TypeP2PPing, p.handleP2PPing)
}

func (p *Pool) handleCostRequest(_ context.Context, msg *transport.Message) (*transport.Message, error) {
	var req cost.Request
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.Pool != "" && req.Pool != p.name {
		return nil, fmt.Errorf("%w: %s", migration.ErrUnknownPool, req.Pool)
	}
	return msg.Reply(p.name, p.CostInfo())
}

func (p *Pool) handleSetMode(_ context.Context, msg *transport.Message) (*transport.Message, error) {
	var req SetModeRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	m, err := mode.Parse(req.Mode)
	if err != nil {
		return nil, err
	}
	actor := req.Actor
	if actor == "" {
		actor = msg.From
	}
	if err := p.SetMode(actor, m); err != nil {
		return nil, err
	}
	return msg.Reply(p.name, SetModeReply{Mode: p.Mode().String()})
}

func (p *Pool) handleP2PBegin(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req migration.BeginRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.Source == "" {
		req.Source = msg.From
	}
	id, err := p.incoming.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return msg.Reply(p.name, p2pBeginReply{TransferID: id})
}

func (p *Pool) handleP2PWrite(_ context.Context, msg *transport.Message) (*transport.Message, error) {
	var req p2pWriteRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if err := p.incoming.write(req); err != nil {
		return nil, err
	}
	return msg.Reply(p.name, nil)
}

func (p *Pool) handleP2PCommit(_ context.Context, msg *transport.Message) (*transport.Message, error) {
	var req p2pCommitRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if err := p.incoming.commit(req); err != nil {
		return nil, err
	}
	return msg.Reply(p.name, nil)
}

func (p *Pool) handleP2PAbort(_ context.Context, msg *transport.Message) (*transport.Message, error) {
	var req p2pTransferRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	return msg.Reply(p.name, p2pAbortReply{Committed: p.incoming.abort(req.TransferID)})
}

func (p *Pool) handleP2PPing(_ context.Context, msg *transport.Message) (*transport.Message, error) {
	var req p2pTransferRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if err := p.incoming.ping(req.TransferID); err != nil {
		return nil, err
	}
	return msg.Reply(p.name, nil)
}
