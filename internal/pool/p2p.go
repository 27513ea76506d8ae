package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/space"
	"github.com/diskpool/diskpool/internal/transport"
)

// Pool-to-pool wire payloads. Chunk data is zstd compressed.
type (
	p2pBeginReply struct {
		TransferID string `json:"transfer_id"`
	}
	p2pWriteRequest struct {
		TransferID string `json:"transfer_id"`
		Offset     int64  `json:"offset"`
		Data       []byte `json:"data"`
	}
	p2pCommitRequest struct {
		TransferID string `json:"transfer_id"`
		Checksum   uint64 `json:"checksum"`
	}
	p2pTransferRequest struct {
		TransferID string `json:"transfer_id"`
	}
	p2pAbortReply struct {
		Committed bool `json:"committed"`
	}
)

const verifyChunk = 1 << 20

var (
	encoderPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

func compress(data []byte) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func decompress(data []byte) ([]byte, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// incomingTransfer is a replica being received from another pool.
type incomingTransfer struct {
	id      string
	replica string
	source  string
	size    int64
	state   repository.State
	sticky  []repository.StickyRecord
	release func()

	lastActive atomic.Int64 // unix nanos

	mu   sync.Mutex // serializes writes, commit and abort
	done bool
}

func (t *incomingTransfer) touch(now time.Time) {
	t.lastActive.Store(now.UnixNano())
}

// p2pServer is the destination side of pool-to-pool transfers.
type p2pServer struct {
	p *Pool

	mu        sync.Mutex
	transfers map[string]*incomingTransfer
	committed map[string]time.Time // recently committed transfer IDs
}

func newP2PServer(p *Pool) *p2pServer {
	return &p2pServer{
		p:         p,
		transfers: make(map[string]*incomingTransfer),
		committed: make(map[string]time.Time),
	}
}

func (s *p2pServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}

func (s *p2pServer) get(id string) (*incomingTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	return t, nil
}

// begin reserves space and creates the incoming replica.
func (s *p2pServer) begin(ctx context.Context, req migration.BeginRequest) (string, error) {
	p := s.p
	m := p.mode.Mode()
	if m.IsDisabled(mode.DisabledDead) || m.IsDisabled(mode.DisabledP2PClient) {
		return "", fmt.Errorf("%w: p2p destination in mode %s", ErrPoolDisabled, m)
	}
	if e, err := p.repo.Get(req.ID); err == nil {
		if e.State.IsReadable() {
			return "", fmt.Errorf("replica %s: %w", req.ID, migration.ErrReplicaExists)
		}
		return "", fmt.Errorf("replica %s in state %s: %w", req.ID, e.State, repository.ErrExists)
	}
	switch req.State {
	case repository.Cached, repository.Precious:
	default:
		return "", fmt.Errorf("%w: target state %s", repository.ErrInvalidState, req.State)
	}

	release, err := p.movers[QueueP2P].acquire(ctx)
	if err != nil {
		return "", err
	}
	if err := p.create(ctx, req.ID, req.StorageClass, req.Size, repository.ReceivingFromClient); err != nil {
		release()
		s.observe("rejected")
		return "", err
	}
	if _, err := p.store.WriteAt(req.ID, nil, 0); err != nil {
		release()
		p.discard(req.ID)
		return "", p.checkIO(err)
	}

	t := &incomingTransfer{
		id:      uuid.NewString(),
		replica: req.ID,
		source:  req.Source,
		size:    req.Size,
		state:   req.State,
		sticky:  req.Sticky,
		release: release,
	}
	t.touch(p.clock())

	s.mu.Lock()
	s.transfers[t.id] = t
	s.mu.Unlock()

	p.logger.Debug().
		Str("transfer", t.id).
		Str("id", req.ID).
		Str("source", req.Source).
		Int64("size", req.Size).
		Msg("Incoming transfer started")
	return t.id, nil
}

func (s *p2pServer) write(req p2pWriteRequest) error {
	t, err := s.get(req.TransferID)
	if err != nil {
		return err
	}
	data, err := decompress(req.Data)
	if err != nil {
		return fmt.Errorf("decode chunk: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTransferClosed
	}
	if req.Offset < 0 || req.Offset+int64(len(data)) > t.size {
		return fmt.Errorf("%w: %d bytes at %d of %d", ErrOutOfRange, len(data), req.Offset, t.size)
	}
	if _, err := s.p.store.WriteAt(t.replica, data, req.Offset); err != nil {
		return s.p.checkIO(err)
	}
	t.touch(s.p.clock())
	if s.p.metrics != nil {
		s.p.metrics.P2PBytes.Add(float64(len(data)))
	}
	return nil
}

// commit verifies the received data and makes the replica readable. A
// checksum mismatch marks the replica BROKEN and removes it.
func (s *p2pServer) commit(req p2pCommitRequest) error {
	p := s.p
	t, err := s.get(req.TransferID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTransferClosed
	}

	sum, err := s.checksum(t)
	if err != nil {
		s.rollbackLocked(t, "failed")
		return err
	}
	if sum != req.Checksum {
		if _, err := p.transition(t.replica, repository.Broken); err != nil {
			p.logger.Warn().Err(err).Str("id", t.replica).Msg("Failed to mark replica broken")
		}
		p.audit.LogIntegrity(p.name, t.replica,
			fmt.Sprintf("checksum mismatch on transfer from %s: got %016x, want %016x", t.source, sum, req.Checksum))
		s.rollbackLocked(t, "checksum")
		return fmt.Errorf("replica %s: %w", t.replica, migration.ErrChecksum)
	}

	if _, err := p.transition(t.replica, t.state); err != nil {
		s.rollbackLocked(t, "failed")
		return err
	}
	now := p.clock()
	for _, rec := range t.sticky {
		if !rec.IsValid(now) {
			continue
		}
		if _, err := p.repo.AddSticky(t.replica, rec.Owner, rec.Expires); err != nil {
			p.logger.Warn().Err(err).Str("id", t.replica).Str("owner", rec.Owner).Msg("Failed to copy sticky record")
		}
	}

	t.done = true
	s.mu.Lock()
	delete(s.transfers, t.id)
	s.committed[t.id] = now
	s.mu.Unlock()
	t.release()

	p.addLocation(t.replica)
	s.observe("committed")
	p.logger.Info().Str("id", t.replica).Str("source", t.source).Int64("size", t.size).Msg("Incoming transfer committed")
	return nil
}

func (s *p2pServer) checksum(t *incomingTransfer) (uint64, error) {
	h := xxhash.New()
	buf := make([]byte, verifyChunk)
	for off := int64(0); off < t.size; {
		n := len(buf)
		if rem := t.size - off; rem < int64(n) {
			n = int(rem)
		}
		read, err := s.p.store.ReadAt(t.replica, buf[:n], off)
		_, _ = h.Write(buf[:read])
		if read < n {
			// Missing data simply fails the comparison.
			if err != nil && !errors.Is(err, io.EOF) {
				return 0, s.p.checkIO(err)
			}
			break
		}
		off += int64(n)
	}
	return h.Sum64(), nil
}

// abort rolls the transfer back. It reports committed when the transfer
// had already been committed.
func (s *p2pServer) abort(id string) bool {
	s.mu.Lock()
	_, committed := s.committed[id]
	t, ok := s.transfers[id]
	s.mu.Unlock()
	if committed {
		return true
	}
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		s.rollbackLocked(t, "aborted")
	}
	return false
}

func (s *p2pServer) ping(id string) error {
	s.mu.Lock()
	t, ok := s.transfers[id]
	_, committed := s.committed[id]
	s.mu.Unlock()
	switch {
	case ok:
		t.touch(s.p.clock())
		return nil
	case committed:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTransferNotFound, id)
}

// rollbackLocked removes the incoming replica and frees its space. t.mu
// must be held.
func (s *p2pServer) rollbackLocked(t *incomingTransfer, result string) {
	t.done = true
	s.mu.Lock()
	delete(s.transfers, t.id)
	s.mu.Unlock()

	s.p.discard(t.replica)
	t.release()
	s.observe(result)
	s.p.logger.Debug().Str("transfer", t.id).Str("id", t.replica).Str("result", result).Msg("Incoming transfer rolled back")
}

// expireIdle rolls back transfers the source stopped talking to and
// forgets old commit records.
func (s *p2pServer) expireIdle(now time.Time, idle time.Duration) int {
	cutoff := now.Add(-idle)

	s.mu.Lock()
	var stale []*incomingTransfer
	for _, t := range s.transfers {
		if time.Unix(0, t.lastActive.Load()).Before(cutoff) {
			stale = append(stale, t)
		}
	}
	for id, at := range s.committed {
		if at.Before(cutoff) {
			delete(s.committed, id)
		}
	}
	s.mu.Unlock()

	expired := 0
	for _, t := range stale {
		t.mu.Lock()
		if !t.done && time.Unix(0, t.lastActive.Load()).Before(cutoff) {
			s.rollbackLocked(t, "expired")
			s.p.logger.Warn().Str("id", t.replica).Str("source", t.source).Msg("Incoming transfer expired")
			expired++
		}
		t.mu.Unlock()
	}
	return expired
}

func (s *p2pServer) abortAll() {
	s.mu.Lock()
	all := make([]*incomingTransfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		all = append(all, t)
	}
	s.mu.Unlock()

	for _, t := range all {
		t.mu.Lock()
		if !t.done {
			s.rollbackLocked(t, "aborted")
		}
		t.mu.Unlock()
	}
}

func (s *p2pServer) observe(result string) {
	if s.p.metrics != nil {
		s.p.metrics.P2PTransfers.WithLabelValues(result).Inc()
	}
}

// p2pClient is the source side of pool-to-pool transfers.
type p2pClient struct {
	t transport.Transport
}

func newP2PClient(t transport.Transport) *p2pClient {
	return &p2pClient{t: t}
}

func (c *p2pClient) Begin(ctx context.Context, pool string, req migration.BeginRequest) (migration.Transfer, error) {
	var reply p2pBeginReply
	if err := transport.Call(ctx, c.t, pool, transport.TypeP2PBegin, req, &reply); err != nil {
		if refusedByDestination(err) {
			return nil, fmt.Errorf("%w: %w", migration.ErrDestinationUnavailable, err)
		}
		return nil, err
	}
	return &remoteTransfer{t: c.t, pool: pool, id: reply.TransferID}, nil
}

// refusedByDestination reports whether a begin failed because the target
// pool's mode or space changed after it was selected.
func refusedByDestination(err error) bool {
	return errors.Is(err, ErrPoolDisabled) ||
		errors.Is(err, mode.ErrPoolDead) ||
		errors.Is(err, space.ErrTimedOut) ||
		errors.Is(err, space.ErrInterrupted) ||
		errors.Is(err, space.ErrExceedsCapacity)
}

// remoteTransfer is a transfer to another pool.
type remoteTransfer struct {
	t    transport.Transport
	pool string
	id   string
}

func (r *remoteTransfer) Write(ctx context.Context, off int64, p []byte) error {
	return transport.Call(ctx, r.t, r.pool, transport.TypeP2PWrite,
		p2pWriteRequest{TransferID: r.id, Offset: off, Data: compress(p)}, nil)
}

func (r *remoteTransfer) Commit(ctx context.Context, checksum uint64) error {
	return transport.Call(ctx, r.t, r.pool, transport.TypeP2PCommit,
		p2pCommitRequest{TransferID: r.id, Checksum: checksum}, nil)
}

func (r *remoteTransfer) Abort(ctx context.Context) (bool, error) {
	var reply p2pAbortReply
	err := transport.Call(ctx, r.t, r.pool, transport.TypeP2PAbort, p2pTransferRequest{TransferID: r.id}, &reply)
	return reply.Committed, err
}

func (r *remoteTransfer) Ping(ctx context.Context) error {
	return transport.Call(ctx, r.t, r.pool, transport.TypeP2PPing, p2pTransferRequest{TransferID: r.id}, nil)
}
