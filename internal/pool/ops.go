package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/space"
)

// Operation is a request submitted to a pool: one of ReadRequest,
// WriteRequest, StageRequest, PinRequest or MigrateRequest.
type Operation interface {
	Kind() cost.Operation
}

// ReadRequest opens a readable replica.
type ReadRequest struct {
	ID string
}

// WriteRequest creates a replica written by a client. Size bytes are
// reserved up front; the replica may end up smaller.
type WriteRequest struct {
	ID           string
	Size         int64
	StorageClass string
	Precious     bool // must be flushed to the backing store, never evicted
}

// StageRequest restores a replica from the backing store. A zero Size is
// looked up in the namespace.
type StageRequest struct {
	ID   string
	Size int64
}

// PinRequest keeps a replica on disk for owner until Expires.
type PinRequest struct {
	ID      string
	Owner   string
	Expires time.Time
}

// MigrateRequest starts a migration job from this pool.
type MigrateRequest struct {
	Definition migration.Definition
}

func (ReadRequest) Kind() cost.Operation    { return cost.OpRead }
func (WriteRequest) Kind() cost.Operation   { return cost.OpWrite }
func (StageRequest) Kind() cost.Operation   { return cost.OpStage }
func (PinRequest) Kind() cost.Operation     { return cost.OpPin }
func (MigrateRequest) Kind() cost.Operation { return cost.OpP2PSource }

// Result holds what an operation produced. Only the field matching the
// operation is set.
type Result struct {
	Reader *Reader
	Writer *Writer
	Entry  repository.Entry
	JobID  string
}

// Submit admits op. Every operation is checked against the pool mode,
// then against the replica state, and space-consuming ones finally wait
// in the space allocator.
func (p *Pool) Submit(ctx context.Context, op Operation) (res Result, err error) {
	defer func() { p.observeOperation(op, err) }()

	if err := p.checkMode(op.Kind()); err != nil {
		return Result{}, err
	}

	switch op := op.(type) {
	case ReadRequest:
		res.Reader, err = p.read(ctx, op)
	case WriteRequest:
		res.Writer, err = p.write(ctx, op)
	case StageRequest:
		res.Entry, err = p.stage(ctx, op)
	case PinRequest:
		res.Entry, err = p.pin(op)
	case MigrateRequest:
		res.JobID, err = p.migrate(op)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownOperation, op)
	}
	return res, err
}

func (p *Pool) checkMode(op cost.Operation) error {
	m := p.mode.Mode()
	if m.IsDisabled(mode.DisabledDead) || m.IsDisabled(op.DisabledFlag()) {
		return fmt.Errorf("%w: %s in mode %s", ErrPoolDisabled, op, m)
	}
	return nil
}

func (p *Pool) observeOperation(op Operation, err error) {
	if p.metrics == nil || op == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrPoolDisabled):
		result = "disabled"
	case errors.Is(err, space.ErrTimedOut), errors.Is(err, space.ErrInterrupted):
		result = "no_space"
	default:
		result = "error"
	}
	p.metrics.Operations.WithLabelValues(op.Kind().String(), result).Inc()
}

// readableEntry returns the replica if it can be served.
func (p *Pool) readableEntry(id string) (repository.Entry, error) {
	e, err := p.repo.Get(id)
	if err != nil {
		return e, err
	}
	switch {
	case e.State == repository.Broken:
		return e, fmt.Errorf("replica %s: %w", id, migration.ErrReplicaBroken)
	case !e.State.IsReadable():
		return e, fmt.Errorf("replica %s in state %s: %w", id, e.State, ErrNotReadable)
	}
	return e, nil
}

// allocate reserves bytes, honoring the configured allocation timeout.
func (p *Pool) allocate(ctx context.Context, bytes int64) (space.Ticket, error) {
	if p.cfg.AllocationTimeout > 0 {
		return p.space.AllocateTimeout(ctx, bytes, p.cfg.AllocationTimeout)
	}
	return p.space.Allocate(ctx, bytes)
}

// discard removes a replica that never became readable.
func (p *Pool) discard(id string) {
	if _, err := p.repo.Transition(id, repository.Removed); err != nil && !errors.Is(err, repository.ErrNotFound) {
		p.logger.Warn().Err(err).Str("id", id).Msg("Failed to discard replica")
		return
	}
	if err := p.destroy(id); err != nil {
		p.logger.Warn().Err(err).Str("id", id).Msg("Failed to destroy discarded replica")
	}
}

// create adds a NEW replica, reserves size bytes for it and moves it to
// receiving. On failure the replica is gone again.
func (p *Pool) create(ctx context.Context, id, storageClass string, size int64, receiving repository.State) error {
	if size < 0 {
		return fmt.Errorf("%w: %d", space.ErrInvalidSize, size)
	}
	if _, err := p.repo.Create(id, storageClass); err != nil {
		return err
	}
	if _, err := p.allocate(ctx, size); err != nil {
		p.discard(id)
		return err
	}
	if _, err := p.repo.Transition(id, receiving); err != nil {
		// Still NEW: nothing counts against space yet.
		p.space.Free(size)
		p.discard(id)
		return err
	}
	if _, err := p.repo.SetSize(id, size); err != nil {
		p.space.Free(size)
		p.discard(id)
		return err
	}
	return nil
}

func (p *Pool) read(ctx context.Context, req ReadRequest) (*Reader, error) {
	if _, err := p.readableEntry(req.ID); err != nil {
		return nil, err
	}
	release, err := p.movers[QueueRegular].acquire(ctx)
	if err != nil {
		return nil, err
	}
	e, err := p.repo.Acquire(req.ID)
	if err != nil {
		release()
		if errors.Is(err, repository.ErrInvalidState) {
			return nil, fmt.Errorf("replica %s in state %s: %w", req.ID, e.State, ErrNotReadable)
		}
		return nil, err
	}
	if _, err := p.repo.Touch(req.ID); err != nil {
		p.repo.Release(req.ID)
		release()
		return nil, err
	}
	return &Reader{p: p, id: req.ID, size: e.Size, release: func() {
		p.repo.Release(req.ID)
		release()
	}}, nil
}

func (p *Pool) write(ctx context.Context, req WriteRequest) (*Writer, error) {
	release, err := p.movers[QueueRegular].acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.create(ctx, req.ID, req.StorageClass, req.Size, repository.ReceivingFromClient); err != nil {
		release()
		return nil, err
	}
	target := repository.Cached
	if req.Precious {
		target = repository.Precious
	}
	return &Writer{p: p, id: req.ID, reserved: req.Size, target: target, release: release}, nil
}

func (p *Pool) stage(ctx context.Context, req StageRequest) (repository.Entry, error) {
	if p.nearline == nil {
		return repository.Entry{}, ErrNoNearline
	}
	if e, err := p.readableEntry(req.ID); err == nil {
		return e, nil
	}

	size, class := req.Size, ""
	if p.ns != nil {
		attrs, err := p.ns.Lookup(ctx, req.ID)
		if err != nil {
			return repository.Entry{}, fmt.Errorf("stage %s: %w", req.ID, err)
		}
		class = attrs.StorageClass
		if size == 0 {
			size = attrs.Size
		}
	}

	release, err := p.movers[QueueStage].acquire(ctx)
	if err != nil {
		return repository.Entry{}, err
	}
	defer release()

	if err := p.create(ctx, req.ID, class, size, repository.ReceivingFromStore); err != nil {
		return repository.Entry{}, err
	}
	n, err := p.nearline.Restore(ctx, req.ID, replicaWriter{p: p, id: req.ID})
	if err == nil && n != size {
		err = fmt.Errorf("%w: restored %d bytes, expected %d", ErrSizeMismatch, n, size)
	}
	if err != nil {
		p.discard(req.ID)
		return repository.Entry{}, fmt.Errorf("stage %s: %w", req.ID, err)
	}

	e, err := p.transition(req.ID, repository.Cached)
	if err != nil {
		return e, err
	}
	p.addLocation(req.ID)
	p.logger.Info().Str("id", req.ID).Int64("size", size).Msg("Replica staged")
	return e, nil
}

func (p *Pool) pin(req PinRequest) (repository.Entry, error) {
	if _, err := p.readableEntry(req.ID); err != nil {
		return repository.Entry{}, err
	}
	owner := req.Owner
	if owner == "" {
		owner = migration.DefaultPinOwner
	}
	return p.AddSticky("pin", req.ID, owner, req.Expires)
}

func (p *Pool) migrate(req MigrateRequest) (string, error) {
	if p.migration == nil {
		return "", ErrNoTransport
	}
	return p.migration.Start(req.Definition)
}

// addLocation registers this pool as holding id.
func (p *Pool) addLocation(id string) {
	if p.ns == nil {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	if err := p.ns.AddLocation(ctx, id, p.name); err != nil {
		p.logger.Warn().Err(err).Str("id", id).Msg("Failed to register namespace location")
	}
}

// Reader reads a replica. The replica is kept on disk until Close, which
// also releases its mover.
type Reader struct {
	p       *Pool
	id      string
	size    int64
	release func()
	once    sync.Once
}

// Size returns the replica size.
func (r *Reader) Size() int64 {
	return r.size
}

func (r *Reader) ReadAt(b []byte, off int64) (int, error) {
	n, err := r.p.store.ReadAt(r.id, b, off)
	return n, r.p.checkIO(err)
}

func (r *Reader) Close() error {
	r.once.Do(r.release)
	return nil
}

// Writer writes a new replica sequentially. Exactly one of Commit or
// Abort must be called.
type Writer struct {
	p        *Pool
	id       string
	reserved int64
	target   repository.State
	release  func()

	mu      sync.Mutex
	written int64
	closed  bool
}

// Write appends b to the replica.
func (w *Writer) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrHandleClosed
	}
	if w.written+int64(len(b)) > w.reserved {
		return 0, fmt.Errorf("%w: %d bytes reserved", ErrOutOfRange, w.reserved)
	}
	n, err := w.p.store.WriteAt(w.id, b, w.written)
	w.written += int64(n)
	return n, w.p.checkIO(err)
}

// Commit makes the replica readable. Unused reserved space is returned.
func (w *Writer) Commit() (repository.Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return repository.Entry{}, ErrHandleClosed
	}
	w.closed = true
	defer w.release()

	if w.written < w.reserved {
		if _, err := w.p.repo.SetSize(w.id, w.written); err != nil {
			w.p.discard(w.id)
			return repository.Entry{}, err
		}
		w.p.space.Free(w.reserved - w.written)
	}
	e, err := w.p.transition(w.id, w.target)
	if err != nil {
		w.p.discard(w.id)
		return e, err
	}
	w.p.addLocation(w.id)
	return e, nil
}

// Abort discards the replica and its reservation.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.release()
	w.p.discard(w.id)
	return nil
}
