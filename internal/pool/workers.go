package pool

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/transport"
)

// reclaimer destroys REMOVED replicas and returns their space.
func (p *Pool) reclaimer(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.reclaimNow:
		case <-ticker.C:
		}
		p.reclaim()
	}
}

// reclaim destroys all REMOVED replicas and returns how many it freed.
func (p *Pool) reclaim() int {
	n := 0
	for _, e := range p.repo.List() {
		if e.State != repository.Removed {
			continue
		}
		if err := p.destroy(e.ID); err != nil {
			if !errors.Is(err, repository.ErrInUse) {
				p.logger.Warn().Err(err).Str("id", e.ID).Msg("Failed to reclaim replica")
			}
			continue
		}
		n++
	}
	return n
}

// sweeper evicts cached replicas while space requests are waiting.
func (p *Pool) sweeper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.sweepNow:
		case <-ticker.C:
		}
		p.sweep()
	}
}

// sweep evicts least recently used evictable replicas until the queued
// allocations fit. It returns the number of bytes evicted.
func (p *Pool) sweep() int64 {
	u := p.space.Usage()
	needed := u.Pending - u.Free
	if needed <= 0 {
		return 0
	}

	var freed int64
	now := p.clock()
	for _, e := range p.repo.Evictable(now) {
		if freed >= needed {
			break
		}
		if _, err := p.repo.Evict(e.ID, now); err != nil {
			// Opened, pinned or removed meanwhile.
			continue
		}
		if err := p.destroy(e.ID); err != nil {
			p.logger.Warn().Err(err).Str("id", e.ID).Msg("Failed to destroy evicted replica")
			continue
		}
		freed += e.Size
		if p.metrics != nil {
			p.metrics.Evictions.Inc()
			p.metrics.EvictedBytes.Add(float64(e.Size))
		}
		p.logger.Debug().Str("id", e.ID).Int64("size", e.Size).Msg("Replica evicted")
	}
	if freed < needed {
		p.logger.Warn().Int64("needed", needed).Int64("freed", freed).Msg("Not enough evictable replicas")
	}
	return freed
}

// housekeeping expires sticky records and idle incoming transfers.
func (p *Pool) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := p.clock()
			if n := p.repo.ExpireSticky(now); n > 0 {
				p.logger.Debug().Int("replicas", n).Msg("Expired sticky records")
				signal(p.sweepNow)
			}
			p.incoming.expireIdle(now, p.cfg.TransferIdleTimeout)
			p.updateMoverMetrics()
		}
	}
}

func (p *Pool) updateMoverMetrics() {
	if p.metrics == nil {
		return
	}
	for name, q := range p.movers.info() {
		p.metrics.Movers.WithLabelValues(name).Set(float64(q.Active))
	}
}

// publisher sends the cost snapshot to every manager.
func (p *Pool) publisher(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	p.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.publishNow:
		case <-ticker.C:
		}
		p.publish(ctx)
	}
}

// publish fans the current snapshot out to all managers.
func (p *Pool) publish(ctx context.Context) {
	info := p.CostInfo()
	if p.metrics != nil {
		p.metrics.SpaceCost.Set(info.SpaceCost())
		p.metrics.PerformanceCost.Set(info.PerformanceCost())
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishInterval)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, manager := range p.cfg.Managers {
		g.Go(func() error {
			err := transport.Call(gctx, p.transport, manager, transport.TypeCostUpdate, info, nil)
			if err != nil {
				p.logger.Debug().Err(err).Str("manager", manager).Msg("Failed to publish cost")
			}
			return nil
		})
	}
	_ = g.Wait()
}
