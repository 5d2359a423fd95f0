package pool

import (
	"context"
	"time"
)

// startMaintenance launches the background loops: the house-keeper, the
// keepalive validator and, when enabled, the adaptive sizer. Each loop owns
// one ticker and stops with the pool.
func (p *Pool) startMaintenance() {
	if p.cfg.MaintenanceInterval > 0 {
		p.wg.Add(1)
		go p.houseKeeperLoop()
	}
	if p.cfg.KeepaliveTime > 0 {
		p.wg.Add(1)
		go p.keepaliveLoop()
	}
	if p.cfg.AdaptiveSizing && p.cfg.AdaptiveInterval > 0 {
		p.wg.Add(1)
		go p.adaptiveLoop()
	}
}

func (p *Pool) houseKeeperLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.houseKeep()
		case <-p.stopCh:
			return
		}
	}
}

// houseKeep evicts idle connections past idleTimeout down to the sizing
// floor, evicts anything past maxLifetime unconditionally, and tops the pool
// back up to the floor.
func (p *Pool) houseKeep() {
	now := time.Now()
	floor := p.target.Load()
	if min := p.minConns.Load(); floor < min {
		floor = min
	}
	p.bag.each(func(pc *PooledConn) {
		expired := p.cfg.MaxLifetime > 0 && now.Sub(pc.createdAt) > p.cfg.MaxLifetime
		idleTooLong := p.cfg.IdleTimeout > 0 && now.Sub(pc.LastUsedAt()) > p.cfg.IdleTimeout
		if expired {
			// Lifetime eviction ignores the floor.
			if pc.cas(StateIdle, StateReserved) {
				p.evict(pc, StateReserved)
			}
			return
		}
		if !idleTooLong {
			return
		}
		if p.total.Load() <= floor {
			return
		}
		if pc.cas(StateIdle, StateReserved) {
			// Re-check the floor now that the slot is ours; a concurrent
			// eviction may have raced us below it.
			if p.total.Load() <= floor {
				p.releaseToIdle(pc)
				return
			}
			p.evict(pc, StateReserved)
		}
	})
	p.replenish()
}

// replenish builds idle connections until the population reaches the floor.
func (p *Pool) replenish() {
	floor := p.target.Load()
	if min := p.minConns.Load(); floor < min {
		floor = min
	}
	for p.total.Load() < floor {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
		pc, err := p.create(ctx)
		cancel()
		if err != nil {
			p.log.Debug("replenish stopped", "total", p.total.Load(), "floor", floor, "err", err)
			return
		}
		p.releaseToIdle(pc)
	}
}

func (p *Pool) keepaliveLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.KeepaliveTime)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.keepalive()
		case <-p.stopCh:
			return
		}
	}
}

// keepalive revalidates idle connections whose last probe is older than the
// keepalive window. Each candidate is reserved for the probe so no user
// traffic can race it.
func (p *Pool) keepalive() {
	now := time.Now()
	p.bag.each(func(pc *PooledConn) {
		if now.Sub(pc.LastValidatedAt()) <= p.cfg.KeepaliveTime {
			return
		}
		if !pc.cas(StateIdle, StateReserved) {
			return
		}
		if err := pc.resource.Validate(p.cfg.ValidationTimeout); err != nil {
			p.log.Info("keepalive probe failed; evicting", "conn", pc.id, "err", err)
			p.evict(pc, StateReserved)
			p.signalRetry()
			return
		}
		pc.touchValidated()
		p.releaseToIdle(pc)
	})
}

// Adaptive sizing water marks: above the high mark the pool grows toward the
// ceiling, below the low mark it shrinks toward the floor, with a cooldown
// between adjustments.
const (
	sizerHighWaterMark = 0.75
	sizerLowWaterMark  = 0.25
	sizerCooldown      = 3
)

func (p *Pool) adaptiveLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.AdaptiveInterval)
	defer ticker.Stop()
	cooldown := 0
	for {
		select {
		case <-ticker.C:
			if cooldown > 0 {
				cooldown--
				continue
			}
			if p.adapt() {
				cooldown = sizerCooldown
			}
		case <-p.stopCh:
			return
		}
	}
}

// adapt measures the instantaneous inUse/total ratio and nudges the sizing
// target one step toward the matching bound. Reports whether it adjusted.
func (p *Pool) adapt() bool {
	total := p.total.Load()
	if total == 0 {
		return false
	}
	ratio := float64(p.inUse.Load()) / float64(total)
	target := p.target.Load()
	switch {
	case ratio > sizerHighWaterMark && target < p.maxConns.Load():
		p.target.Store(target + 1)
		p.log.Debug("adaptive sizer scaling up", "ratio", ratio, "target", target+1)
		p.replenish()
		return true
	case ratio < sizerLowWaterMark && target > p.minConns.Load():
		p.target.Store(target - 1)
		p.log.Debug("adaptive sizer scaling down", "ratio", ratio, "target", target-1)
		return true
	}
	return false
}
