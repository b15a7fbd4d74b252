package dialer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

// SlotPool leases call slots. Acquire takes one global slot and one campaign
// slot in a single step, failing fast (and leaking nothing) when either pool
// is full. A full pool is reported as ErrSlotUnavailable; any other error is
// an infrastructure failure.
type SlotPool interface {
	Acquire(ctx context.Context, campaignID uuid.UUID, campaignLimit int) error
	Release(ctx context.Context, campaignID uuid.UUID) error
}

// MemoryPool is the in-process slot pool: lock-free atomic counters, one
// global and one per campaign.
type MemoryPool struct {
	globalLimit int64
	global      atomic.Int64

	mu        sync.RWMutex
	campaigns map[uuid.UUID]*atomic.Int64
}

// NewMemoryPool builds a pool bounding total system-wide concurrent calls.
func NewMemoryPool(globalLimit int) *MemoryPool {
	return &MemoryPool{
		globalLimit: int64(globalLimit),
		campaigns:   make(map[uuid.UUID]*atomic.Int64),
	}
}

func (p *MemoryPool) counter(campaignID uuid.UUID) *atomic.Int64 {
	p.mu.RLock()
	c, ok := p.campaigns[campaignID]
	p.mu.RUnlock()
	if ok {
		return c
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.campaigns[campaignID]; ok {
		return c
	}
	c = &atomic.Int64{}
	p.campaigns[campaignID] = c
	return c
}

// Acquire leases a global slot then a campaign slot, rolling back the global
// one when the campaign cap is hit.
func (p *MemoryPool) Acquire(_ context.Context, campaignID uuid.UUID, campaignLimit int) error {
	if p.globalLimit > 0 {
		if p.global.Add(1) > p.globalLimit {
			p.global.Add(-1)
			return fmt.Errorf("%w: global limit %d reached", apperrors.ErrSlotUnavailable, p.globalLimit)
		}
	}
	if campaignLimit > 0 {
		c := p.counter(campaignID)
		if c.Add(1) > int64(campaignLimit) {
			c.Add(-1)
			if p.globalLimit > 0 {
				p.global.Add(-1)
			}
			return fmt.Errorf("%w: campaign %s at cap %d", apperrors.ErrSlotUnavailable, campaignID, campaignLimit)
		}
	}
	return nil
}

// Release frees one slot pair.
func (p *MemoryPool) Release(_ context.Context, campaignID uuid.UUID) error {
	if p.globalLimit > 0 {
		if v := p.global.Add(-1); v < 0 {
			p.global.Add(1)
		}
	}
	c := p.counter(campaignID)
	if v := c.Add(-1); v < 0 {
		c.Add(1)
	}
	return nil
}

// InUse returns the campaign's current lease count, for tests and debugging.
func (p *MemoryPool) InUse(campaignID uuid.UUID) int64 {
	return p.counter(campaignID).Load()
}

// GlobalInUse returns the total lease count.
func (p *MemoryPool) GlobalInUse() int64 {
	return p.global.Load()
}
