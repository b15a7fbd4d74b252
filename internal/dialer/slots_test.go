package dialer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

func TestMemoryPoolCampaignCap(t *testing.T) {
	pool := NewMemoryPool(10)
	campaignID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := pool.Acquire(ctx, campaignID, 3); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := pool.Acquire(ctx, campaignID, 3); !apperrors.Is(err, apperrors.ErrSlotUnavailable) {
		t.Fatalf("acquire beyond campaign cap = %v, want slot unavailable", err)
	}
	if got := pool.InUse(campaignID); got != 3 {
		t.Fatalf("in use after rejected acquire = %d, want 3", got)
	}

	if err := pool.Release(ctx, campaignID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := pool.Acquire(ctx, campaignID, 3); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestMemoryPoolGlobalCap(t *testing.T) {
	pool := NewMemoryPool(2)
	a, b := uuid.New(), uuid.New()
	ctx := context.Background()

	if err := pool.Acquire(ctx, a, 5); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := pool.Acquire(ctx, b, 5); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if err := pool.Acquire(ctx, a, 5); !apperrors.Is(err, apperrors.ErrSlotUnavailable) {
		t.Fatalf("acquire beyond global cap = %v, want slot unavailable", err)
	}
	if got := pool.GlobalInUse(); got != 2 {
		t.Fatalf("global in use = %d, want 2", got)
	}
	// the rejected acquire must not leak the campaign counter either
	if got := pool.InUse(a); got != 1 {
		t.Fatalf("campaign in use after rejection = %d, want 1", got)
	}
}

func TestMemoryPoolConcurrentNeverExceedsCap(t *testing.T) {
	const cap = 4
	pool := NewMemoryPool(100)
	campaignID := uuid.New()
	ctx := context.Background()

	var live, max atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				err := pool.Acquire(ctx, campaignID, cap)
				if apperrors.Is(err, apperrors.ErrSlotUnavailable) {
					continue
				}
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				cur := live.Add(1)
				for {
					m := max.Load()
					if cur <= m || max.CompareAndSwap(m, cur) {
						break
					}
				}
				live.Add(-1)
				if err := pool.Release(ctx, campaignID); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if max.Load() > cap {
		t.Fatalf("observed %d concurrent leases, cap is %d", max.Load(), cap)
	}
	if pool.InUse(campaignID) != 0 || pool.GlobalInUse() != 0 {
		t.Fatalf("leaked leases: campaign=%d global=%d", pool.InUse(campaignID), pool.GlobalInUse())
	}
}

func TestMemoryPoolZeroLimitsUnbounded(t *testing.T) {
	pool := NewMemoryPool(0)
	campaignID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := pool.Acquire(ctx, campaignID, 0); err != nil {
			t.Fatalf("unbounded acquire %d rejected: %v", i, err)
		}
	}
}
