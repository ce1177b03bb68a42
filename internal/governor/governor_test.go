package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartprice/price-watcher/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernor_NeverExceedsGlobalCap(t *testing.T) {
	const cap = 3
	g := New(cap, SiteRate{Tokens: 100, RefillInterval: time.Microsecond}, time.Second)

	var inFlight, peak int64
	var wg sync.WaitGroup

	for i := 0; i < 40; i++ {
		wg.Add(1)
		site := []string{"a", "b", "c", "d"}[i%4]
		go func(site string) {
			defer wg.Done()
			release, err := g.Admit(context.Background(), site)
			if err != nil {
				return
			}
			defer release()

			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}(site)
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(cap))
	assert.Greater(t, atomic.LoadInt64(&peak), int64(0))
}

func TestGovernor_PerSiteRateIsEnforced(t *testing.T) {
	g := New(10, SiteRate{Tokens: 2, RefillInterval: 50 * time.Millisecond}, 5*time.Second)

	start := time.Now()
	for i := 0; i < 4; i++ {
		release, err := g.Admit(context.Background(), "slow-site")
		require.NoError(t, err)
		release()
	}
	// Burst of 2 is free; the following 2 tokens each take a refill interval.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestGovernor_BusyOnTimeout(t *testing.T) {
	g := New(1, SiteRate{Tokens: 10, RefillInterval: time.Millisecond}, 20*time.Millisecond)

	release, err := g.Admit(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	_, err = g.Admit(context.Background(), "a")
	require.Error(t, err)
	var se *models.ScrapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, models.ErrBusy, se.Kind)
}

func TestGovernor_BusyOnCallerCancellation(t *testing.T) {
	g := New(1, SiteRate{Tokens: 10, RefillInterval: time.Millisecond}, time.Minute)

	release, err := g.Admit(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = g.Admit(ctx, "a")
	require.Error(t, err)
	assert.Equal(t, models.ErrBusy, models.KindOf(err))
}

func TestGovernor_ReleaseFreesSlot(t *testing.T) {
	g := New(1, SiteRate{Tokens: 10, RefillInterval: time.Millisecond}, 50*time.Millisecond)

	release, err := g.Admit(context.Background(), "a")
	require.NoError(t, err)
	release()
	release() // double release must be harmless

	release2, err := g.Admit(context.Background(), "a")
	require.NoError(t, err)
	release2()
}

func TestGovernor_SiteOverride(t *testing.T) {
	g := New(10, SiteRate{Tokens: 1, RefillInterval: time.Hour}, 10*time.Millisecond)
	g.SetSiteRate("fast", SiteRate{Tokens: 5, RefillInterval: time.Millisecond})

	for i := 0; i < 5; i++ {
		release, err := g.Admit(context.Background(), "fast")
		require.NoError(t, err)
		release()
	}

	// The default bucket only holds one token per hour.
	release, err := g.Admit(context.Background(), "slow")
	require.NoError(t, err)
	release()
	_, err = g.Admit(context.Background(), "slow")
	assert.Equal(t, models.ErrBusy, models.KindOf(err))
}
