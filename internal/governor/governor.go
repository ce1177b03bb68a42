package governor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartprice/price-watcher/internal/models"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// SiteRate is the token-bucket configuration for one site: Tokens is the
// burst size, RefillInterval the time to mint one token.
type SiteRate struct {
	Tokens         int
	RefillInterval time.Duration
}

// Governor gates scrape admissions behind a global concurrency cap and a
// per-site token bucket. It owns no business data, only admission state.
type Governor struct {
	global       *semaphore.Weighted
	admitTimeout time.Duration
	defaultRate  SiteRate

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rates    map[string]SiteRate
}

// New creates a governor. globalCap bounds concurrently in-flight scrapes;
// defaultRate applies to sites without an explicit override.
func New(globalCap int, defaultRate SiteRate, admitTimeout time.Duration) *Governor {
	return &Governor{
		global:       semaphore.NewWeighted(int64(globalCap)),
		admitTimeout: admitTimeout,
		defaultRate:  defaultRate,
		limiters:     make(map[string]*rate.Limiter),
		rates:        make(map[string]SiteRate),
	}
}

// SetSiteRate overrides the token bucket for one site. Takes effect for
// admissions after the call; an existing limiter is replaced.
func (g *Governor) SetSiteRate(site string, r SiteRate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rates[site] = r
	delete(g.limiters, site)
}

// Admit blocks until both a global slot and a site token are available, or
// until the admit timeout (or ctx cancellation) elapses, in which case it
// fails with a Busy error. The returned release function must be called
// exactly once; callers defer it so the slot is returned on success,
// failure, and cancellation alike.
func (g *Governor) Admit(ctx context.Context, site string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, g.admitTimeout)
	defer cancel()

	if err := g.global.Acquire(ctx, 1); err != nil {
		return nil, models.NewScrapeError(models.ErrBusy, "", site, err)
	}

	if err := g.limiterFor(site).Wait(ctx); err != nil {
		g.global.Release(1)
		logrus.Debugf("Admission for site %s timed out waiting for a token", site)
		return nil, models.NewScrapeError(models.ErrBusy, "", site, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() { g.global.Release(1) })
	}, nil
}

func (g *Governor) limiterFor(site string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.limiters[site]; ok {
		return l
	}
	r, ok := g.rates[site]
	if !ok {
		r = g.defaultRate
	}
	l := rate.NewLimiter(rate.Every(r.RefillInterval), r.Tokens)
	g.limiters[site] = l
	return l
}
