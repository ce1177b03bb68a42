package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smartprice/price-watcher/internal/config"
	"github.com/smartprice/price-watcher/internal/detector"
	"github.com/smartprice/price-watcher/internal/dispatch"
	"github.com/smartprice/price-watcher/internal/governor"
	"github.com/smartprice/price-watcher/internal/models"
	"github.com/smartprice/price-watcher/internal/notify"
	"github.com/smartprice/price-watcher/internal/scheduler"
	"github.com/smartprice/price-watcher/internal/scrape"
	"github.com/smartprice/price-watcher/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stubAdapter returns a configurable observation, or fails.
type stubAdapter struct {
	mu        sync.Mutex
	price     float64
	available bool
	fetchErr  error
	parseErr  error
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Fetch(ctx context.Context, locator models.Locator) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	return []byte("page"), nil
}

func (a *stubAdapter) Parse(raw []byte, locator models.Locator) (models.PriceObservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.parseErr != nil {
		return models.PriceObservation{}, a.parseErr
	}
	return models.PriceObservation{Price: a.price, Available: a.available, Currency: "USD"}, nil
}

func (a *stubAdapter) set(price float64, available bool, fetchErr, parseErr error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.price = price
	a.available = available
	a.fetchErr = fetchErr
	a.parseErr = parseErr
}

// MockChannel is a mock implementation of the notify.Channel interface
type MockChannel struct {
	mock.Mock
	kind models.ChannelKind
}

func (m *MockChannel) Kind() models.ChannelKind { return m.kind }

func (m *MockChannel) Send(ctx context.Context, cfg models.ChannelConfig, n notify.Notification) error {
	args := m.Called(cfg, n)
	return args.Error(0)
}

func testConfig() *config.Config {
	return &config.Config{
		GlobalConcurrencyCap:   4,
		PerSiteRateTokens:      1,
		PerSiteRefillInterval:  time.Millisecond,
		AdmitTimeout:           time.Second,
		BaseBackoff:            30 * time.Second,
		MaxBackoff:             time.Hour,
		MaxFailureStreak:       5,
		DegradedIntervalFactor: 4,
		SchedulerTick:          10 * time.Millisecond,
		ScrapeWorkers:          2,
		JobTimeout:             time.Second,
		MinSignificantDeltaPct: 5.0,
		AlertCooldown:          time.Hour,
		DispatchWorkers:        1,
		DispatchQueueSize:      16,
		ChannelMaxRetries:      1,
		ChannelRetryBackoff:    time.Millisecond,
	}
}

type fixture struct {
	service *Service
	store   *storage.MemoryStore
	sched   *scheduler.Scheduler
	adapter *stubAdapter
	email   *MockChannel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()

	store := storage.NewMemoryStore()
	store.PutTarget(models.TrackedTarget{
		ID:          "t1",
		Site:        "shopsite",
		Name:        "Mechanical Keyboard",
		TargetPrice: 90,
		OwnerID:     "o1",
		Interval:    time.Hour,
		State:       models.StateActive,
		Locator:     models.Locator{URL: "https://shopsite.test/kb", Currency: "USD"},
	})
	store.PutOwner(models.Owner{
		ID:         "o1",
		Channels:   []models.ChannelConfig{{Kind: models.ChannelEmail, Address: "user@example.com"}},
		Subscribed: []models.DeltaKind{models.DeltaDrop, models.DeltaBackInStock, models.DeltaOutOfStock},
	})

	adapter := &stubAdapter{price: 100, available: true}
	adapters := scrape.NewRegistry()
	adapters.Register("shopsite", adapter)

	email := &MockChannel{kind: models.ChannelEmail}
	disp := dispatch.New(dispatch.Options{
		Workers:       cfg.DispatchWorkers,
		QueueSize:     cfg.DispatchQueueSize,
		AlertCooldown: cfg.AlertCooldown,
		MaxRetries:    cfg.ChannelMaxRetries,
		RetryBackoff:  cfg.ChannelRetryBackoff,
		SendTimeout:   time.Second,
	}, store, store, store)
	disp.RegisterChannel(email)
	disp.Start()

	sched := scheduler.New(scheduler.Options{
		BaseBackoff:            cfg.BaseBackoff,
		MaxBackoff:             cfg.MaxBackoff,
		MaxFailureStreak:       cfg.MaxFailureStreak,
		DegradedIntervalFactor: cfg.DegradedIntervalFactor,
	})

	gov := governor.New(cfg.GlobalConcurrencyCap,
		governor.SiteRate{Tokens: cfg.PerSiteRateTokens, RefillInterval: cfg.PerSiteRefillInterval},
		cfg.AdmitTimeout)

	det := detector.New(cfg.MinSignificantDeltaPct, cfg.MinSignificantDeltaAbs)

	service := NewService(cfg, sched, gov, adapters, det, disp, store, store, nil)
	return &fixture{service: service, store: store, sched: sched, adapter: adapter, email: email}
}

// runDue pops everything due at the given instant and runs it inline.
func (f *fixture) runDue(t *testing.T, now time.Time) int {
	t.Helper()
	jobs := f.sched.Due(now)
	for _, job := range jobs {
		f.service.runJob(context.Background(), job)
	}
	return len(jobs)
}

func TestService_FirstScrapeRecordsWithoutAlerting(t *testing.T) {
	f := newFixture(t)
	f.email.On("Send", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.Equal(t, 1, f.runDue(t, time.Now()))
	f.service.dispatch.Stop()

	obs, err := f.store.Latest(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, obs)
	assert.Equal(t, 100.0, obs.Price)
	assert.Equal(t, "stub", obs.Source)

	f.email.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	assert.Empty(t, f.store.Alerts())
}

func TestService_SignificantDropProducesOneAlert(t *testing.T) {
	f := newFixture(t)
	f.email.On("Send", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.Equal(t, 1, f.runDue(t, time.Now()))

	// Not due again until the interval elapses.
	assert.Zero(t, f.runDue(t, time.Now()))

	f.adapter.set(85, true, nil, nil)
	next, ok := f.sched.NextDue("t1")
	require.True(t, ok)
	require.Equal(t, 1, f.runDue(t, next))
	f.service.dispatch.Stop()

	f.email.AssertNumberOfCalls(t, "Send", 1)
	records := f.store.Alerts()
	require.Len(t, records, 1)
	assert.Equal(t, models.DeltaDrop, records[0].Kind)
	assert.Equal(t, models.DeliverySent, records[0].Status)

	history, err := f.store.History(context.Background(), "t1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestService_SubThresholdMoveIsNoise(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.Equal(t, 1, f.runDue(t, time.Now()))

	f.adapter.set(97, true, nil, nil) // 3% move, threshold is 5%
	next, _ := f.sched.NextDue("t1")
	require.Equal(t, 1, f.runDue(t, next))
	f.service.dispatch.Stop()

	f.email.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	assert.Empty(t, f.store.Alerts())
}

func TestService_OutOfStockThenBackInStock(t *testing.T) {
	f := newFixture(t)
	f.email.On("Send", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.Equal(t, 1, f.runDue(t, time.Now()))

	f.adapter.set(0, false, nil, nil)
	next, _ := f.sched.NextDue("t1")
	require.Equal(t, 1, f.runDue(t, next))

	f.adapter.set(100, true, nil, nil)
	next, _ = f.sched.NextDue("t1")
	require.Equal(t, 1, f.runDue(t, next))
	f.service.dispatch.Stop()

	f.email.AssertNumberOfCalls(t, "Send", 2)
	kinds := make(map[models.DeltaKind]bool)
	for _, rec := range f.store.Alerts() {
		kinds[rec.Kind] = true
	}
	assert.True(t, kinds[models.DeltaOutOfStock])
	assert.True(t, kinds[models.DeltaBackInStock])
}

func TestService_RepeatedFailuresDegradeThenRecover(t *testing.T) {
	f := newFixture(t)
	f.adapter.set(0, false, errors.New("connection refused"), nil)

	require.NoError(t, f.service.RefreshTargets(context.Background()))

	for i := 0; i < 5; i++ {
		next, ok := f.sched.NextDue("t1")
		require.True(t, ok)
		require.Equal(t, 1, f.runDue(t, next), "attempt %d should be due", i+1)
	}

	state, streak, ok := f.sched.State("t1")
	require.True(t, ok)
	assert.Equal(t, models.StateDegraded, state)
	assert.Equal(t, 5, streak)

	f.adapter.set(100, true, nil, nil)
	next, _ := f.sched.NextDue("t1")
	require.Equal(t, 1, f.runDue(t, next))
	f.service.dispatch.Stop()

	state, streak, _ = f.sched.State("t1")
	assert.Equal(t, models.StateActive, state)
	assert.Zero(t, streak)
}

func TestService_LayoutChangeDegradesImmediately(t *testing.T) {
	f := newFixture(t)
	f.adapter.set(0, true, nil,
		models.NewScrapeError(models.ErrLayoutChanged, "", "shopsite", errors.New("price selector matched nothing")))

	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.Equal(t, 1, f.runDue(t, time.Now()))
	f.service.dispatch.Stop()

	state, streak, ok := f.sched.State("t1")
	require.True(t, ok)
	assert.Equal(t, models.StateDegraded, state)
	assert.Equal(t, 1, streak)
}

func TestService_UnsupportedSiteDegradesWithoutScraping(t *testing.T) {
	f := newFixture(t)
	f.store.PutTarget(models.TrackedTarget{
		ID:       "t2",
		Site:     "nosuchsite",
		OwnerID:  "o1",
		Interval: time.Hour,
		State:    models.StateActive,
	})

	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.ElementsMatch(t, []string{"t1", "t2"}, f.sched.TrackedIDs())

	require.Equal(t, 2, f.runDue(t, time.Now()))
	f.service.dispatch.Stop()

	state, _, ok := f.sched.State("t2")
	require.True(t, ok)
	assert.Equal(t, models.StateDegraded, state)

	obs, err := f.store.Latest(context.Background(), "t2")
	require.NoError(t, err)
	assert.Nil(t, obs, "no adapter means no fetch and no observation")
}

func TestService_EditedSiteRecoversAfterFix(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.Equal(t, 1, f.runDue(t, time.Now()))

	// A bad site edit must not remove the target, only degrade it.
	broken, err := f.store.Get(context.Background(), "t1")
	require.NoError(t, err)
	broken.Site = "nosuchsite"
	f.store.PutTarget(*broken)
	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.ElementsMatch(t, []string{"t1"}, f.sched.TrackedIDs())

	next, ok := f.sched.NextDue("t1")
	require.True(t, ok)
	require.Equal(t, 1, f.runDue(t, next))
	state, _, _ := f.sched.State("t1")
	require.Equal(t, models.StateDegraded, state)

	// Fixing the site identifier brings polling back without a restart.
	broken.Site = "shopsite"
	f.store.PutTarget(*broken)
	require.NoError(t, f.service.RefreshTargets(context.Background()))

	next, ok = f.sched.NextDue("t1")
	require.True(t, ok)
	require.Equal(t, 1, f.runDue(t, next))
	f.service.dispatch.Stop()

	state, streak, _ := f.sched.State("t1")
	assert.Equal(t, models.StateActive, state)
	assert.Zero(t, streak)
}

func TestService_RefreshUntracksAndRelistRestores(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.ElementsMatch(t, []string{"t1"}, f.sched.TrackedIDs())
	original, err := f.store.Get(context.Background(), "t1")
	require.NoError(t, err)

	f.store.RemoveTarget("t1")
	require.NoError(t, f.service.RefreshTargets(context.Background()))
	assert.Empty(t, f.sched.TrackedIDs())

	// Listing the target again revives it and it is polled once more.
	f.store.PutTarget(*original)
	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.ElementsMatch(t, []string{"t1"}, f.sched.TrackedIDs())
	assert.Equal(t, 1, f.runDue(t, time.Now()))
	f.service.dispatch.Stop()
}

func TestService_ShutdownRequeuesWithoutCountingAttempt(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.service.RefreshTargets(context.Background()))
	jobs := f.sched.Due(time.Now())
	require.Len(t, jobs, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.service.runJob(ctx, jobs[0])
	f.service.dispatch.Stop()

	_, streak, ok := f.sched.State("t1")
	require.True(t, ok)
	assert.Zero(t, streak, "aborted job must not count as a failure")

	next, ok := f.sched.NextDue("t1")
	require.True(t, ok)
	assert.Equal(t, jobs[0].ScheduledAt, next, "job keeps its original due time")
}

func TestService_TriggerScrape(t *testing.T) {
	f := newFixture(t)
	f.email.On("Send", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.Equal(t, 1, f.runDue(t, time.Now()))

	// Next poll is an hour out; a manual trigger pulls it forward.
	require.NoError(t, f.service.TriggerScrape(context.Background(), "t1"))
	assert.Equal(t, 1, f.runDue(t, time.Now()))
	f.service.dispatch.Stop()

	assert.Error(t, f.service.TriggerScrape(context.Background(), "ghost"))
}

func TestService_MetricsTrackOutcomes(t *testing.T) {
	f := newFixture(t)
	f.email.On("Send", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.service.RefreshTargets(context.Background()))
	require.Equal(t, 1, f.runDue(t, time.Now()))

	f.adapter.set(0, false, errors.New("connection refused"), nil)
	next, _ := f.sched.NextDue("t1")
	require.Equal(t, 1, f.runDue(t, next))
	f.service.dispatch.Stop()

	f.service.mu.RLock()
	defer f.service.mu.RUnlock()
	assert.Equal(t, 2, f.service.metrics.TotalScrapes)
	assert.Equal(t, 1, f.service.metrics.Successes)
	assert.Equal(t, 1, f.service.metrics.Failures[string(models.ErrNetwork)])
	assert.Equal(t, 2, f.service.metrics.SiteScrapes["shopsite"])
	assert.Equal(t, 1, f.service.metrics.TrackedTargets)
	assert.Equal(t, 1, f.service.metrics.ChangesDetected[string(models.DeltaFirstObservation)])
}
