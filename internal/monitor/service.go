package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/smartprice/price-watcher/internal/config"
	"github.com/smartprice/price-watcher/internal/detector"
	"github.com/smartprice/price-watcher/internal/dispatch"
	"github.com/smartprice/price-watcher/internal/governor"
	"github.com/smartprice/price-watcher/internal/models"
	"github.com/smartprice/price-watcher/internal/scheduler"
	"github.com/smartprice/price-watcher/internal/scrape"
	"github.com/smartprice/price-watcher/internal/storage"
)

// Archiver ships observation history to cold storage.
type Archiver interface {
	ArchiveSince(ctx context.Context, since time.Time) error
}

// Service owns the scrape pipeline: it polls the scheduler for due jobs,
// pushes them through a worker pool (admit, fetch, parse, append, classify,
// dispatch) and reports the outcome back to the scheduler. Calendar work
// (registry refresh, nightly archive) runs on a cron alongside the loop.
type Service struct {
	config    *config.Config
	scheduler *scheduler.Scheduler
	governor  *governor.Governor
	adapters  *scrape.Registry
	detector  *detector.Detector
	dispatch  *dispatch.Dispatcher
	history   storage.HistoryStore
	registry  storage.TargetRegistry
	archiver  Archiver // optional

	cron    *cron.Cron
	jobs    chan models.ScrapeJob
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	metrics *Metrics
	mu      sync.RWMutex
}

// Metrics holds pipeline counters, exposed on the /metrics endpoint.
type Metrics struct {
	TotalScrapes    int            `json:"total_scrapes"`
	Successes       int            `json:"successes"`
	Failures        map[string]int `json:"failures"` // by error kind
	SiteScrapes     map[string]int `json:"site_scrapes"`
	ChangesDetected map[string]int `json:"changes_detected"` // by delta kind
	AlertsSent      uint64         `json:"alerts_sent"`
	AlertsFailed    uint64         `json:"alerts_failed"`
	AlertsDropped   uint64         `json:"alerts_dropped"`
	TrackedTargets  int            `json:"tracked_targets"`
	LastScrapeAt    time.Time      `json:"last_scrape_at"`
}

// NewService wires the pipeline components together. archiver may be nil
// when no cold storage is configured.
func NewService(cfg *config.Config, sched *scheduler.Scheduler, gov *governor.Governor,
	adapters *scrape.Registry, det *detector.Detector, disp *dispatch.Dispatcher,
	history storage.HistoryStore, registry storage.TargetRegistry, archiver Archiver) *Service {
	return &Service{
		config:    cfg,
		scheduler: sched,
		governor:  gov,
		adapters:  adapters,
		detector:  det,
		dispatch:  disp,
		history:   history,
		registry:  registry,
		archiver:  archiver,
		jobs:      make(chan models.ScrapeJob, cfg.ScrapeWorkers),
		metrics: &Metrics{
			Failures:        make(map[string]int),
			SiteScrapes:     make(map[string]int),
			ChangesDetected: make(map[string]int),
		},
	}
}

// Start loads the registry, launches the dispatcher, the scrape workers, the
// scheduler loop, and the calendar jobs. It returns once everything is
// running; Stop shuts it all down.
func (s *Service) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.RefreshTargets(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to load target registry: %w", err)
	}

	s.dispatch.Start()

	for i := 0; i < s.config.ScrapeWorkers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Add(1)
	go s.loop(ctx)

	if err := s.startCalendar(ctx); err != nil {
		cancel()
		return err
	}

	logrus.Infof("Monitor started: %d scrape workers, tick %v", s.config.ScrapeWorkers, s.config.SchedulerTick)
	return nil
}

// Stop cancels the run loop, waits for workers to drain, and stops the
// calendar and dispatcher. Jobs a worker never started are requeued with
// their original due time so a restart picks them up without counting an
// attempt.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

drain:
	for {
		select {
		case job := <-s.jobs:
			s.scheduler.Requeue(job)
		default:
			break drain
		}
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.dispatch.Stop()
	logrus.Info("Monitor stopped")
}

// loop pulls due jobs from the scheduler every tick and feeds the workers.
func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, job := range s.scheduler.Due(time.Now()) {
				select {
				case s.jobs <- job:
				case <-ctx.Done():
					s.scheduler.Requeue(job)
					return
				}
			}
		}
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			s.runJob(ctx, job)
		}
	}
}

// runJob executes one scrape attempt end to end and reports the outcome to
// the scheduler. A cancellation mid-job requeues instead of completing, so
// shutdown never counts against a target's failure streak.
func (s *Service) runJob(ctx context.Context, job models.ScrapeJob) {
	if ctx.Err() != nil {
		s.scheduler.Requeue(job)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	err := s.scrape(jobCtx, job)
	if err != nil && ctx.Err() != nil {
		// Shutdown raced the job; the failure is ours, not the site's.
		s.scheduler.Requeue(job)
		return
	}

	s.scheduler.Complete(job, err, time.Now())
	s.recordScrape(job, err)
}

func (s *Service) scrape(ctx context.Context, job models.ScrapeJob) error {
	adapter, err := s.adapters.Lookup(job.Site)
	if err != nil {
		return stampTarget(err, job.TargetID)
	}

	release, err := s.governor.Admit(ctx, job.Site)
	if err != nil {
		return stampTarget(err, job.TargetID)
	}
	defer release()

	raw, err := adapter.Fetch(ctx, job.Locator)
	if err != nil {
		return stampTarget(err, job.TargetID)
	}

	obs, err := adapter.Parse(raw, job.Locator)
	if err != nil {
		return stampTarget(err, job.TargetID)
	}
	obs.TargetID = job.TargetID
	obs.ObservedAt = time.Now()
	if obs.Source == "" {
		obs.Source = adapter.Name()
	}

	// The previous observation has to be read before the new one lands.
	prev, err := s.history.Latest(ctx, job.TargetID)
	if err != nil {
		return fmt.Errorf("failed to read latest observation for %s: %w", job.TargetID, err)
	}
	if err := s.history.Append(ctx, obs); err != nil {
		return fmt.Errorf("failed to append observation for %s: %w", job.TargetID, err)
	}

	if event := s.detector.Classify(prev, obs); event != nil {
		s.recordChange(*event)
		s.dispatch.Dispatch(*event)
	}
	return nil
}

// RefreshTargets reconciles the scheduler with the target registry: new,
// edited, and re-listed targets are tracked, targets no longer listed are
// untracked. A listed target whose site has no adapter stays tracked: its
// first poll fails fast with UnsupportedSite and degrades it, so fixing the
// site identifier recovers it without a restart.
func (s *Service) RefreshTargets(ctx context.Context) error {
	targets, err := s.registry.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	listed := make(map[string]bool, len(targets))
	for _, t := range targets {
		listed[t.ID] = true
		if _, err := s.adapters.Lookup(t.Site); err != nil {
			logrus.Warnf("Target %s has no usable adapter, polling will degrade it: %v", t.ID, err)
		}

		s.scheduler.Track(t, now)
		if t.State == models.StateDisabled {
			s.scheduler.Disable(t.ID)
		} else if state, _, ok := s.scheduler.State(t.ID); ok && state == models.StateDisabled {
			// Re-enabled in the registry since the last refresh.
			s.scheduler.Enable(t.ID, now)
		}
	}

	for _, id := range s.scheduler.TrackedIDs() {
		if !listed[id] {
			logrus.Infof("Target %s no longer in registry, untracking", id)
			s.scheduler.Untrack(id)
		}
	}

	s.mu.Lock()
	s.metrics.TrackedTargets = len(listed)
	s.mu.Unlock()
	return nil
}

// TriggerScrape makes one target due immediately. Returns an error for
// unknown targets; already-pending or in-flight targets are left alone.
func (s *Service) TriggerScrape(ctx context.Context, targetID string) error {
	target, err := s.registry.Get(ctx, targetID)
	if err != nil {
		return fmt.Errorf("failed to resolve target %s: %w", targetID, err)
	}
	if target == nil {
		return fmt.Errorf("unknown target %s", targetID)
	}

	s.scheduler.Poke(targetID, time.Now())
	logrus.Infof("Manual scrape triggered for target %s", targetID)
	return nil
}

func (s *Service) startCalendar(ctx context.Context) error {
	s.cron = cron.New(cron.WithSeconds())

	_, err := s.cron.AddFunc(s.config.RegistryRefreshSchedule, func() {
		if err := s.RefreshTargets(ctx); err != nil {
			logrus.Errorf("Registry refresh failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid registry refresh schedule: %w", err)
	}

	if s.archiver != nil {
		_, err := s.cron.AddFunc(s.config.ArchiveSchedule, func() {
			// Overlap the window slightly so a slow previous run leaves no gap.
			since := time.Now().Add(-25 * time.Hour)
			if err := s.archiver.ArchiveSince(ctx, since); err != nil {
				logrus.Errorf("Observation archive failed: %v", err)
			} else {
				logrus.Info("Observation archive completed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid archive schedule: %w", err)
		}
	}

	s.cron.Start()
	return nil
}

func (s *Service) recordScrape(job models.ScrapeJob, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.TotalScrapes++
	s.metrics.SiteScrapes[job.Site]++
	s.metrics.LastScrapeAt = time.Now()
	if err == nil {
		s.metrics.Successes++
	} else {
		s.metrics.Failures[string(models.KindOf(err))]++
	}
}

func (s *Service) recordChange(event models.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.ChangesDetected[string(event.Kind)]++
}

// GetMetrics returns current pipeline metrics as JSON.
func (s *Service) GetMetrics() string {
	s.mu.RLock()
	snapshot := *s.metrics
	snapshot.Failures = copyCounts(s.metrics.Failures)
	snapshot.SiteScrapes = copyCounts(s.metrics.SiteScrapes)
	snapshot.ChangesDetected = copyCounts(s.metrics.ChangesDetected)
	s.mu.RUnlock()

	snapshot.AlertsSent, snapshot.AlertsFailed, snapshot.AlertsDropped = s.dispatch.Stats()

	data, _ := json.MarshalIndent(snapshot, "", "  ")
	return string(data)
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// stampTarget fills in the target id on taxonomy errors produced by
// components that only know the site.
func stampTarget(err error, targetID string) error {
	var se *models.ScrapeError
	if errors.As(err, &se) && se.TargetID == "" {
		se.TargetID = targetID
	}
	return err
}
