package scheduler

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartprice/price-watcher/internal/models"
)

// Options tunes the backoff and degradation behaviour.
type Options struct {
	BaseBackoff            time.Duration
	MaxBackoff             time.Duration
	MaxFailureStreak       int
	DegradedIntervalFactor int
}

// entry is the per-target scheduling state. Entries stay in the map for the
// life of the target (soft-disable keeps history references valid); only
// pollable entries live in the heap.
type entry struct {
	target     models.TrackedTarget
	state      models.TargetState
	nextDue    time.Time
	streak     int    // consecutive failures
	generation uint64 // bumped every time a job is emitted
	inFlight   bool
	heapIndex  int // -1 when not queued
}

// Scheduler maintains the due-time index for all tracked targets. The heap
// is keyed by next-due-at; Due pops oldest-due-first so long-overdue targets
// are never starved by fresher ones.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	queue   dueHeap
	opts    Options
	rng     *rand.Rand
}

// New creates a scheduler with the given backoff options.
func New(opts Options) *Scheduler {
	return &Scheduler{
		entries: make(map[string]*entry),
		opts:    opts,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Track adds a target or updates an already-tracked one (interval and
// target-price edits take effect on the next completion). New targets are
// due immediately. A target that was previously untracked is revived with a
// clean streak: the registry listing it again means it is back.
func (s *Scheduler) Track(t models.TrackedTarget, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[t.ID]; ok {
		e.target = t
		if e.state == models.StateRemoved {
			e.state = models.StateActive
			e.streak = 0
			e.nextDue = now
			if !e.inFlight {
				s.enqueue(e)
			}
			logrus.Infof("Target %s re-listed, tracking again", t.ID)
		}
		return
	}

	e := &entry{
		target:    t,
		state:     models.StateActive,
		nextDue:   now,
		heapIndex: -1,
	}
	s.entries[t.ID] = e
	heap.Push(&s.queue, e)
	logrus.Debugf("Tracking target %s (site=%s interval=%v)", t.ID, t.Site, t.Interval)
}

// Untrack transitions a target to the terminal Removed state. The entry is
// kept so late completions for it are recognised and discarded.
func (s *Scheduler) Untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.state = models.StateRemoved
	s.dequeue(e)
}

// Disable stops polling a target without forgetting it.
func (s *Scheduler) Disable(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.state == models.StateRemoved {
		return
	}
	e.state = models.StateDisabled
	s.dequeue(e)
}

// Enable resumes polling a disabled target; it becomes due immediately with
// a clean failure streak.
func (s *Scheduler) Enable(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.state != models.StateDisabled {
		return
	}
	e.state = models.StateActive
	e.streak = 0
	e.nextDue = now
	if !e.inFlight {
		s.enqueue(e)
	}
}

// Due returns jobs for every target whose next-due-at is at or before now,
// oldest due first. Emitted targets are marked in flight: a target never has
// more than one outstanding job.
func (s *Scheduler) Due(now time.Time) []models.ScrapeJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.ScrapeJob
	for s.queue.Len() > 0 {
		e := s.queue[0]
		if e.nextDue.After(now) {
			break
		}
		heap.Pop(&s.queue)
		e.heapIndex = -1
		e.inFlight = true
		e.generation++
		jobs = append(jobs, models.ScrapeJob{
			TargetID:    e.target.ID,
			Site:        e.target.Site,
			Locator:     e.target.Locator,
			ScheduledAt: e.nextDue,
			Attempt:     e.streak,
			Generation:  e.generation,
		})
	}
	return jobs
}

// Complete records the outcome of a job and reschedules the target.
// Completions carrying a stale generation are discarded, which makes the
// method idempotent under concurrent or duplicated completions.
func (s *Scheduler) Complete(job models.ScrapeJob, scrapeErr error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[job.TargetID]
	if !ok {
		return
	}
	if !e.inFlight || e.generation != job.Generation {
		logrus.Debugf("Discarding stale completion for target %s (gen %d, current %d)",
			job.TargetID, job.Generation, e.generation)
		return
	}
	e.inFlight = false

	if e.state == models.StateRemoved || e.state == models.StateDisabled {
		return
	}

	if scrapeErr == nil {
		if e.state == models.StateDegraded {
			logrus.Infof("Target %s recovered, back to active polling", e.target.ID)
		}
		e.state = models.StateActive
		e.streak = 0
		e.nextDue = now.Add(e.target.Interval)
		s.enqueue(e)
		return
	}

	kind := models.KindOf(scrapeErr)
	e.streak++

	if kind.IsStructural() {
		// Retrying identical content cannot help; stretch immediately and
		// wait for operator attention or a site change.
		if e.state != models.StateDegraded {
			logrus.Warnf("Target %s degraded (%s): %v", e.target.ID, kind, scrapeErr)
		}
		e.state = models.StateDegraded
		e.nextDue = now.Add(s.stretchedInterval(e))
		s.enqueue(e)
		return
	}

	if e.streak >= s.opts.MaxFailureStreak && e.state != models.StateDegraded {
		logrus.Warnf("Target %s degraded after %d consecutive failures", e.target.ID, e.streak)
		e.state = models.StateDegraded
	}

	delay := s.backoffFor(e.streak)
	if e.state == models.StateDegraded {
		if stretched := s.stretchedInterval(e); stretched > delay {
			delay = stretched
		}
	}
	e.nextDue = now.Add(delay)
	s.enqueue(e)
}

// Requeue returns an in-flight job to pending without counting an attempt.
// Used on shutdown so aborted jobs keep their original due time.
func (s *Scheduler) Requeue(job models.ScrapeJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[job.TargetID]
	if !ok || !e.inFlight || e.generation != job.Generation {
		return
	}
	e.inFlight = false
	if e.state == models.StateRemoved || e.state == models.StateDisabled {
		return
	}
	e.nextDue = job.ScheduledAt
	s.enqueue(e)
}

// Poke makes a target due immediately (manual trigger). No-op while a job
// is already in flight or the target is not pollable.
func (s *Scheduler) Poke(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.inFlight || e.state == models.StateRemoved || e.state == models.StateDisabled {
		return
	}
	if e.nextDue.After(now) {
		e.nextDue = now
		s.enqueue(e)
	}
}

// State reports a target's scheduling state and consecutive-failure streak.
func (s *Scheduler) State(id string) (models.TargetState, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return "", 0, false
	}
	return e.state, e.streak, true
}

// NextDue reports when the target will next be considered.
func (s *Scheduler) NextDue(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.nextDue, true
}

// TrackedIDs lists every non-removed target, for registry reconciliation.
func (s *Scheduler) TrackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		if e.state != models.StateRemoved {
			ids = append(ids, id)
		}
	}
	return ids
}

// backoffFor computes base×2^(streak-1) capped at MaxBackoff, with ±10%
// jitter so a burst of same-time failures does not come due in lockstep.
func (s *Scheduler) backoffFor(streak int) time.Duration {
	delay := s.opts.BaseBackoff
	for i := 1; i < streak; i++ {
		delay *= 2
		if delay >= s.opts.MaxBackoff {
			delay = s.opts.MaxBackoff
			break
		}
	}
	if delay > s.opts.MaxBackoff {
		delay = s.opts.MaxBackoff
	}
	jitter := 0.9 + 0.2*s.rng.Float64()
	delay = time.Duration(float64(delay) * jitter)
	if delay > s.opts.MaxBackoff {
		delay = s.opts.MaxBackoff
	}
	return delay
}

func (s *Scheduler) stretchedInterval(e *entry) time.Duration {
	return e.target.Interval * time.Duration(s.opts.DegradedIntervalFactor)
}

// enqueue and dequeue must be called with the mutex held.
func (s *Scheduler) enqueue(e *entry) {
	if e.heapIndex == -1 {
		heap.Push(&s.queue, e)
	} else {
		heap.Fix(&s.queue, e.heapIndex)
	}
}

func (s *Scheduler) dequeue(e *entry) {
	if e.heapIndex != -1 {
		heap.Remove(&s.queue, e.heapIndex)
		e.heapIndex = -1
	}
}
