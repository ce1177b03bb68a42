package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smartprice/price-watcher/internal/models"
	"github.com/smartprice/price-watcher/internal/notify"
	"github.com/smartprice/price-watcher/internal/storage"
)

// Options tunes queueing, dedup, and retry behaviour.
type Options struct {
	Workers       int
	QueueSize     int
	AlertCooldown time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	SendTimeout   time.Duration
}

// Dispatcher converts classified change events into deduplicated
// notifications. It runs decoupled from the scrape pipeline: events are
// queued and delivered by its own workers, so a slow channel never blocks
// scheduling or scraping of other targets.
type Dispatcher struct {
	opts     Options
	targets  storage.TargetRegistry
	owners   storage.OwnerDirectory
	alerts   storage.AlertStore
	channels map[models.ChannelKind]notify.Channel

	queue    chan models.ChangeEvent
	wg       sync.WaitGroup
	stopOnce sync.Once
	dropped  uint64
	sent     uint64
	failed   uint64

	keyMu    sync.Mutex
	keyLocks map[string]*keyLock
}

// keyLock serializes deliveries sharing one dedup key, so the cooldown
// check and the alert record are atomic with respect to sibling workers.
type keyLock struct {
	sync.Mutex
	refs int
}

// New creates a dispatcher. Register channels before Start.
func New(opts Options, targets storage.TargetRegistry, owners storage.OwnerDirectory, alerts storage.AlertStore) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		opts:     opts,
		targets:  targets,
		owners:   owners,
		alerts:   alerts,
		channels: make(map[models.ChannelKind]notify.Channel),
		queue:    make(chan models.ChangeEvent, opts.QueueSize),
		keyLocks: make(map[string]*keyLock),
	}
}

// lockKey takes the per-dedup-key lock, creating it on first use and
// reaping it once the last holder releases.
func (d *Dispatcher) lockKey(key string) func() {
	d.keyMu.Lock()
	l, ok := d.keyLocks[key]
	if !ok {
		l = &keyLock{}
		d.keyLocks[key] = l
	}
	l.refs++
	d.keyMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		d.keyMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.keyLocks, key)
		}
		d.keyMu.Unlock()
	}
}

// RegisterChannel makes a channel implementation available for delivery.
func (d *Dispatcher) RegisterChannel(c notify.Channel) {
	d.channels[c.Kind()] = c
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for event := range d.queue {
				d.deliver(event)
			}
		}()
	}
	logrus.Infof("Alert dispatcher started with %d workers", d.opts.Workers)
}

// Stop drains the queue and waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

// Dispatch enqueues an event without blocking the caller. When the queue is
// full the event is dropped and counted; at-most-once delivery makes that a
// legal, if regrettable, outcome.
func (d *Dispatcher) Dispatch(event models.ChangeEvent) bool {
	select {
	case d.queue <- event:
		return true
	default:
		atomic.AddUint64(&d.dropped, 1)
		logrus.Warnf("Dispatch queue full, dropping %s event for target %s", event.Kind, event.TargetID)
		return false
	}
}

// Stats reports delivery counters: sent, failed, dropped.
func (d *Dispatcher) Stats() (sent, failed, dropped uint64) {
	return atomic.LoadUint64(&d.sent), atomic.LoadUint64(&d.failed), atomic.LoadUint64(&d.dropped)
}

func (d *Dispatcher) deliver(event models.ChangeEvent) {
	// First observations are recorded in history but never alerted.
	if event.Kind == models.DeltaFirstObservation {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
	defer cancel()

	target, err := d.targets.Get(ctx, event.TargetID)
	if err != nil || target == nil {
		logrus.Errorf("Cannot resolve target %s for %s event: %v", event.TargetID, event.Kind, err)
		return
	}

	owner, err := d.owners.Owner(ctx, target.OwnerID)
	if err != nil || owner == nil {
		logrus.Errorf("Cannot resolve owner %s for target %s: %v", target.OwnerID, target.ID, err)
		return
	}

	if !owner.Subscribes(event.Kind) {
		logrus.Debugf("Owner %s not subscribed to %s events, skipping", owner.ID, event.Kind)
		return
	}

	// A drop only alerts once the price is at or under the owner's target.
	if event.Kind == models.DeltaDrop && target.TargetPrice > 0 && event.NewPrice > target.TargetPrice {
		logrus.Debugf("Drop for target %s (%.2f) still above target price %.2f, skipping",
			target.ID, event.NewPrice, target.TargetPrice)
		return
	}

	notification := notify.Notification{
		TargetID:      target.ID,
		TargetName:    target.Name,
		Kind:          event.Kind,
		PreviousPrice: event.PreviousPrice,
		NewPrice:      event.NewPrice,
		Currency:      target.Locator.Currency,
		URL:           target.Locator.URL,
		ObservedAt:    event.ObservedAt,
	}

	for _, cfg := range owner.Channels {
		d.deliverToChannel(ctx, event, cfg, notification)
	}
}

// deliverToChannel handles one channel independently: a failure here never
// aborts delivery to the owner's other channels.
func (d *Dispatcher) deliverToChannel(ctx context.Context, event models.ChangeEvent, cfg models.ChannelConfig, n notify.Notification) {
	channel, ok := d.channels[cfg.Kind]
	if !ok {
		logrus.Warnf("No %s channel registered, skipping delivery for target %s", cfg.Kind, event.TargetID)
		return
	}

	// Hold the dedup key for the whole check-send-record sequence: a
	// concurrent worker carrying the same event must observe our record.
	unlock := d.lockKey(storage.DedupKey(event.TargetID, event.Kind, cfg.Kind))
	defer unlock()

	last, found, err := d.alerts.LastDelivered(ctx, event.TargetID, event.Kind, cfg.Kind)
	if err != nil {
		logrus.Errorf("Dedup lookup failed for target %s: %v", event.TargetID, err)
	} else if found && time.Since(last) < d.opts.AlertCooldown {
		logrus.Debugf("Suppressing %s alert for target %s on %s: within cooldown since %v",
			event.Kind, event.TargetID, cfg.Kind, last)
		return
	}

	sendErr := d.sendWithRetry(ctx, channel, cfg, n)

	record := models.AlertRecord{
		ID:          uuid.NewString(),
		TargetID:    event.TargetID,
		Kind:        event.Kind,
		Channel:     cfg.Kind,
		DedupKey:    storage.DedupKey(event.TargetID, event.Kind, cfg.Kind),
		Message:     n.Subject(),
		DeliveredAt: time.Now(),
	}
	if sendErr != nil {
		record.Status = models.DeliveryFailed
		atomic.AddUint64(&d.failed, 1)
		logrus.Errorf("Delivery to %s failed for target %s: %v", cfg.Kind, event.TargetID, sendErr)
	} else {
		record.Status = models.DeliverySent
		atomic.AddUint64(&d.sent, 1)
		logrus.Infof("Delivered %s alert for target %s via %s", event.Kind, event.TargetID, cfg.Kind)
	}

	if err := d.alerts.RecordAlert(ctx, record); err != nil {
		logrus.Errorf("Failed to record alert for target %s: %v", event.TargetID, err)
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, channel notify.Channel, cfg models.ChannelConfig, n notify.Notification) error {
	var lastErr error
	attempts := d.opts.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * d.opts.RetryBackoff):
			case <-ctx.Done():
				return lastErr
			}
		}

		lastErr = channel.Send(ctx, cfg, n)
		if lastErr == nil {
			return nil
		}
		if notify.IsPermanent(lastErr) {
			return lastErr
		}
		logrus.Warnf("Transient %s delivery failure (attempt %d/%d): %v", cfg.Kind, attempt+1, attempts, lastErr)
	}
	return lastErr
}
