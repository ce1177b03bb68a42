package models

import "time"

// TargetState is the scheduling state of a tracked target.
type TargetState string

const (
	StateActive   TargetState = "active"
	StateDegraded TargetState = "degraded" // repeated failures, stretched interval
	StateDisabled TargetState = "disabled" // user-disabled, kept for history
	StateRemoved  TargetState = "removed"  // terminal
)

// DeltaKind classifies the change between two consecutive observations.
type DeltaKind string

const (
	DeltaFirstObservation DeltaKind = "first-observation"
	DeltaDrop             DeltaKind = "drop"
	DeltaRise             DeltaKind = "rise"
	DeltaBackInStock      DeltaKind = "back-in-stock"
	DeltaOutOfStock       DeltaKind = "out-of-stock"
)

// ChannelKind identifies a notification channel implementation.
type ChannelKind string

const (
	ChannelEmail    ChannelKind = "email"
	ChannelWebhook  ChannelKind = "webhook"
	ChannelTelegram ChannelKind = "telegram"
)

// Locator tells an adapter where to fetch and what to extract.
type Locator struct {
	URL                  string `json:"url"`
	PriceSelector        string `json:"price_selector"`
	AvailabilitySelector string `json:"availability_selector"`
	OutOfStockText       string `json:"out_of_stock_text"` // text marking unavailability
	PricePath            string `json:"price_path"`        // dot path for JSON APIs
	AvailabilityPath     string `json:"availability_path"`
	Currency             string `json:"currency"`
}

// TrackedTarget is a user-tracked product on one site.
type TrackedTarget struct {
	ID          string        `json:"id"`
	Site        string        `json:"site"` // selects the adapter
	Locator     Locator       `json:"locator"`
	Name        string        `json:"name"`
	TargetPrice float64       `json:"target_price"` // 0 means unset
	Interval    time.Duration `json:"interval"`
	OwnerID     string        `json:"owner_id"`
	State       TargetState   `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ScrapeJob is one pending or in-flight scrape attempt. Ephemeral; owned by
// the scheduler while pending and by a worker while in flight.
type ScrapeJob struct {
	TargetID    string    `json:"target_id"`
	Site        string    `json:"site"`
	Locator     Locator   `json:"locator"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Attempt     int       `json:"attempt"`    // consecutive failures before this attempt
	Generation  uint64    `json:"generation"` // stale-completion guard
}

// PriceObservation is one measured price/availability snapshot. Immutable
// once appended; per-target insertion order is monotonic in ObservedAt.
type PriceObservation struct {
	TargetID   string    `json:"target_id"`
	Price      float64   `json:"price"`
	Currency   string    `json:"currency"`
	ObservedAt time.Time `json:"observed_at"`
	Available  bool      `json:"available"`
	Source     string    `json:"source"` // adapter name that produced it
}

// ChangeEvent is a classified delta between two consecutive observations of
// the same target. PreviousPrice is zero for first-observation.
type ChangeEvent struct {
	TargetID      string    `json:"target_id"`
	Kind          DeltaKind `json:"kind"`
	PreviousPrice float64   `json:"previous_price"`
	NewPrice      float64   `json:"new_price"`
	ObservedAt    time.Time `json:"observed_at"`
}

// DeliveryStatus is the outcome of one channel delivery attempt.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// AlertRecord is the audit row for one (target, kind, channel) delivery.
// The dedup key enforces at-most-once delivery within the cooldown window.
type AlertRecord struct {
	ID          string         `json:"id"`
	TargetID    string         `json:"target_id"`
	Kind        DeltaKind      `json:"kind"`
	Channel     ChannelKind    `json:"channel"`
	Status      DeliveryStatus `json:"status"`
	DedupKey    string         `json:"dedup_key"`
	Message     string         `json:"message"`
	DeliveredAt time.Time      `json:"delivered_at"`
}

// ChannelConfig is one delivery endpoint belonging to an owner.
type ChannelConfig struct {
	Kind    ChannelKind `json:"kind"`
	Address string      `json:"address"` // email address, webhook URL, or chat id
}

// Owner holds the notification preferences for a target's owner.
type Owner struct {
	ID         string          `json:"id"`
	Channels   []ChannelConfig `json:"channels"`
	Subscribed []DeltaKind     `json:"subscribed"`
}

// Subscribes reports whether the owner wants alerts for the given kind.
func (o Owner) Subscribes(kind DeltaKind) bool {
	for _, k := range o.Subscribed {
		if k == kind {
			return true
		}
	}
	return false
}
