package storage

import (
	"context"
	"time"

	"github.com/smartprice/price-watcher/internal/models"
)

// HistoryStore is the append-only ledger of price observations. Append must
// reject observations that would break per-target observed-at ordering;
// Latest must be cheap (O(1) or O(log n)).
type HistoryStore interface {
	Append(ctx context.Context, obs models.PriceObservation) error
	Latest(ctx context.Context, targetID string) (*models.PriceObservation, error)
	History(ctx context.Context, targetID string, since time.Time) ([]models.PriceObservation, error)
}

// AlertStore persists delivery records and answers the dedup question: when
// was an alert for this (target, kind, channel) last delivered?
type AlertStore interface {
	RecordAlert(ctx context.Context, rec models.AlertRecord) error
	LastDelivered(ctx context.Context, targetID string, kind models.DeltaKind, channel models.ChannelKind) (time.Time, bool, error)
}

// TargetRegistry is the host-owned source of truth for tracked targets.
type TargetRegistry interface {
	List(ctx context.Context) ([]models.TrackedTarget, error)
	Get(ctx context.Context, id string) (*models.TrackedTarget, error)
}

// OwnerDirectory resolves a target's owner to notification preferences.
type OwnerDirectory interface {
	Owner(ctx context.Context, id string) (*models.Owner, error)
}
