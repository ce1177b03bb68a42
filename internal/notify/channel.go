package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smartprice/price-watcher/internal/models"
)

// Notification is the channel-agnostic alert payload.
type Notification struct {
	TargetID      string
	TargetName    string
	Kind          models.DeltaKind
	PreviousPrice float64
	NewPrice      float64
	Currency      string
	URL           string
	ObservedAt    time.Time
}

// Subject builds a short one-line summary for the notification.
func (n Notification) Subject() string {
	name := n.TargetName
	if name == "" {
		name = n.TargetID
	}
	switch n.Kind {
	case models.DeltaDrop:
		return fmt.Sprintf("Price drop: %s is now %.2f %s", name, n.NewPrice, n.Currency)
	case models.DeltaRise:
		return fmt.Sprintf("Price rise: %s is now %.2f %s", name, n.NewPrice, n.Currency)
	case models.DeltaBackInStock:
		return fmt.Sprintf("Back in stock: %s", name)
	case models.DeltaOutOfStock:
		return fmt.Sprintf("Out of stock: %s", name)
	default:
		return fmt.Sprintf("Price update: %s", name)
	}
}

// Body builds the long-form message shared by the plain-text channels.
func (n Notification) Body() string {
	var b strings.Builder
	b.WriteString(n.Subject())
	b.WriteString("\n\n")
	if n.PreviousPrice > 0 {
		b.WriteString(fmt.Sprintf("Previous price: %.2f %s\n", n.PreviousPrice, n.Currency))
	}
	if n.NewPrice > 0 {
		b.WriteString(fmt.Sprintf("Current price: %.2f %s\n", n.NewPrice, n.Currency))
	}
	b.WriteString(fmt.Sprintf("Observed: %s\n", n.ObservedAt.Format("2006-01-02 15:04:05 UTC")))
	if n.URL != "" {
		b.WriteString(fmt.Sprintf("\nLink: %s\n", n.URL))
	}
	return b.String()
}

// Channel is one notification transport. Send must be safe to retry: the
// dispatcher retries transient failures with bounded attempts.
type Channel interface {
	Kind() models.ChannelKind
	Send(ctx context.Context, cfg models.ChannelConfig, n Notification) error
}

// deliveryError wraps a channel failure into the taxonomy. Permanent
// failures (bad address, rejected payload) are not retried.
func deliveryError(targetID string, permanent bool, err error) error {
	se := models.NewScrapeError(models.ErrChannelDeliveryFailed, targetID, "", err)
	se.Permanent = permanent
	return se
}

// IsPermanent reports whether a delivery error should not be retried.
func IsPermanent(err error) bool {
	var se *models.ScrapeError
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}
