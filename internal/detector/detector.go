package detector

import (
	"math"

	"github.com/smartprice/price-watcher/internal/models"
)

// Detector classifies the delta between two consecutive observations of the
// same target. It is pure: the caller supplies the previous observation and
// no history is read or written here.
type Detector struct {
	minDeltaPct float64 // percentage threshold, 0 disables
	minDeltaAbs float64 // absolute threshold, 0 disables
}

// New creates a detector. When both thresholds are configured, crossing
// either one qualifies a price move as significant.
func New(minDeltaPct, minDeltaAbs float64) *Detector {
	return &Detector{minDeltaPct: minDeltaPct, minDeltaAbs: minDeltaAbs}
}

// Classify applies the rules in priority order: first-observation,
// back-in-stock, out-of-stock, drop, rise, or nil for sub-threshold noise.
// Equal prices never classify as drop or rise.
func (d *Detector) Classify(prev *models.PriceObservation, next models.PriceObservation) *models.ChangeEvent {
	if prev == nil {
		return &models.ChangeEvent{
			TargetID:   next.TargetID,
			Kind:       models.DeltaFirstObservation,
			NewPrice:   next.Price,
			ObservedAt: next.ObservedAt,
		}
	}

	event := models.ChangeEvent{
		TargetID:      next.TargetID,
		PreviousPrice: prev.Price,
		NewPrice:      next.Price,
		ObservedAt:    next.ObservedAt,
	}

	switch {
	case !prev.Available && next.Available:
		event.Kind = models.DeltaBackInStock
		return &event
	case prev.Available && !next.Available:
		event.Kind = models.DeltaOutOfStock
		return &event
	case !next.Available:
		// Still out of stock; price data is unreliable while unlisted.
		return nil
	}

	if !d.significant(prev.Price, next.Price) {
		return nil
	}
	if next.Price < prev.Price {
		event.Kind = models.DeltaDrop
	} else {
		event.Kind = models.DeltaRise
	}
	return &event
}

func (d *Detector) significant(prev, next float64) bool {
	diff := math.Abs(next - prev)
	if diff == 0 {
		return false
	}
	if d.minDeltaAbs > 0 && diff > d.minDeltaAbs {
		return true
	}
	if d.minDeltaPct > 0 && prev > 0 && (diff/prev)*100 > d.minDeltaPct {
		return true
	}
	return false
}
