package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the failure taxonomy for the scrape pipeline.
type ErrorKind string

const (
	ErrNetwork               ErrorKind = "network"
	ErrTimeout               ErrorKind = "timeout"
	ErrBlocked               ErrorKind = "blocked" // anti-bot response or challenge page
	ErrLayoutChanged         ErrorKind = "layout-changed"
	ErrUnsupportedSite       ErrorKind = "unsupported-site"
	ErrBusy                  ErrorKind = "busy" // governor saturation
	ErrChannelDeliveryFailed ErrorKind = "channel-delivery-failed"
)

// ScrapeError carries the error kind plus target identity and timestamp so
// every failure is attributable without consulting external state.
type ScrapeError struct {
	Kind      ErrorKind
	TargetID  string
	Site      string
	At        time.Time
	Permanent bool // for channel failures: do not retry
	Err       error
}

func (e *ScrapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: target=%s site=%s: %v", e.Kind, e.TargetID, e.Site, e.Err)
	}
	return fmt.Sprintf("%s: target=%s site=%s", e.Kind, e.TargetID, e.Site)
}

func (e *ScrapeError) Unwrap() error { return e.Err }

// NewScrapeError builds a taxonomy error stamped with the current time.
func NewScrapeError(kind ErrorKind, targetID, site string, err error) *ScrapeError {
	return &ScrapeError{Kind: kind, TargetID: targetID, Site: site, At: time.Now(), Err: err}
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified errors
// map to ErrNetwork, the most conservative recoverable kind.
func KindOf(err error) ErrorKind {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrNetwork
}

// IsStructural reports whether the kind signals adapter or configuration
// breakage that retrying identical content cannot fix.
func (k ErrorKind) IsStructural() bool {
	return k == ErrLayoutChanged || k == ErrUnsupportedSite
}

// IsRecoverable reports whether the kind should feed the backoff path.
func (k ErrorKind) IsRecoverable() bool {
	switch k {
	case ErrNetwork, ErrTimeout, ErrBlocked, ErrBusy:
		return true
	}
	return false
}
