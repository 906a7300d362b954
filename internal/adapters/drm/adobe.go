// Package drm provides the rights management services the download center
// hands licensed content to.
package drm

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/logging"
)

// ErrUnavailable is reported for schemes this build cannot fulfill.
var ErrUnavailable = errors.New("drm: rights management scheme is not available")

// UnavailableAdobe stands in for Adobe ACS, which needs a vendor SDK. Every
// fulfillment ends with ErrUnavailable so the book is marked failed instead
// of hanging in Downloading.
type UnavailableAdobe struct {
	logger *slog.Logger

	mu       sync.Mutex
	delegate ports.AdobeDelegate
}

func NewUnavailableAdobe(logger *slog.Logger) *UnavailableAdobe {
	return &UnavailableAdobe{logger: logging.NewComponentLogger(logger, "adobe")}
}

var _ ports.AdobeService = (*UnavailableAdobe)(nil)

func (a *UnavailableAdobe) SetDelegate(d ports.AdobeDelegate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delegate = d
}

func (a *UnavailableAdobe) current() ports.AdobeDelegate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delegate
}

// Fulfill reports ErrUnavailable on its own goroutine, as a real service
// reports from its callback thread.
func (a *UnavailableAdobe) Fulfill(ctx context.Context, acsm []byte, tag, userID, deviceID string) {
	a.logger.Warn("Adobe fulfillment requested but not available",
		logging.String(logging.FieldBookID, tag),
		logging.Int("acsm_bytes", len(acsm)))
	d := a.current()
	if d == nil {
		return
	}
	go d.AdeptDidFinish(tag, ports.AdobeResult{Err: ErrUnavailable})
}

func (a *UnavailableAdobe) CancelFulfillment(tag string) {
	if d := a.current(); d != nil {
		d.AdeptDidCancel(tag)
	}
}

func (a *UnavailableAdobe) ReturnLoan(ctx context.Context, fulfillmentID, userID, deviceID string) error {
	return ErrUnavailable
}
