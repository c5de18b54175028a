// Package backend defines the pull-path port to the advisory backend.
// The push path (NATS subject) and this pull path both feed the gateway's
// single resolve entry point.
package backend

import (
	"context"
	"errors"

	"github.com/WoodrowLove/advisorygate/internal/domain/request"
)

// ErrNotReady indicates the backend has not produced a response for the
// correlation id yet. Not a failure; the poller tries again.
var ErrNotReady = errors.New("advisory response not ready")

// Client is the pull-path port to the advisory backend.
type Client interface {
	// Fetch returns the backend's response for a correlation id, or
	// ErrNotReady while the backend is still working.
	Fetch(ctx context.Context, correlationID string) (*request.AdvisoryResponse, error)

	// Healthy reports whether the backend answers its health probe.
	Healthy(ctx context.Context) bool
}
