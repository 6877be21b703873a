// Package projection drives read-model projections off the tenant event
// stream. A Runner owns one projection and fans out across tenant partitions,
// preserving order within each partition and advancing a durable checkpoint
// only after an apply completed.
package projection

import (
	"context"

	apperrors "github.com/meridiankb/meridian/internal/platform/errors"
	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
)

// Applier applies one event to a projection target. Implementations must be
// idempotent keyed by event identity: delivery is at-least-once and the same
// event may arrive again after a crash before the checkpoint advanced.
type Applier interface {
	Apply(ctx context.Context, evt event.Event) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, evt event.Event) error

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, evt event.Event) error {
	return f(ctx, evt)
}

// isTransient reports whether an apply failure is worth retrying. Anything
// else is treated as a permanent fold failure and routed to dead letters.
func isTransient(err error) bool {
	return apperrors.CodeOf(err) == apperrors.CodeTransientTarget
}
