// Package connector defines the contract a source system adapter satisfies.
// A connector ingests new orders from its system, reports cancellations, and
// applies cloud-side outcomes back to the system. Implementations live in
// the subpackages; the orchestrator treats them uniformly.
package connector

import (
	"context"

	"github.com/velide/bridge/go/delivery"
	"github.com/velide/bridge/go/tracking"
)

// Tracker is the slice of the tracking store a connector uses: winning a
// reservation is what makes an ingested row a new order, and the active-id
// view drives status polling.
type Tracker interface {
	Reserve(internalID string) (bool, error)
	IsTracked(internalID string) bool
	ActiveIDs() []string
	GetExternalID(internalID string) (string, bool)
}

// Source is a pluggable source-system adapter. Connectors emit
// OrderNormalized, OrderRestored, and OrderCancelled events on the channel
// given at construction; everything else is a call made by the orchestrator.
type Source interface {
	// Run starts the connector's loops and blocks until ctx is cancelled.
	Run(ctx context.Context) error

	// NeedsDriverMapping reports whether remote drivers must be mapped to
	// local drivers before the connector is useful.
	NeedsDriverMapping() bool

	// ListLocalDrivers enumerates the source system's drivers.
	ListLocalDrivers(ctx context.Context) ([]tracking.NamedDriver, error)

	// OrderDetails fetches a best-effort snapshot of an order's details,
	// used to restore observers after hydration.
	OrderDetails(ctx context.Context, internalID string) (*delivery.Order, error)

	// MarkDeliveryInRoute writes a route start back to the source system.
	// remoteDriverID is the cloud's driver identity; the connector resolves
	// it to a local one where the system needs it.
	MarkDeliveryInRoute(ctx context.Context, order *delivery.Order, remoteDriverID string) error

	// MarkDeliveryDone writes a completed delivery back to the source system.
	MarkDeliveryDone(ctx context.Context, order *delivery.Order) error

	// OnAdded is invoked after the dispatcher successfully ADDs the order.
	OnAdded(internalID, externalID string)

	// OnRejected is invoked after the dispatcher terminally fails the order.
	OnRejected(internalID string)

	// OnDeletedInCloud applies a cloud-side cancellation to the source system.
	OnDeletedInCloud(ctx context.Context, order *delivery.Order) error

	// OnRouteStartedInCloud applies a cloud-side route start.
	OnRouteStartedInCloud(ctx context.Context, order *delivery.Order, remoteDriverID string) error

	// OnRouteEndedInCloud applies a cloud-side route completion.
	OnRouteEndedInCloud(ctx context.Context, order *delivery.Order) error
}
