package delivery

// Events passed between components. Components never call into each other
// directly (the store and dispatcher excepted, which expose thread-safe
// APIs); everything else flows through these types on channels owned by the
// orchestrator, which is where ordering into the store is linearized.

// Event is implemented by every inter-component event.
type Event interface{ event() }

// OrderNormalized is emitted by a connector when a new order has been
// ingested, normalized, and has won its store reservation.
type OrderNormalized struct{ Order Order }

// OrderRestored is emitted during startup for each order hydrated from the
// tracking store. It repopulates observers and never reaches the cloud.
type OrderRestored struct {
	Order      Order
	ExternalID string
}

// OrderCancelled is emitted by a connector when the ERP cancels an order
// already under management. ExternalID is empty when the order was never
// bound.
type OrderCancelled struct {
	InternalID string
	ExternalID string
}

// DeliverySuccess is emitted by the dispatcher when an ADD completes,
// either by RPC response or by retry-time reconciliation.
type DeliverySuccess struct {
	InternalID string
	ExternalID string
}

// DeletionSuccess is emitted by the dispatcher when a DELETE completes.
type DeletionSuccess struct {
	InternalID string
	ExternalID string
}

// TaskFailed is emitted by the dispatcher when a task fails terminally.
type TaskFailed struct {
	InternalID string
	Message    string
}

// DeliveryMissing is emitted by the reconciler when a bound, non-terminal
// order is absent from the cloud snapshot.
type DeliveryMissing struct{ InternalID string }

// DeliveryInRoute is emitted by the reconciler when the snapshot shows an
// order moved to ROUTED, so the route start can be written back to the ERP.
type DeliveryInRoute struct {
	InternalID     string
	RemoteDriverID string
}

// Push-channel actions, as carried on subscription frames.
const (
	PushActionAdd          = "ADD"
	PushActionDelete       = "DELETE"
	PushActionStartRoute   = "START_ROUTE"
	PushActionEndRoute     = "END_ROUTE"
	PushActionEditLocation = "EDIT_LOCATION"
)

// PushEvent is a cloud event delivered over the push channel, already
// reduced to the fields the orchestrator acts on.
type PushEvent struct {
	Action        string
	ExternalID    string
	DeliverymanID string
	// TimestampMS is the server timestamp of the event, used for replay
	// de-duplication.
	TimestampMS int64
}

func (OrderNormalized) event() {}
func (OrderRestored) event()   {}
func (OrderCancelled) event()  {}
func (DeliverySuccess) event() {}
func (DeletionSuccess) event() {}
func (TaskFailed) event()      {}
func (DeliveryMissing) event() {}
func (DeliveryInRoute) event() {}
func (PushEvent) event()       {}
