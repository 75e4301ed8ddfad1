package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/velide/bridge/go/delivery"
	"github.com/velide/bridge/go/tracking"
)

type fakeSource struct {
	details      map[string]*delivery.Order
	added        [][2]string
	rejected     []string
	deleted      []string
	routeStarted [][2]string
	routeEnded   []string
}

func (f *fakeSource) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) NeedsDriverMapping() bool { return false }

func (f *fakeSource) ListLocalDrivers(context.Context) ([]tracking.NamedDriver, error) {
	return nil, nil
}

func (f *fakeSource) OrderDetails(_ context.Context, id string) (*delivery.Order, error) {
	if order, ok := f.details[id]; ok {
		var copied = *order
		return &copied, nil
	}
	return nil, fmt.Errorf("order %s not found", id)
}

func (f *fakeSource) MarkDeliveryInRoute(_ context.Context, order *delivery.Order, driver string) error {
	f.routeStarted = append(f.routeStarted, [2]string{order.InternalID, driver})
	return nil
}

func (f *fakeSource) MarkDeliveryDone(_ context.Context, order *delivery.Order) error {
	f.routeEnded = append(f.routeEnded, order.InternalID)
	return nil
}

func (f *fakeSource) OnAdded(internalID, externalID string) {
	f.added = append(f.added, [2]string{internalID, externalID})
}

func (f *fakeSource) OnRejected(internalID string) {
	f.rejected = append(f.rejected, internalID)
}

func (f *fakeSource) OnDeletedInCloud(_ context.Context, order *delivery.Order) error {
	f.deleted = append(f.deleted, order.InternalID)
	return nil
}

func (f *fakeSource) OnRouteStartedInCloud(ctx context.Context, order *delivery.Order, driver string) error {
	return f.MarkDeliveryInRoute(ctx, order, driver)
}

func (f *fakeSource) OnRouteEndedInCloud(ctx context.Context, order *delivery.Order) error {
	return f.MarkDeliveryDone(ctx, order)
}

type fakeDispatcher struct {
	adds         []string
	deletes      [][2]string
	cancelResult bool
	cancelCalls  []string
}

func (f *fakeDispatcher) EnqueueAdd(internalID string, _ *delivery.Order) error {
	f.adds = append(f.adds, internalID)
	return nil
}

func (f *fakeDispatcher) EnqueueDelete(internalID, externalID string) error {
	f.deletes = append(f.deletes, [2]string{internalID, externalID})
	return nil
}

func (f *fakeDispatcher) CancelPendingAdd(internalID string) bool {
	f.cancelCalls = append(f.cancelCalls, internalID)
	return f.cancelResult
}

type fakeCooldowns struct{ ids []string }

func (f *fakeCooldowns) RegisterCooldown(externalID string) { f.ids = append(f.ids, externalID) }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeSource, *fakeDispatcher, *fakeCooldowns) {
	t.Helper()
	var clk = clocktesting.NewFakePassiveClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	var store, err = tracking.Open(filepath.Join(t.TempDir(), "tracking.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Hydrate())

	var source = &fakeSource{details: map[string]*delivery.Order{}}
	var dispatcher = &fakeDispatcher{}
	var cooldowns = &fakeCooldowns{}
	var o = &Orchestrator{
		store:          store,
		source:         source,
		dispatcher:     dispatcher,
		cooldowns:      cooldowns,
		events:         make(chan delivery.Event, 32),
		clock:          clk,
		pendingDeletes: make(map[string]bool),
	}
	return o, source, dispatcher, cooldowns
}

func reserveBound(t *testing.T, store *tracking.Store, internalID, externalID string) {
	t.Helper()
	var won, err = store.Reserve(internalID)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, store.Register(internalID, externalID, delivery.StatusAdded))
}

func TestNewOrderIsDispatched(t *testing.T) {
	var o, _, dispatcher, _ = newTestOrchestrator(t)

	o.handleEvent(context.Background(), delivery.OrderNormalized{Order: delivery.Order{
		InternalID: "501", CustomerName: "Ana", Address: "Rua A, 10",
	}})
	require.Equal(t, []string{"501"}, dispatcher.adds)
}

func TestDeliverySuccessBindsAndNotifies(t *testing.T) {
	var o, source, _, _ = newTestOrchestrator(t)
	var won, err = o.store.Reserve("501")
	require.NoError(t, err)
	require.True(t, won)

	o.handleEvent(context.Background(), delivery.DeliverySuccess{InternalID: "501", ExternalID: "E1"})

	var status, ok = o.store.GetStatus("501")
	require.True(t, ok)
	require.Equal(t, delivery.StatusAdded, status)
	external, ok := o.store.GetExternalID("501")
	require.True(t, ok)
	require.Equal(t, "E1", external)
	require.Equal(t, [][2]string{{"501", "E1"}}, source.added)
}

func TestCancelBeforeSend(t *testing.T) {
	var o, _, dispatcher, _ = newTestOrchestrator(t)
	dispatcher.cancelResult = true
	var won, err = o.store.Reserve("501")
	require.NoError(t, err)
	require.True(t, won)

	o.handleEvent(context.Background(), delivery.OrderCancelled{InternalID: "501"})

	require.Equal(t, []string{"501"}, dispatcher.cancelCalls)
	require.Empty(t, dispatcher.deletes)
	var status, _ = o.store.GetStatus("501")
	require.Equal(t, delivery.StatusCancelled, status)
}

func TestCancelAfterBindEnqueuesDelete(t *testing.T) {
	var o, _, dispatcher, _ = newTestOrchestrator(t)
	reserveBound(t, o.store, "502", "E2")

	o.handleEvent(context.Background(), delivery.OrderCancelled{InternalID: "502", ExternalID: "E2"})

	require.Equal(t, [][2]string{{"502", "E2"}}, dispatcher.deletes)
	// The local transition happens on DeletionSuccess, not before.
	var status, _ = o.store.GetStatus("502")
	require.Equal(t, delivery.StatusAdded, status)

	o.handleEvent(context.Background(), delivery.DeletionSuccess{InternalID: "502", ExternalID: "E2"})
	status, _ = o.store.GetStatus("502")
	require.Equal(t, delivery.StatusCancelled, status)
}

func TestRepeatedCancellationEnqueuesOneDelete(t *testing.T) {
	var o, _, dispatcher, _ = newTestOrchestrator(t)
	reserveBound(t, o.store, "601", "E1")

	// The ERP status tracker re-reports the cancellation every cycle until
	// the record settles; only the first report may reach the cloud.
	o.handleEvent(context.Background(), delivery.OrderCancelled{InternalID: "601", ExternalID: "E1"})
	o.handleEvent(context.Background(), delivery.OrderCancelled{InternalID: "601", ExternalID: "E1"})
	require.Equal(t, [][2]string{{"601", "E1"}}, dispatcher.deletes)

	o.handleEvent(context.Background(), delivery.DeletionSuccess{InternalID: "601", ExternalID: "E1"})
	o.handleEvent(context.Background(), delivery.OrderCancelled{InternalID: "601", ExternalID: "E1"})
	require.Equal(t, [][2]string{{"601", "E1"}}, dispatcher.deletes)
}

func TestLateTaskFailureKeepsSettledStatus(t *testing.T) {
	var o, source, _, _ = newTestOrchestrator(t)
	reserveBound(t, o.store, "602", "E2")

	o.handleEvent(context.Background(), delivery.OrderCancelled{InternalID: "602", ExternalID: "E2"})
	o.handleEvent(context.Background(), delivery.DeletionSuccess{InternalID: "602", ExternalID: "E2"})

	// A failure verdict arriving after the record settled must not reopen it.
	o.handleEvent(context.Background(), delivery.TaskFailed{InternalID: "602", Message: "delivery not found"})

	var status, _ = o.store.GetStatus("602")
	require.Equal(t, delivery.StatusCancelled, status)
	require.Empty(t, source.rejected)
}

func TestCancelUnboundWithoutPendingTask(t *testing.T) {
	var o, _, _, _ = newTestOrchestrator(t)
	var won, err = o.store.Reserve("503")
	require.NoError(t, err)
	require.True(t, won)

	o.handleEvent(context.Background(), delivery.OrderCancelled{InternalID: "503"})
	var status, _ = o.store.GetStatus("503")
	require.Equal(t, delivery.StatusCancelled, status)
}

func TestTaskFailedMarksFailed(t *testing.T) {
	var o, source, _, _ = newTestOrchestrator(t)
	var won, err = o.store.Reserve("504")
	require.NoError(t, err)
	require.True(t, won)

	o.handleEvent(context.Background(), delivery.TaskFailed{InternalID: "504", Message: "bad address"})

	var status, _ = o.store.GetStatus("504")
	require.Equal(t, delivery.StatusFailed, status)
	require.Equal(t, []string{"504"}, source.rejected)
}

func TestPushDeleteAppliesCancellation(t *testing.T) {
	var o, source, _, cooldowns = newTestOrchestrator(t)
	reserveBound(t, o.store, "502", "E2")

	o.handleEvent(context.Background(), delivery.PushEvent{
		Action: delivery.PushActionDelete, ExternalID: "E2", TimestampMS: 1000,
	})

	require.Equal(t, []string{"E2"}, cooldowns.ids)
	var status, _ = o.store.GetStatus("502")
	require.Equal(t, delivery.StatusCancelled, status)
	require.Equal(t, []string{"502"}, source.deleted)
}

func TestPushStartRouteWritesBack(t *testing.T) {
	var o, source, _, _ = newTestOrchestrator(t)
	reserveBound(t, o.store, "505", "E5")

	o.handleEvent(context.Background(), delivery.PushEvent{
		Action: delivery.PushActionStartRoute, ExternalID: "E5", DeliverymanID: "D7",
	})

	var record, ok = o.store.Get("505")
	require.True(t, ok)
	require.Equal(t, delivery.StatusInProgress, record.Status)
	require.Equal(t, "D7", record.DeliverymanID)
	require.Equal(t, [][2]string{{"505", "D7"}}, source.routeStarted)
}

func TestPushEndRouteMarksDelivered(t *testing.T) {
	var o, source, _, _ = newTestOrchestrator(t)
	reserveBound(t, o.store, "506", "E6")

	o.handleEvent(context.Background(), delivery.PushEvent{
		Action: delivery.PushActionEndRoute, ExternalID: "E6",
	})

	var status, _ = o.store.GetStatus("506")
	require.Equal(t, delivery.StatusDelivered, status)
	require.Equal(t, []string{"506"}, source.routeEnded)
}

func TestPushUnknownDeliveryOnlyRefreshesCooldown(t *testing.T) {
	var o, source, _, cooldowns = newTestOrchestrator(t)

	o.handleEvent(context.Background(), delivery.PushEvent{
		Action: delivery.PushActionDelete, ExternalID: "E-unknown",
	})

	require.Equal(t, []string{"E-unknown"}, cooldowns.ids)
	require.Empty(t, source.deleted)
}

func TestDeliveryInRouteWritesBack(t *testing.T) {
	var o, source, _, _ = newTestOrchestrator(t)
	reserveBound(t, o.store, "507", "E7")

	o.handleEvent(context.Background(), delivery.DeliveryInRoute{
		InternalID: "507", RemoteDriverID: "D9",
	})
	require.Equal(t, [][2]string{{"507", "D9"}}, source.routeStarted)
}

func TestRestoreEmitsRestoredOrders(t *testing.T) {
	var o, source, _, _ = newTestOrchestrator(t)
	reserveBound(t, o.store, "508", "E8")
	source.details["508"] = &delivery.Order{
		InternalID: "508", CustomerName: "Ana", Address: "Rua A, 10",
	}

	o.restoreOrders(context.Background())

	var ev = (<-o.events).(delivery.OrderRestored)
	require.Equal(t, "E8", ev.ExternalID)
	require.Equal(t, "Ana", ev.Order.CustomerName)
	require.Equal(t, delivery.StatusAdded, ev.Order.Status)
}

func TestRestoreReenqueuesInterruptedAdds(t *testing.T) {
	var o, source, dispatcher, _ = newTestOrchestrator(t)
	// Reserved but never bound: the ADD was interrupted before a verdict.
	var won, err = o.store.Reserve("510")
	require.NoError(t, err)
	require.True(t, won)
	source.details["510"] = &delivery.Order{
		InternalID: "510", CustomerName: "Ana", Address: "Rua A, 10",
	}

	o.restoreOrders(context.Background())

	require.Equal(t, []string{"510"}, dispatcher.adds)
	var ev = (<-o.events).(delivery.OrderRestored)
	require.Equal(t, "510", ev.Order.InternalID)
	require.Equal(t, delivery.StatusPending, ev.Order.Status)
}

func TestRestoreDoesNotRedispatchBoundOrders(t *testing.T) {
	var o, source, dispatcher, _ = newTestOrchestrator(t)
	reserveBound(t, o.store, "511", "E11")
	source.details["511"] = &delivery.Order{
		InternalID: "511", CustomerName: "Ana", Address: "Rua A, 10",
	}

	o.restoreOrders(context.Background())
	require.Empty(t, dispatcher.adds)
}

func TestRestoreSurvivesMissingDetails(t *testing.T) {
	var o, _, _, _ = newTestOrchestrator(t)
	reserveBound(t, o.store, "509", "E9")

	o.restoreOrders(context.Background())

	var ev = (<-o.events).(delivery.OrderRestored)
	require.Equal(t, "509", ev.Order.InternalID)
	require.Equal(t, "E9", ev.ExternalID)
}

func TestInstanceLockIsExclusive(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "bridge.lock")
	var first, err = acquireInstanceLock(path)
	require.NoError(t, err)
	defer first.Unlock()

	_, err = acquireInstanceLock(path)
	require.Error(t, err)
}
