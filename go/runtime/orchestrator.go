// Package runtime assembles the bridge daemon: it owns component lifecycles,
// and its event loop is the single place where inter-component events are
// applied to the tracking store, which linearizes their ordering.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/velide/bridge/go/auth"
	"github.com/velide/bridge/go/cloud"
	"github.com/velide/bridge/go/config"
	"github.com/velide/bridge/go/connector"
	"github.com/velide/bridge/go/connector/firebird"
	"github.com/velide/bridge/go/connector/folderwatch"
	"github.com/velide/bridge/go/delivery"
	"github.com/velide/bridge/go/dispatch"
	"github.com/velide/bridge/go/ops"
	"github.com/velide/bridge/go/push"
	"github.com/velide/bridge/go/reconcile"
	"github.com/velide/bridge/go/tracking"
)

const (
	// shutdownGrace bounds how long components get to drain after cancel.
	shutdownGrace = 5 * time.Second
	// tokenRetryDelay paces startup attempts to obtain a bearer.
	tokenRetryDelay = 5 * time.Second
	// sweepInterval paces the terminal-record retention sweeper.
	sweepInterval = 24 * time.Hour
	// restoreDetailTimeout bounds each best-effort detail fetch at startup.
	restoreDetailTimeout = 10 * time.Second
)

// dispatcherAPI is the slice of the dispatcher the event loop calls.
type dispatcherAPI interface {
	EnqueueAdd(internalID string, order *delivery.Order) error
	EnqueueDelete(internalID, externalID string) error
	CancelPendingAdd(internalID string) bool
}

// cooldownAPI registers push-touched external ids with the reconciler.
type cooldownAPI interface {
	RegisterCooldown(externalID string)
}

// Orchestrator wires the store, connector, dispatcher, reconciler, and push
// channel together and routes events between them.
type Orchestrator struct {
	cfg     *config.Config
	store   *tracking.Store
	drivers *tracking.DriverMap
	source  connector.Source
	tokens  cloud.TokenProvider

	dispatcher dispatcherAPI
	cooldowns  cooldownAPI
	events     chan delivery.Event
	clock      clock.PassiveClock

	// pendingDeletes holds internal ids with a cloud DELETE enqueued but not
	// yet resolved, so repeated ERP cancellation reports collapse into one
	// deletion. Touched only by the event loop.
	pendingDeletes map[string]bool

	// Concrete components started by Run. Nil in tests that drive
	// handleEvent directly.
	dispatcherRun *dispatch.Dispatcher
	reconciler    *reconcile.Reconciler
	channel       *push.Channel
}

// New builds a fully wired Orchestrator from configuration.
func New(cfg *config.Config, clk clock.PassiveClock) (*Orchestrator, error) {
	var store, err = tracking.Open(cfg.Store.SQLitePath, clk)
	if err != nil {
		return nil, err
	}
	drivers, err := store.DriverMap()
	if err != nil {
		store.Close()
		return nil, err
	}
	tokens, err := auth.Load(auth.Config{
		Domain:    cfg.Auth.Domain,
		ClientID:  cfg.Auth.ClientID,
		Scope:     cfg.Auth.Scope,
		Audience:  cfg.Auth.Audience,
		StorePath: cfg.Auth.TokenStorePath,
	}, clk)
	if err != nil {
		store.Close()
		return nil, err
	}

	var events = make(chan delivery.Event, 128)
	var client = cloud.NewClient(cloud.Config{
		Endpoint:          cfg.API.BaseURL,
		IntegrationName:   cfg.System.IntegrationName,
		SendNeighbourhood: cfg.System.SendNeighbourhood,
		Timeout:           cfg.API.Timeout(),
		VerifyTLS:         cfg.API.TLSVerify(),
	}, tokens, clk)

	var dispatcher = dispatch.New(dispatch.Config{
		RetryBase:        time.Duration(cfg.Dispatch.RetryBaseSeconds) * time.Second,
		MaxAttempts:      cfg.Dispatch.MaxAttempts,
		ReconcileEnabled: cfg.Reconcile.RetryLookup(),
		ReconcileDelay:   time.Duration(cfg.Reconcile.RetryLookupDelayMS) * time.Millisecond,
		ReconcileMax:     cfg.Reconcile.RetryLookupMax,
		ReconcileWindow:  cfg.Reconcile.Window(),
	}, client, events, ops.NewLoggerWithFields(ops.StdLogPublisher(), log.Fields{"component": "dispatcher"}))

	var reconciler = reconcile.New(reconcile.Config{
		Period:   cfg.Reconcile.Period(),
		Cooldown: cfg.Reconcile.Cooldown(),
	}, client, store, events)

	var channel = push.New(push.Config{
		URL:             cfg.API.WebsocketURL,
		IntegrationName: cfg.System.IntegrationName,
		VerifyTLS:       cfg.API.TLSVerify(),
	}, tokens, events)

	var source connector.Source
	switch cfg.System.Connector {
	case "firebird":
		db, err := firebird.Open(cfg.ERP)
		if err != nil {
			store.Close()
			return nil, err
		}
		source = firebird.New(cfg.ERP, db, store, drivers, events, clk)
	case "folderwatch":
		source = folderwatch.New(cfg.Watch.Path, store, events, clk)
	default:
		store.Close()
		return nil, fmt.Errorf("unknown connector %q", cfg.System.Connector)
	}

	return &Orchestrator{
		cfg:            cfg,
		store:          store,
		drivers:        drivers,
		source:         source,
		tokens:         tokens,
		dispatcher:     dispatcher,
		cooldowns:      reconciler,
		events:         events,
		clock:          clk,
		pendingDeletes: make(map[string]bool),
		dispatcherRun:  dispatcher,
		reconciler:     reconciler,
		channel:        channel,
	}, nil
}

// Run executes the startup sequence and then serves until ctx is cancelled.
// Components get a bounded grace period to drain after cancellation.
func (o *Orchestrator) Run(ctx context.Context) error {
	var lock, err = acquireInstanceLock(o.cfg.Store.SQLitePath + ".lock")
	if err != nil {
		return err
	}
	defer lock.Unlock()
	defer o.store.Close()

	if err = o.waitForToken(ctx); err != nil {
		return err
	}
	if err = o.checkDriverMapping(ctx); err != nil {
		return err
	}
	if err = o.store.Hydrate(); err != nil {
		return fmt.Errorf("hydrating tracking store: %w", err)
	}
	log.WithField("active", len(o.store.ActiveIDs())).Info("tracking store hydrated")

	var g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error { return o.eventLoop(gctx) })
	g.Go(func() error { return o.dispatcherRun.Run(gctx) })
	g.Go(func() error { return o.source.Run(gctx) })
	g.Go(func() error { return o.channel.Run(gctx) })
	g.Go(func() error { return o.reconciler.Run(gctx) })
	g.Go(func() error { return o.sweepLoop(gctx) })

	o.restoreOrders(gctx)

	var done = make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		case <-time.After(shutdownGrace):
			log.Warn("shutdown grace period elapsed, forcing exit")
			err = ctx.Err()
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// waitForToken blocks until the token provider yields a valid bearer. A
// logged-out store is fatal: the operator must re-authenticate.
func (o *Orchestrator) waitForToken(ctx context.Context) error {
	for {
		var _, err = o.tokens.Token(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, auth.ErrLoggedOut) {
			return err
		}
		log.WithField("error", err).Warn("waiting for a valid bearer token")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tokenRetryDelay):
		}
	}
}

// checkDriverMapping verifies the persistent driver map against the
// connector's driver list and logs what is missing. Route write-backs for
// unmapped drivers fail individually until the map is completed.
func (o *Orchestrator) checkDriverMapping(ctx context.Context) error {
	if !o.source.NeedsDriverMapping() {
		return nil
	}
	var local, err = o.source.ListLocalDrivers(ctx)
	if err != nil {
		return fmt.Errorf("listing local drivers: %w", err)
	}
	var mapped = o.drivers.ListAll()
	log.WithFields(log.Fields{"local": len(local), "mapped": len(mapped)}).
		Info("driver mapping loaded")
	if len(mapped) == 0 && len(local) > 0 {
		log.Warn("driver map is empty; route write-backs will fail until drivers are mapped")
	}
	return nil
}

// restoreOrders emits order_restored for every hydrated record, with a
// best-effort detail fetch from the connector. Restoration itself never
// reaches the cloud, but reserved records still PENDING had their ADD
// interrupted by the previous shutdown and are re-enqueued here.
func (o *Orchestrator) restoreOrders(ctx context.Context) {
	for _, id := range o.store.ActiveIDs() {
		var record, ok = o.store.Get(id)
		if !ok {
			continue
		}
		var detailCtx, cancel = context.WithTimeout(ctx, restoreDetailTimeout)
		var order, err = o.source.OrderDetails(detailCtx, id)
		cancel()
		if err != nil {
			log.WithFields(log.Fields{"order": id, "error": err}).
				Debug("restoring order without connector details")
			order = &delivery.Order{InternalID: id}
		}

		if !record.Bound() && record.Status == delivery.StatusPending {
			if err != nil {
				log.WithFields(log.Fields{"order": id, "error": err}).
					Warn("pending order cannot be re-dispatched without details")
			} else {
				var pending = *order
				log.WithField("order", id).Info("re-dispatching order left pending by previous run")
				if enqErr := o.dispatcher.EnqueueAdd(id, &pending); enqErr != nil {
					log.WithFields(log.Fields{"order": id, "error": enqErr}).
						Error("re-enqueueing pending order")
				}
			}
		}

		order.ExternalID = record.ExternalID
		order.Status = record.Status
		order.DeliverymanID = record.DeliverymanID
		select {
		case o.events <- delivery.OrderRestored{Order: *order, ExternalID: record.ExternalID}:
		case <-ctx.Done():
			return
		}
	}
}

// sweepLoop prunes terminal records past the retention age.
func (o *Orchestrator) sweepLoop(ctx context.Context) error {
	var ticker = time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		if n, err := o.store.Prune(o.cfg.Store.Retention()); err != nil {
			log.WithField("error", err).Error("pruning terminal records")
		} else if n > 0 {
			log.WithField("pruned", n).Info("swept terminal records past retention")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// eventLoop applies every inter-component event to the store and fans side
// effects out to the connector and dispatcher.
func (o *Orchestrator) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-o.events:
			o.handleEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev delivery.Event) {
	switch ev := ev.(type) {
	case delivery.OrderNormalized:
		if err := o.dispatcher.EnqueueAdd(ev.Order.InternalID, &ev.Order); err != nil {
			log.WithFields(log.Fields{"order": ev.Order.InternalID, "error": err}).
				Error("enqueueing order for dispatch")
		}

	case delivery.OrderRestored:
		log.WithFields(log.Fields{
			"order": ev.Order.InternalID, "delivery": ev.ExternalID, "status": ev.Order.Status,
		}).Info("order restored from tracking store")

	case delivery.OrderCancelled:
		o.handleCancellation(ev)

	case delivery.DeliverySuccess:
		if err := o.store.Register(ev.InternalID, ev.ExternalID, delivery.StatusAdded); err != nil {
			log.WithFields(log.Fields{"order": ev.InternalID, "error": err}).
				Error("binding external delivery id")
			return
		}
		o.source.OnAdded(ev.InternalID, ev.ExternalID)

	case delivery.DeletionSuccess:
		delete(o.pendingDeletes, ev.InternalID)
		if err := o.store.UpdateStatus(ev.InternalID, delivery.StatusCancelled, ""); err != nil {
			log.WithFields(log.Fields{"order": ev.InternalID, "error": err}).
				Error("marking order cancelled")
		}

	case delivery.TaskFailed:
		delete(o.pendingDeletes, ev.InternalID)
		if status, ok := o.store.GetStatus(ev.InternalID); ok && status.Terminal() {
			// A late failure, e.g. of a redundant DELETE, must not reopen a
			// settled record.
			log.WithFields(log.Fields{"order": ev.InternalID, "status": status}).
				Warn("task failed after the order settled, keeping status")
			return
		}
		if err := o.store.UpdateStatus(ev.InternalID, delivery.StatusFailed, ""); err != nil {
			log.WithFields(log.Fields{"order": ev.InternalID, "error": err}).
				Error("marking order failed")
		}
		o.source.OnRejected(ev.InternalID)

	case delivery.DeliveryMissing:
		log.WithField("order", ev.InternalID).Warn("delivery absent from cloud snapshot")

	case delivery.DeliveryInRoute:
		var order = o.orderFor(ev.InternalID)
		if err := o.source.MarkDeliveryInRoute(ctx, order, ev.RemoteDriverID); err != nil {
			log.WithFields(log.Fields{"order": ev.InternalID, "error": err}).
				Error("writing route start to source system")
		}

	case delivery.PushEvent:
		o.handlePush(ctx, ev)
	}
}

// handleCancellation implements cancel-before-send: a pending ADD is
// withdrawn from the queue and never reaches the cloud; a bound order is
// deleted remotely; anything else is only marked locally. The status tracker
// keeps reporting the cancellation until the record turns terminal, so
// repeats are absorbed here.
func (o *Orchestrator) handleCancellation(ev delivery.OrderCancelled) {
	if status, ok := o.store.GetStatus(ev.InternalID); ok && status.Terminal() {
		return
	}
	if o.pendingDeletes[ev.InternalID] {
		log.WithField("order", ev.InternalID).Debug("cloud deletion already pending")
		return
	}
	if o.dispatcher.CancelPendingAdd(ev.InternalID) {
		log.WithField("order", ev.InternalID).Info("cancelled before dispatch")
		if err := o.store.UpdateStatus(ev.InternalID, delivery.StatusCancelled, ""); err != nil {
			log.WithFields(log.Fields{"order": ev.InternalID, "error": err}).
				Error("marking order cancelled")
		}
		return
	}
	if ev.ExternalID != "" {
		if err := o.dispatcher.EnqueueDelete(ev.InternalID, ev.ExternalID); err != nil {
			log.WithFields(log.Fields{"order": ev.InternalID, "error": err}).
				Error("enqueueing cloud deletion")
			return
		}
		o.pendingDeletes[ev.InternalID] = true
		return
	}
	if err := o.store.UpdateStatus(ev.InternalID, delivery.StatusCancelled, ""); err != nil {
		log.WithFields(log.Fields{"order": ev.InternalID, "error": err}).
			Error("marking order cancelled")
	}
}

// handlePush applies one cloud push event: register the cooldown first so
// the reconciler leaves the id alone, then update the store and write back
// to the source system.
func (o *Orchestrator) handlePush(ctx context.Context, ev delivery.PushEvent) {
	o.cooldowns.RegisterCooldown(ev.ExternalID)

	var internalID, ok = o.store.InternalIDByExternal(ev.ExternalID)
	if !ok {
		log.WithField("delivery", ev.ExternalID).Debug("push event for untracked delivery")
		return
	}
	var order = o.orderFor(internalID)

	switch ev.Action {
	case delivery.PushActionDelete:
		if err := o.store.UpdateStatus(internalID, delivery.StatusCancelled, ""); err != nil {
			log.WithFields(log.Fields{"order": internalID, "error": err}).
				Error("applying cloud cancellation")
			return
		}
		if err := o.source.OnDeletedInCloud(ctx, order); err != nil {
			log.WithFields(log.Fields{"order": internalID, "error": err}).
				Error("writing cloud cancellation to source system")
		}

	case delivery.PushActionStartRoute:
		if err := o.store.UpdateStatus(internalID, delivery.StatusInProgress, ev.DeliverymanID); err != nil {
			log.WithFields(log.Fields{"order": internalID, "error": err}).
				Error("applying cloud route start")
			return
		}
		if err := o.source.OnRouteStartedInCloud(ctx, order, ev.DeliverymanID); err != nil {
			log.WithFields(log.Fields{"order": internalID, "error": err}).
				Error("writing route start to source system")
		}

	case delivery.PushActionEndRoute:
		if err := o.store.UpdateStatus(internalID, delivery.StatusDelivered, ""); err != nil {
			log.WithFields(log.Fields{"order": internalID, "error": err}).
				Error("applying cloud route completion")
			return
		}
		if err := o.source.OnRouteEndedInCloud(ctx, order); err != nil {
			log.WithFields(log.Fields{"order": internalID, "error": err}).
				Error("writing delivery completion to source system")
		}

	default:
		// ADD and EDIT_LOCATION only refresh the cooldown.
		log.WithFields(log.Fields{"action": ev.Action, "delivery": ev.ExternalID}).
			Debug("push event needs no local transition")
	}
}

// orderFor builds the minimal order the connector write-backs need.
func (o *Orchestrator) orderFor(internalID string) *delivery.Order {
	var order = &delivery.Order{InternalID: internalID}
	if record, ok := o.store.Get(internalID); ok {
		order.ExternalID = record.ExternalID
		order.Status = record.Status
		order.DeliverymanID = record.DeliverymanID
	}
	return order
}
