// Package reconcile repairs divergence between the tracking store and the
// cloud by periodically diffing a full cloud snapshot against local state.
// The reconciler only reads from the cloud and only corrects local state; it
// never issues cloud mutations and never enqueues dispatcher tasks.
package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"github.com/velide/bridge/go/cloud"
	"github.com/velide/bridge/go/delivery"
	"github.com/velide/bridge/go/metrics"
	"github.com/velide/bridge/go/tracking"
)

// SnapshotAPI is the slice of the cloud client the reconciler uses.
type SnapshotAPI interface {
	FullSnapshot(ctx context.Context) (*cloud.Snapshot, error)
}

// StoreAPI is the slice of the tracking store the reconciler uses.
type StoreAPI interface {
	SnapshotForReconciler() []tracking.BoundRecord
	UpdateStatus(internalID string, status delivery.Status, deliverymanID string) error
}

// Config configures the reconciler.
type Config struct {
	// Period between reconciliation cycles (min 1s).
	Period time.Duration
	// Cooldown is how long an external id touched by the push channel is
	// left alone; the push path owns the truth for that window.
	Cooldown time.Duration
}

// Reconciler is the periodic pull-based repair loop.
type Reconciler struct {
	cfg    Config
	api    SnapshotAPI
	store  StoreAPI
	events chan<- delivery.Event

	// cooldowns maps external id -> presence, expiring after cfg.Cooldown.
	cooldowns *gocache.Cache
	running   atomic.Bool
}

// New builds a Reconciler emitting repair events on the given channel.
func New(cfg Config, api SnapshotAPI, store StoreAPI, events chan<- delivery.Event) *Reconciler {
	if cfg.Period < time.Second {
		cfg.Period = time.Second
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 45 * time.Second
	}
	return &Reconciler{
		cfg:       cfg,
		api:       api,
		store:     store,
		events:    events,
		cooldowns: gocache.New(cfg.Cooldown, cfg.Cooldown),
	}
}

// RegisterCooldown marks an external id as recently touched by the push
// channel; the reconciler skips it until the cooldown lapses.
func (r *Reconciler) RegisterCooldown(externalID string) {
	r.cooldowns.SetDefault(externalID, struct{}{})
}

// InCooldown reports whether the external id is currently in cooldown.
func (r *Reconciler) InCooldown(externalID string) bool {
	var _, ok = r.cooldowns.Get(externalID)
	return ok
}

// Run executes reconciliation cycles until ctx is cancelled. A tick is
// skipped when the previous cycle is still running.
func (r *Reconciler) Run(ctx context.Context) error {
	var ticker = time.NewTicker(r.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !r.running.CompareAndSwap(false, true) {
			log.Debug("skipping reconciler tick, previous cycle still running")
			continue
		}
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.WithField("error", err).Warn("reconciliation cycle failed")
		}
		r.running.Store(false)
	}
}

// RunOnce performs one full snapshot diff.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	var snapshot, err = r.api.FullSnapshot(ctx)
	if err != nil {
		return err
	}

	type remoteState struct {
		status        string
		deliverymanID string
	}
	var remote = make(map[string]remoteState, len(snapshot.Deliveries))
	for _, d := range snapshot.Deliveries {
		remote[d.ID] = remoteState{status: d.Status, deliverymanID: d.DeliverymanID}
	}

	// External ids present remotely but never seen locally are ignored: the
	// local store owns the set of interesting ids.
	for _, rec := range r.store.SnapshotForReconciler() {
		if r.InCooldown(rec.ExternalID) {
			continue
		}

		var state, present = remote[rec.ExternalID]
		if !present {
			if err := r.store.UpdateStatus(rec.InternalID, delivery.StatusMissing, ""); err != nil {
				log.WithFields(log.Fields{"internalId": rec.InternalID, "error": err}).
					Error("marking delivery missing")
				continue
			}
			metrics.ReconcilerRepairsTotal.Inc()
			log.WithFields(log.Fields{
				"internalId": rec.InternalID,
				"externalId": rec.ExternalID,
			}).Warn("tracked delivery is missing from the cloud snapshot")
			r.events <- delivery.DeliveryMissing{InternalID: rec.InternalID}
			continue
		}

		var mapped = delivery.MapRemoteStatus(state.status)
		if mapped == rec.Status {
			continue
		}
		var deliveryman string
		if mapped == delivery.StatusInProgress {
			deliveryman = state.deliverymanID
		}
		if err := r.store.UpdateStatus(rec.InternalID, mapped, deliveryman); err != nil {
			log.WithFields(log.Fields{"internalId": rec.InternalID, "error": err}).
				Error("repairing diverged status")
			continue
		}
		metrics.ReconcilerRepairsTotal.Inc()
		log.WithFields(log.Fields{
			"internalId": rec.InternalID,
			"from":       rec.Status,
			"to":         mapped,
		}).Info("repaired diverged delivery status")

		if mapped == delivery.StatusInProgress {
			r.events <- delivery.DeliveryInRoute{
				InternalID:     rec.InternalID,
				RemoteDriverID: state.deliverymanID,
			}
		}
	}
	return nil
}
