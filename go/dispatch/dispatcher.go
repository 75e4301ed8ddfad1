// Package dispatch owns every mutating cloud call. Tasks are processed by a
// single writer in FIFO order, with retry on transient failures and, for
// ADDs which timed out, a metadata reconciliation lookup which detects
// server-side success before retrying.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
	"github.com/velide/bridge/go/cloud"
	"github.com/velide/bridge/go/delivery"
	"github.com/velide/bridge/go/metrics"
	"github.com/velide/bridge/go/ops"
)

// CloudAPI is the slice of the cloud client the dispatcher uses.
type CloudAPI interface {
	AddDelivery(ctx context.Context, order *delivery.Order) (*cloud.DeliveryResponse, error)
	DeleteDelivery(ctx context.Context, externalID string) error
	FindDeliveryByMetadata(ctx context.Context, customerName, address string, window time.Duration) (*cloud.DeliveryResponse, error)
}

// Config is the dispatcher retry and reconciliation policy.
type Config struct {
	// RetryBase is the first backoff delay; subsequent delays double.
	RetryBase time.Duration
	// MaxAttempts bounds attempts per task, the first included.
	MaxAttempts int

	// ReconcileEnabled turns on retry-time reconciliation of timed-out ADDs.
	ReconcileEnabled bool
	// ReconcileDelay is waited before each reconciliation lookup.
	ReconcileDelay time.Duration
	// ReconcileMax bounds lookups per task (1..5).
	ReconcileMax int
	// ReconcileWindow is the creation-time match window (>= 60s).
	ReconcileWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.RetryBase == 0 {
		c.RetryBase = time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.ReconcileMax == 0 {
		c.ReconcileMax = 2
	}
	if c.ReconcileWindow == 0 {
		c.ReconcileWindow = 300 * time.Second
	}
}

type taskKind int

const (
	taskAdd taskKind = iota
	taskDelete
)

func (k taskKind) String() string {
	if k == taskAdd {
		return "add"
	}
	return "delete"
}

type task struct {
	kind       taskKind
	internalID string
	order      *delivery.Order // Set for ADD.
	externalID string          // Set for DELETE.
}

// Dispatcher is the single-writer queue of mutating cloud operations.
// Exactly one task is in flight at a time.
type Dispatcher struct {
	cfg    Config
	api    CloudAPI
	events chan<- delivery.Event
	logger ops.LogPublisher

	mu       sync.Mutex
	queue    []*task
	inFlight string // Internal id of the task being sent, or "".
	closed   bool
	wake     chan struct{}
}

// New builds a Dispatcher emitting completion events on the given channel.
// Log output goes through the given publisher; nil selects the process
// logger.
func New(cfg Config, api CloudAPI, events chan<- delivery.Event, logger ops.LogPublisher) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = ops.StdLogPublisher()
	}
	return &Dispatcher{
		cfg:    cfg,
		api:    api,
		events: events,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// EnqueueAdd queues an ADD for the order. Enqueues after shutdown are refused.
func (d *Dispatcher) EnqueueAdd(internalID string, order *delivery.Order) error {
	return d.enqueue(&task{
		kind:       taskAdd,
		internalID: delivery.CanonicalID(internalID),
		order:      order,
	})
}

// EnqueueDelete queues a DELETE for the bound external id.
func (d *Dispatcher) EnqueueDelete(internalID, externalID string) error {
	return d.enqueue(&task{
		kind:       taskDelete,
		internalID: delivery.CanonicalID(internalID),
		externalID: externalID,
	})
}

func (d *Dispatcher) enqueue(t *task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dispatcher is shut down")
	}
	d.queue = append(d.queue, t)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// CancelPendingAdd removes a not-yet-sent ADD for the id from the queue and
// reports whether it did. It returns false when the ADD is already in flight
// or completed; an in-flight RPC is never aborted.
func (d *Dispatcher) CancelPendingAdd(internalID string) bool {
	var id = delivery.CanonicalID(internalID)

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, t := range d.queue {
		if t.kind == taskAdd && t.internalID == id {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.logger.Log(log.InfoLevel, log.Fields{"internalId": id},
				"cancelled pending add before send")
			return true
		}
	}
	return false
}

// Run processes tasks until ctx is cancelled. The in-flight task is drained
// before returning; further enqueues are refused.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		var t = d.next()
		if t == nil {
			select {
			case <-ctx.Done():
				d.shutdown()
				return ctx.Err()
			case <-d.wake:
				continue
			}
		}

		d.process(ctx, t)

		d.mu.Lock()
		d.inFlight = ""
		d.mu.Unlock()

		if ctx.Err() != nil {
			d.shutdown()
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) next() *task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	var t = d.queue[0]
	d.queue = d.queue[1:]
	d.inFlight = t.internalID
	return t
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *Dispatcher) process(ctx context.Context, t *task) {
	var fields = log.Fields{"kind": t.kind.String(), "internalId": t.internalID}
	d.logger.Log(log.DebugLevel, fields, "dispatching task")

	switch t.kind {
	case taskAdd:
		var resp, err = d.processAdd(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown, not a verdict on the task. The record stays
				// PENDING and is re-dispatched on the next start.
				d.logger.Log(log.InfoLevel, fields, "shutdown interrupted add, leaving order pending")
				return
			}
			d.logger.Log(log.WarnLevel, log.Fields{
				"kind": t.kind.String(), "internalId": t.internalID, "error": err,
			}, "add failed terminally")
			metrics.DispatcherTasksTotal.WithLabelValues("add", "failure").Inc()
			d.emit(delivery.TaskFailed{InternalID: t.internalID, Message: err.Error()})
			return
		}
		metrics.DispatcherTasksTotal.WithLabelValues("add", "success").Inc()
		d.emit(delivery.DeliverySuccess{InternalID: t.internalID, ExternalID: resp.ID})

	case taskDelete:
		var err = d.processDelete(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Log(log.InfoLevel, fields, "shutdown interrupted delete, leaving deletion pending")
				return
			}
			d.logger.Log(log.WarnLevel, log.Fields{
				"kind": t.kind.String(), "internalId": t.internalID, "error": err,
			}, "delete failed terminally")
			metrics.DispatcherTasksTotal.WithLabelValues("delete", "failure").Inc()
			d.emit(delivery.TaskFailed{InternalID: t.internalID, Message: err.Error()})
			return
		}
		metrics.DispatcherTasksTotal.WithLabelValues("delete", "success").Inc()
		d.emit(delivery.DeletionSuccess{InternalID: t.internalID, ExternalID: t.externalID})
	}
}

// processAdd sends the ADD with backoff. From the second attempt onward, if
// the previous failure was a timeout, a reconciliation lookup runs first: a
// match means the server created the delivery and no fresh RPC is issued.
func (d *Dispatcher) processAdd(ctx context.Context, t *task) (*cloud.DeliveryResponse, error) {
	var attempt int
	var lastErr error
	var lookups int

	return retry.DoWithData(func() (*cloud.DeliveryResponse, error) {
		attempt++
		if attempt > 1 && d.cfg.ReconcileEnabled && lookups < d.cfg.ReconcileMax && cloud.IsTimeout(lastErr) {
			lookups++
			if found := d.reconcileLookup(ctx, t); found != nil {
				metrics.ReconciledAtRetryTotal.Inc()
				d.logger.Log(log.InfoLevel, log.Fields{
					"internalId": t.internalID,
					"externalId": found.ID,
				}, "timed-out add was reconciled as server-side success")
				return found, nil
			}
		}
		var resp, err = d.api.AddDelivery(ctx, t.order)
		if err != nil {
			lastErr = err
		}
		return resp, err
	},
		retry.Context(ctx),
		retry.Attempts(uint(d.cfg.MaxAttempts)),
		retry.Delay(d.cfg.RetryBase),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(cloud.IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			metrics.DispatcherRetriesTotal.Inc()
			d.logger.Log(log.WarnLevel, log.Fields{
				"internalId": t.internalID,
				"attempt":    n + 1,
				"error":      err,
			}, "retrying add")
		}),
	)
}

// reconcileLookup waits the configured delay and asks the cloud whether a
// delivery matching the order's metadata already exists. Lookup errors are
// swallowed; the normal retry path continues.
func (d *Dispatcher) reconcileLookup(ctx context.Context, t *task) *cloud.DeliveryResponse {
	if d.cfg.ReconcileDelay > 0 {
		select {
		case <-time.After(d.cfg.ReconcileDelay):
		case <-ctx.Done():
			return nil
		}
	}
	var found, err = d.api.FindDeliveryByMetadata(
		ctx, t.order.CustomerName, t.order.Address, d.cfg.ReconcileWindow)
	if err != nil {
		d.logger.Log(log.DebugLevel, log.Fields{
			"internalId": t.internalID,
			"error":      err,
		}, "reconciliation lookup failed, continuing retries")
		return nil
	}
	return found
}

func (d *Dispatcher) processDelete(ctx context.Context, t *task) error {
	return retry.Do(func() error {
		return d.api.DeleteDelivery(ctx, t.externalID)
	},
		retry.Context(ctx),
		retry.Attempts(uint(d.cfg.MaxAttempts)),
		retry.Delay(d.cfg.RetryBase),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(cloud.IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			metrics.DispatcherRetriesTotal.Inc()
			d.logger.Log(log.WarnLevel, log.Fields{
				"internalId": t.internalID,
				"attempt":    n + 1,
				"error":      err,
			}, "retrying delete")
		}),
	)
}

func (d *Dispatcher) emit(ev delivery.Event) {
	d.events <- ev
}
