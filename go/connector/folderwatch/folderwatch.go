// Package folderwatch implements a minimal source connector that ingests
// orders from JSON files dropped into a watched directory. It has no status
// tracking and no driver registry; write-back operations are logged only.
package folderwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/velide/bridge/go/connector"
	"github.com/velide/bridge/go/delivery"
	"github.com/velide/bridge/go/metrics"
	"github.com/velide/bridge/go/tracking"
)

// orderFile is the on-disk record shape.
type orderFile struct {
	ID              string `json:"id"`
	CustomerName    string `json:"customer_name"`
	CustomerContact string `json:"customer_contact"`
	Address         string `json:"address"`
	Address2        string `json:"address2"`
	Neighbourhood   string `json:"neighbourhood"`
	Reference       string `json:"reference"`
	CreatedAt       string `json:"created_at"`
}

// Connector watches a directory for *.json order files.
type Connector struct {
	dir     string
	tracker connector.Tracker
	events  chan<- delivery.Event
	clock   clock.PassiveClock
}

var _ connector.Source = (*Connector)(nil)

// New builds a folder-watching connector over dir.
func New(dir string, tracker connector.Tracker, events chan<- delivery.Event, clk clock.PassiveClock) *Connector {
	return &Connector{dir: dir, tracker: tracker, events: events, clock: clk}
}

// Run sweeps files already present, then watches for new ones until ctx is
// cancelled.
func (c *Connector) Run(ctx context.Context) error {
	var watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating directory watcher: %w", err)
	}
	defer watcher.Close()
	if err = watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watching %s: %w", c.dir, err)
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("sweeping %s: %w", c.dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			c.ingestFile(filepath.Join(c.dir, entry.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				c.ingestFile(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithField("error", err).Error("directory watcher error")
		}
	}
}

// ingestFile parses one order file and emits it if it wins its reservation.
// Files that fail to parse or validate are logged and left in place.
func (c *Connector) ingestFile(path string) {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return
	}
	var order, err = c.readOrder(path)
	if err != nil {
		log.WithFields(log.Fields{"file": path, "error": err}).
			Warn("skipping unreadable order file")
		return
	}
	won, err := c.tracker.Reserve(order.InternalID)
	if err != nil {
		log.WithFields(log.Fields{"file": path, "error": err}).
			Error("reserving order from file")
		return
	}
	if !won {
		return
	}
	metrics.OrdersIngestedTotal.Inc()
	log.WithFields(log.Fields{"file": path, "order": order.InternalID}).
		Info("order ingested from folder")
	c.events <- delivery.OrderNormalized{Order: *order}
}

func (c *Connector) readOrder(path string) (*delivery.Order, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec orderFile
	if err = json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parsing order file: %w", err)
	}

	var created = c.clock.Now()
	if rec.CreatedAt != "" {
		if created, err = time.Parse(time.RFC3339, rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
	}
	var order = delivery.Order{
		InternalID:      rec.ID,
		CustomerName:    rec.CustomerName,
		CustomerContact: rec.CustomerContact,
		Address:         rec.Address,
		Address2:        rec.Address2,
		Neighbourhood:   rec.Neighbourhood,
		Reference:       rec.Reference,
		CreatedAt:       created,
		Status:          delivery.StatusPending,
	}
	order.Normalize()
	if err = order.Validate(); err != nil {
		return nil, err
	}
	return &order, nil
}

// NeedsDriverMapping is false: the folder source has no driver registry.
func (c *Connector) NeedsDriverMapping() bool { return false }

// ListLocalDrivers returns an empty list.
func (c *Connector) ListLocalDrivers(context.Context) ([]tracking.NamedDriver, error) {
	return nil, nil
}

// OrderDetails re-reads the order's file if it is still present.
func (c *Connector) OrderDetails(_ context.Context, internalID string) (*delivery.Order, error) {
	var order, err = c.readOrder(filepath.Join(c.dir, internalID+".json"))
	if err != nil {
		return nil, fmt.Errorf("order %s has no file on disk: %w", internalID, err)
	}
	return order, nil
}

// The folder source has nowhere to write state back to; the operations below
// acknowledge by logging.

func (c *Connector) MarkDeliveryInRoute(_ context.Context, order *delivery.Order, remoteDriverID string) error {
	log.WithFields(log.Fields{"order": order.InternalID, "driver": remoteDriverID}).
		Info("order in route")
	return nil
}

func (c *Connector) MarkDeliveryDone(_ context.Context, order *delivery.Order) error {
	log.WithField("order", order.InternalID).Info("order delivered")
	return nil
}

func (c *Connector) OnAdded(internalID, externalID string) {
	log.WithFields(log.Fields{"order": internalID, "delivery": externalID}).
		Info("order registered in cloud")
}

func (c *Connector) OnRejected(internalID string) {
	log.WithField("order", internalID).Warn("order rejected by cloud")
}

func (c *Connector) OnDeletedInCloud(_ context.Context, order *delivery.Order) error {
	log.WithField("order", order.InternalID).Info("order cancelled in cloud")
	return nil
}

func (c *Connector) OnRouteStartedInCloud(ctx context.Context, order *delivery.Order, remoteDriverID string) error {
	return c.MarkDeliveryInRoute(ctx, order, remoteDriverID)
}

func (c *Connector) OnRouteEndedInCloud(ctx context.Context, order *delivery.Order) error {
	return c.MarkDeliveryDone(ctx, order)
}
