// Package firebird implements the polling SQL connector for Firebird-backed
// ERPs. It observes new sales through a trigger-fed log table, polls sale
// status codes for cancellations, and writes route and completion state back
// into the ERP tables.
package firebird

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/nakagami/firebirdsql"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/velide/bridge/go/config"
	"github.com/velide/bridge/go/connector"
	"github.com/velide/bridge/go/delivery"
	"github.com/velide/bridge/go/metrics"
	"github.com/velide/bridge/go/tracking"
)

const (
	fetchLogsByTimeQuery = `SELECT ID, CD_VENDA, ACTION FROM DELIVERYLOG WHERE LOGDATE >= ? ORDER BY ID`
	fetchLogsByIDQuery   = `SELECT ID, CD_VENDA, ACTION FROM DELIVERYLOG WHERE ID > ? ORDER BY ID`

	fetchDetailsQuery = `SELECT E.CD_VENDA, V.NM_CLIENTE, V.NR_TELEFONE, E.DS_ENDERECO,
		E.DS_COMPLEMENTO, E.NM_BAIRRO, E.DS_REFERENCIA, V.DT_VENDA
		FROM ENTREGAS E JOIN VENDAS V ON V.CD_VENDA = E.CD_VENDA
		WHERE E.CD_VENDA IN (%s)`

	fetchStatusQuery = `SELECT CD_VENDA, FL_STATUS FROM VENDAS WHERE CD_VENDA IN (%s)`

	listDriversQuery = `SELECT CD_ENTREGADOR, NM_ENTREGADOR FROM ENTREGADORES ORDER BY NM_ENTREGADOR`

	setInRouteStmt     = `UPDATE ENTREGAS SET CD_ENTREGADOR = ?, HR_SAIDA = ?, FL_STATUS = 'R' WHERE CD_VENDA = ?`
	setDoneEntregaStmt = `UPDATE ENTREGAS SET HR_CHEGADA = ?, FL_STATUS = 'E' WHERE CD_VENDA = ?`
	setDoneVendaStmt   = `UPDATE VENDAS SET FL_STATUS = 'F' WHERE CD_VENDA = ?`
	setCancelledStmt   = `UPDATE ENTREGAS SET FL_STATUS = 'C' WHERE CD_VENDA = ?`
)

// Sale status codes as the ERP writes them. Cancellations are authoritative
// and propagate to the cloud; finalization codes are logged only, since
// DELIVERED is confirmed by the cloud rather than by the ERP.
var (
	cancelCodes   = map[string]bool{"C": true, "D": true}
	finalizeCodes = map[string]bool{"F": true, "E": true}
)

// driverLookup resolves a cloud driver id to the ERP's local driver id.
// Satisfied by *tracking.DriverMap.
type driverLookup interface {
	LookupLocal(remoteID string) (string, bool)
}

// Connector is the Firebird source connector. Its ingestor and status loops
// run under Run; the write-back operations are called by the orchestrator.
type Connector struct {
	cfg     config.ERP
	db      *sql.DB
	tracker connector.Tracker
	drivers driverLookup
	events  chan<- delivery.Event
	clock   clock.PassiveClock

	cursor *logCursor
	// retryBase is the detail-fetch backoff base, 2s in production.
	retryBase time.Duration

	ingestBusy atomic.Bool
	statusBusy atomic.Bool
}

var _ connector.Source = (*Connector)(nil)

// Open dials the ERP database.
func Open(cfg config.ERP) (*sql.DB, error) {
	var db, err = sql.Open("firebirdsql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening firebird database: %w", err)
	}
	return db, nil
}

// New builds a Connector over an open ERP database handle. The log cursor
// starts in time mode anchored at today 00:00 local.
func New(cfg config.ERP, db *sql.DB, tracker connector.Tracker, drivers driverLookup,
	events chan<- delivery.Event, clk clock.PassiveClock) *Connector {

	var now = clk.Now()
	var anchor = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return &Connector{
		cfg:       cfg,
		db:        db,
		tracker:   tracker,
		drivers:   drivers,
		events:    events,
		clock:     clk,
		cursor:    newLogCursor(anchor),
		retryBase: 2 * time.Second,
	}
}

// Run installs the log schema and drives the ingestor and status loops until
// ctx is cancelled.
func (c *Connector) Run(ctx context.Context) error {
	if err := EnsureSchema(ctx, c.db); err != nil {
		return fmt.Errorf("installing ERP log schema: %w", err)
	}

	var g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.pollLoop(gctx, time.Duration(c.cfg.PollIntervalSeconds)*time.Second,
			&c.ingestBusy, c.ingestCycle)
	})
	g.Go(func() error {
		return c.pollLoop(gctx, time.Duration(c.cfg.StatusIntervalSeconds)*time.Second,
			&c.statusBusy, c.statusCycle)
	})
	return g.Wait()
}

// pollLoop fires cycle on every tick, dropping ticks that arrive while a
// previous cycle is still in flight.
func (c *Connector) pollLoop(ctx context.Context, period time.Duration,
	busy *atomic.Bool, cycle func(context.Context) error) error {

	var ticker = time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !busy.CompareAndSwap(false, true) {
			continue
		}
		if err := cycle(ctx); err != nil && ctx.Err() == nil {
			log.WithField("error", err).Error("connector cycle failed")
		}
		busy.Store(false)
	}
}

type logRow struct {
	id     int64
	saleID string
	action string
}

// ingestCycle fetches log rows past the cursor, reduces them to untracked
// INSERTs, and emits an order for every row that wins its reservation. The
// cursor commits only after the whole batch was handled; a failed detail
// fetch rolls it back so the batch is seen again next cycle.
func (c *Connector) ingestCycle(ctx context.Context) error {
	var rows, err = c.fetchLogs(ctx)
	if err != nil {
		return fmt.Errorf("fetching delivery log: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	c.cursor.Prepare(rows[len(rows)-1].id)

	var newIDs []string
	for _, row := range rows {
		if row.action != "INSERT" || c.tracker.IsTracked(row.saleID) {
			continue
		}
		newIDs = append(newIDs, row.saleID)
	}
	if len(newIDs) == 0 {
		c.cursor.Commit()
		return nil
	}

	orders, err := c.fetchDetailsWithRetry(ctx, newIDs)
	if err != nil {
		c.cursor.Rollback()
		return fmt.Errorf("fetching details for %d new sales: %w", len(newIDs), err)
	}

	for i := range orders {
		var order = &orders[i]
		order.Normalize()
		if err := order.Validate(); err != nil {
			log.WithFields(log.Fields{"sale": order.InternalID, "error": err}).
				Warn("skipping sale with incomplete details")
			continue
		}
		won, err := c.tracker.Reserve(order.InternalID)
		if err != nil {
			c.cursor.Rollback()
			return fmt.Errorf("reserving sale %s: %w", order.InternalID, err)
		}
		if !won {
			continue
		}
		metrics.OrdersIngestedTotal.Inc()
		log.WithFields(log.Fields{"sale": order.InternalID, "customer": order.CustomerName}).
			Info("new sale ingested")
		c.events <- delivery.OrderNormalized{Order: *order}
	}
	c.cursor.Commit()
	return nil
}

func (c *Connector) fetchLogs(ctx context.Context) ([]logRow, error) {
	var rows *sql.Rows
	var err error
	if c.cursor.mode == modeTime {
		rows, err = c.db.QueryContext(ctx, fetchLogsByTimeQuery, c.cursor.since)
	} else {
		rows, err = c.db.QueryContext(ctx, fetchLogsByIDQuery, c.cursor.lastID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []logRow
	for rows.Next() {
		var id int64
		var sale sql.NullFloat64
		var action sql.NullString
		if err = rows.Scan(&id, &sale, &action); err != nil {
			return nil, err
		}
		if !sale.Valid {
			continue
		}
		out = append(out, logRow{
			id:     id,
			saleID: delivery.CanonicalIDFromFloat(sale.Float64),
			action: strings.TrimSpace(action.String),
		})
	}
	return out, rows.Err()
}

// fetchDetailsWithRetry fetches sale details with exponential backoff. Ticks
// are dropped while it runs, so the retry window effectively pauses the
// ingest timer.
func (c *Connector) fetchDetailsWithRetry(ctx context.Context, ids []string) ([]delivery.Order, error) {
	return retry.DoWithData(
		func() ([]delivery.Order, error) { return c.fetchDetails(ctx, ids) },
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.DetailRetryAttempts)),
		retry.Delay(c.retryBase),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.WithFields(log.Fields{"attempt": attempt, "error": err}).
				Warn("retrying ERP detail fetch")
		}),
	)
}

func (c *Connector) fetchDetails(ctx context.Context, ids []string) ([]delivery.Order, error) {
	args, err := saleIDArgs(ids)
	if err != nil {
		return nil, err
	}
	var query = fmt.Sprintf(fetchDetailsQuery, placeholders(len(ids)))
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Order
	for rows.Next() {
		var sale float64
		var name, phone, address, address2, hood, ref sql.NullString
		var created sql.NullTime
		if err = rows.Scan(&sale, &name, &phone, &address, &address2, &hood, &ref, &created); err != nil {
			return nil, err
		}
		out = append(out, delivery.Order{
			InternalID:      delivery.CanonicalIDFromFloat(sale),
			CustomerName:    name.String,
			CustomerContact: phone.String,
			Address:         address.String,
			Address2:        address2.String,
			Neighbourhood:   hood.String,
			Reference:       ref.String,
			CreatedAt:       created.Time,
			Status:          delivery.StatusPending,
		})
	}
	return out, rows.Err()
}

// statusCycle polls the ERP status code of every active sale, in batches.
// Cancellation codes emit order_cancelled; finalization codes are logged and
// left for the cloud to confirm.
func (c *Connector) statusCycle(ctx context.Context) error {
	var active = c.tracker.ActiveIDs()
	for start := 0; start < len(active); start += c.cfg.StatusBatchSize {
		var end = start + c.cfg.StatusBatchSize
		if end > len(active) {
			end = len(active)
		}
		if err := c.checkStatusBatch(ctx, active[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) checkStatusBatch(ctx context.Context, ids []string) error {
	args, err := saleIDArgs(ids)
	if err != nil {
		return err
	}
	var query = fmt.Sprintf(fetchStatusQuery, placeholders(len(ids)))
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("fetching sale status codes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sale float64
		var code sql.NullString
		if err = rows.Scan(&sale, &code); err != nil {
			return err
		}
		var id = delivery.CanonicalIDFromFloat(sale)
		var status = strings.TrimSpace(code.String)
		switch {
		case cancelCodes[status]:
			var external, _ = c.tracker.GetExternalID(id)
			log.WithFields(log.Fields{"sale": id, "code": status}).
				Info("sale cancelled in ERP")
			c.events <- delivery.OrderCancelled{InternalID: id, ExternalID: external}
		case finalizeCodes[status]:
			log.WithFields(log.Fields{"sale": id, "code": status}).
				Debug("sale finalized in ERP, awaiting cloud confirmation")
		}
	}
	return rows.Err()
}

// NeedsDriverMapping is true: ERP driver codes carry no cloud identity.
func (c *Connector) NeedsDriverMapping() bool { return true }

// ListLocalDrivers enumerates the ERP's driver registry.
func (c *Connector) ListLocalDrivers(ctx context.Context) ([]tracking.NamedDriver, error) {
	var rows, err = c.db.QueryContext(ctx, listDriversQuery)
	if err != nil {
		return nil, fmt.Errorf("listing ERP drivers: %w", err)
	}
	defer rows.Close()

	var out []tracking.NamedDriver
	for rows.Next() {
		var id int64
		var name sql.NullString
		if err = rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out = append(out, tracking.NamedDriver{
			ID:   strconv.FormatInt(id, 10),
			Name: strings.TrimSpace(name.String),
		})
	}
	return out, rows.Err()
}

// OrderDetails fetches a best-effort snapshot of one sale, used when
// restoring tracked orders after a restart.
func (c *Connector) OrderDetails(ctx context.Context, internalID string) (*delivery.Order, error) {
	var orders, err = c.fetchDetails(ctx, []string{internalID})
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("sale %s not found in ERP", internalID)
	}
	orders[0].Normalize()
	return &orders[0], nil
}

// MarkDeliveryInRoute writes the route start into the deliveries table,
// resolving the cloud driver to the ERP's local driver code.
func (c *Connector) MarkDeliveryInRoute(ctx context.Context, order *delivery.Order, remoteDriverID string) error {
	var localID, ok = c.drivers.LookupLocal(remoteDriverID)
	if !ok {
		return fmt.Errorf("no local driver mapped for remote driver %s", remoteDriverID)
	}
	localArg, err := saleIDArg(localID)
	if err != nil {
		return fmt.Errorf("local driver id %s is not numeric: %w", localID, err)
	}
	saleArg, err := saleIDArg(order.InternalID)
	if err != nil {
		return err
	}
	if _, err = c.db.ExecContext(ctx, setInRouteStmt, localArg, c.clock.Now(), saleArg); err != nil {
		return fmt.Errorf("marking sale %s in route: %w", order.InternalID, err)
	}
	log.WithFields(log.Fields{"sale": order.InternalID, "driver": localID}).
		Info("route start written to ERP")
	return nil
}

// MarkDeliveryDone writes the arrival into the deliveries table and the
// finalized status into the sales table, in one transaction.
func (c *Connector) MarkDeliveryDone(ctx context.Context, order *delivery.Order) error {
	saleArg, err := saleIDArg(order.InternalID)
	if err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning ERP transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, setDoneEntregaStmt, c.clock.Now(), saleArg); err != nil {
		return fmt.Errorf("marking delivery %s done: %w", order.InternalID, err)
	}
	if _, err = tx.ExecContext(ctx, setDoneVendaStmt, saleArg); err != nil {
		return fmt.Errorf("finalizing sale %s: %w", order.InternalID, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing ERP transaction: %w", err)
	}
	log.WithField("sale", order.InternalID).Info("delivery completion written to ERP")
	return nil
}

// OnAdded is a log-only acknowledgement; the ERP carries no cloud identity.
func (c *Connector) OnAdded(internalID, externalID string) {
	log.WithFields(log.Fields{"sale": internalID, "delivery": externalID}).
		Info("sale registered in cloud")
}

// OnRejected is a log-only acknowledgement.
func (c *Connector) OnRejected(internalID string) {
	log.WithField("sale", internalID).Warn("sale rejected by cloud")
}

// OnDeletedInCloud flags the delivery cancelled in the ERP.
func (c *Connector) OnDeletedInCloud(ctx context.Context, order *delivery.Order) error {
	var saleArg, err = saleIDArg(order.InternalID)
	if err != nil {
		return err
	}
	if _, err = c.db.ExecContext(ctx, setCancelledStmt, saleArg); err != nil {
		return fmt.Errorf("cancelling sale %s in ERP: %w", order.InternalID, err)
	}
	return nil
}

// OnRouteStartedInCloud applies a cloud route start to the ERP.
func (c *Connector) OnRouteStartedInCloud(ctx context.Context, order *delivery.Order, remoteDriverID string) error {
	return c.MarkDeliveryInRoute(ctx, order, remoteDriverID)
}

// OnRouteEndedInCloud applies a cloud route completion to the ERP.
func (c *Connector) OnRouteEndedInCloud(ctx context.Context, order *delivery.Order) error {
	return c.MarkDeliveryDone(ctx, order)
}

// saleIDArg renders a canonical internal id as the DOUBLE the ERP stores.
func saleIDArg(id string) (float64, error) {
	var f, err = strconv.ParseFloat(id, 64)
	if err != nil {
		return 0, fmt.Errorf("sale id %q is not numeric: %w", id, err)
	}
	return f, nil
}

func saleIDArgs(ids []string) ([]interface{}, error) {
	var args = make([]interface{}, 0, len(ids))
	for _, id := range ids {
		var f, err = saleIDArg(id)
		if err != nil {
			return nil, err
		}
		args = append(args, f)
	}
	return args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
