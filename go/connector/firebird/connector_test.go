package firebird

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/velide/bridge/go/config"
	"github.com/velide/bridge/go/delivery"
)

type fakeTracker struct {
	tracked  map[string]bool
	active   []string
	external map[string]string
	reserved []string
}

func (f *fakeTracker) Reserve(id string) (bool, error) {
	if f.tracked[id] {
		return false, nil
	}
	if f.tracked == nil {
		f.tracked = map[string]bool{}
	}
	f.tracked[id] = true
	f.reserved = append(f.reserved, id)
	return true, nil
}

func (f *fakeTracker) IsTracked(id string) bool { return f.tracked[id] }
func (f *fakeTracker) ActiveIDs() []string      { return f.active }

func (f *fakeTracker) GetExternalID(id string) (string, bool) {
	var ext, ok = f.external[id]
	return ext, ok
}

type fakeDrivers struct{ local map[string]string }

func (f fakeDrivers) LookupLocal(remoteID string) (string, bool) {
	var id, ok = f.local[remoteID]
	return id, ok
}

func newTestConnector(t *testing.T) (*Connector, sqlmock.Sqlmock, *fakeTracker, chan delivery.Event) {
	t.Helper()
	var db, mock, err = sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var tracker = &fakeTracker{tracked: map[string]bool{}, external: map[string]string{}}
	var events = make(chan delivery.Event, 16)
	var clk = clocktesting.NewFakePassiveClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	var cfg = config.ERP{
		PollIntervalSeconds:   5,
		StatusIntervalSeconds: 30,
		StatusBatchSize:       50,
		DetailRetryAttempts:   2,
	}
	var conn = New(cfg, db, tracker, fakeDrivers{local: map[string]string{"D7": "12"}}, events, clk)
	conn.retryBase = time.Millisecond
	return conn, mock, tracker, events
}

func saleLogRows(rows ...[3]interface{}) *sqlmock.Rows {
	var out = sqlmock.NewRows([]string{"ID", "CD_VENDA", "ACTION"})
	for _, r := range rows {
		out.AddRow(r[0], r[1], r[2])
	}
	return out
}

func TestIngestCycleEmitsNewOrders(t *testing.T) {
	var conn, mock, tracker, events = newTestConnector(t)

	mock.ExpectQuery("FROM DELIVERYLOG WHERE LOGDATE >=").
		WillReturnRows(saleLogRows([3]interface{}{1, 601.0, "INSERT"}))
	mock.ExpectQuery("FROM ENTREGAS E JOIN VENDAS V").
		WithArgs(601.0).
		WillReturnRows(sqlmock.NewRows([]string{
			"CD_VENDA", "NM_CLIENTE", "NR_TELEFONE", "DS_ENDERECO",
			"DS_COMPLEMENTO", "NM_BAIRRO", "DS_REFERENCIA", "DT_VENDA",
		}).AddRow(601.0, "Ana Souza", "11 99999-0000", "Rua A, 10",
			"ap 2", "Centro", "portao azul", time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)))

	require.NoError(t, conn.ingestCycle(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Equal(t, []string{"601"}, tracker.reserved)
	var ev = (<-events).(delivery.OrderNormalized)
	require.Equal(t, "601", ev.Order.InternalID)
	require.Equal(t, "Ana Souza", ev.Order.CustomerName)
	require.Equal(t, delivery.StatusPending, ev.Order.Status)

	require.Equal(t, modeID, conn.cursor.mode)
	require.Equal(t, int64(1), conn.cursor.lastID)
}

func TestIngestCycleAdvancesCursorWithoutNewOrders(t *testing.T) {
	var conn, mock, tracker, events = newTestConnector(t)

	// A lone UPDATE log row: nothing to ingest, but the cursor must still
	// advance past it.
	mock.ExpectQuery("FROM DELIVERYLOG WHERE LOGDATE >=").
		WillReturnRows(saleLogRows([3]interface{}{1, 600.0, "UPDATE"}))

	require.NoError(t, conn.ingestCycle(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Empty(t, tracker.reserved)
	require.Empty(t, events)
	require.Equal(t, modeID, conn.cursor.mode)
	require.Equal(t, int64(1), conn.cursor.lastID)
}

func TestIngestCycleSkipsTrackedSales(t *testing.T) {
	var conn, mock, tracker, events = newTestConnector(t)
	tracker.tracked["601"] = true

	mock.ExpectQuery("FROM DELIVERYLOG WHERE LOGDATE >=").
		WillReturnRows(saleLogRows([3]interface{}{3, 601.0, "INSERT"}))

	require.NoError(t, conn.ingestCycle(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Empty(t, events)
	require.Equal(t, int64(3), conn.cursor.lastID)
}

func TestIngestCycleRollsBackOnDetailFailure(t *testing.T) {
	var conn, mock, _, events = newTestConnector(t)

	mock.ExpectQuery("FROM DELIVERYLOG WHERE LOGDATE >=").
		WillReturnRows(saleLogRows([3]interface{}{2, 602.0, "INSERT"}))
	mock.ExpectQuery("FROM ENTREGAS E JOIN VENDAS V").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectQuery("FROM ENTREGAS E JOIN VENDAS V").
		WillReturnError(context.DeadlineExceeded)

	require.Error(t, conn.ingestCycle(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Empty(t, events)

	// The cursor rolled back, so the next cycle fetches the same batch.
	require.Equal(t, modeTime, conn.cursor.mode)
	mock.ExpectQuery("FROM DELIVERYLOG WHERE LOGDATE >=").
		WillReturnRows(saleLogRows())
	require.NoError(t, conn.ingestCycle(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusCycleEmitsCancellations(t *testing.T) {
	var conn, mock, tracker, events = newTestConnector(t)
	tracker.active = []string{"601", "602", "603"}
	tracker.external["601"] = "E1"

	mock.ExpectQuery("SELECT CD_VENDA, FL_STATUS FROM VENDAS").
		WithArgs(601.0, 602.0, 603.0).
		WillReturnRows(sqlmock.NewRows([]string{"CD_VENDA", "FL_STATUS"}).
			AddRow(601.0, "C").
			AddRow(602.0, "F").
			AddRow(603.0, "A"))

	require.NoError(t, conn.statusCycle(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Equal(t, delivery.OrderCancelled{InternalID: "601", ExternalID: "E1"}, <-events)
	require.Empty(t, events)
}

func TestMarkDeliveryInRouteResolvesDriver(t *testing.T) {
	var conn, mock, _, _ = newTestConnector(t)

	mock.ExpectExec("UPDATE ENTREGAS SET CD_ENTREGADOR").
		WithArgs(12.0, sqlmock.AnyArg(), 601.0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var order = &delivery.Order{InternalID: "601"}
	require.NoError(t, conn.MarkDeliveryInRoute(context.Background(), order, "D7"))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, conn.MarkDeliveryInRoute(context.Background(), order, "D-unmapped"))
}

func TestMarkDeliveryDoneUpdatesBothTables(t *testing.T) {
	var conn, mock, _, _ = newTestConnector(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ENTREGAS SET HR_CHEGADA").
		WithArgs(sqlmock.AnyArg(), 601.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE VENDAS SET FL_STATUS").
		WithArgs(601.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, conn.MarkDeliveryDone(context.Background(), &delivery.Order{InternalID: "601"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListLocalDrivers(t *testing.T) {
	var conn, mock, _, _ = newTestConnector(t)

	mock.ExpectQuery("FROM ENTREGADORES").
		WillReturnRows(sqlmock.NewRows([]string{"CD_ENTREGADOR", "NM_ENTREGADOR"}).
			AddRow(7, "JOAO").
			AddRow(9, "MARIA "))

	var drivers, err = conn.ListLocalDrivers(context.Background())
	require.NoError(t, err)
	require.Len(t, drivers, 2)
	require.Equal(t, "7", drivers[0].ID)
	require.Equal(t, "MARIA", drivers[1].Name)
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	var db, mock, err = sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`RDB\$GENERATORS`).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT"}).AddRow(1))
	mock.ExpectQuery(`RDB\$RELATIONS`).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT"}).AddRow(1))
	mock.ExpectQuery(`RDB\$TRIGGERS`).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT"}).AddRow(1))
	mock.ExpectQuery(`RDB\$TRIGGERS`).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT"}).AddRow(1))

	require.NoError(t, EnsureSchema(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaInstallsMissingObjects(t *testing.T) {
	var db, mock, err = sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	var zero = func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"COUNT"}).AddRow(0)
	}
	mock.ExpectQuery(`RDB\$GENERATORS`).WillReturnRows(zero())
	mock.ExpectExec("CREATE SEQUENCE DELIVERYLOG_ID_AUTOINCREMENT").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`RDB\$RELATIONS`).WillReturnRows(zero())
	mock.ExpectExec("CREATE TABLE DELIVERYLOG").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`RDB\$TRIGGERS`).WillReturnRows(zero())
	mock.ExpectExec("CREATE TRIGGER DELIVERYLOG_BI").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`RDB\$TRIGGERS`).WillReturnRows(zero())
	mock.ExpectExec("CREATE TRIGGER ENTREGAS_DELIVERYLOG").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, EnsureSchema(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}
