package firebird

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// The connector observes the ERP through an append-only log table fed by a
// trigger on the deliveries table. The triplet below is installed on first
// run; every object is guarded by a system-catalog lookup so installation is
// idempotent and safe to repeat on every start.

type schemaObject struct {
	name        string
	existsQuery string
	ddl         string
}

var schemaObjects = []schemaObject{
	{
		name:        "DELIVERYLOG_ID_AUTOINCREMENT",
		existsQuery: `SELECT COUNT(*) FROM RDB$GENERATORS WHERE TRIM(RDB$GENERATOR_NAME) = ?`,
		ddl:         `CREATE SEQUENCE DELIVERYLOG_ID_AUTOINCREMENT`,
	},
	{
		name:        "DELIVERYLOG",
		existsQuery: `SELECT COUNT(*) FROM RDB$RELATIONS WHERE TRIM(RDB$RELATION_NAME) = ?`,
		ddl: `CREATE TABLE DELIVERYLOG (
			ID INTEGER NOT NULL PRIMARY KEY,
			CD_VENDA DOUBLE PRECISION,
			ACTION VARCHAR(20),
			LOGDATE TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	{
		name:        "DELIVERYLOG_BI",
		existsQuery: `SELECT COUNT(*) FROM RDB$TRIGGERS WHERE TRIM(RDB$TRIGGER_NAME) = ?`,
		ddl: `CREATE TRIGGER DELIVERYLOG_BI FOR DELIVERYLOG ACTIVE BEFORE INSERT AS
		BEGIN
			IF (NEW.ID IS NULL) THEN NEW.ID = NEXT VALUE FOR DELIVERYLOG_ID_AUTOINCREMENT;
		END`,
	},
	{
		name:        "ENTREGAS_DELIVERYLOG",
		existsQuery: `SELECT COUNT(*) FROM RDB$TRIGGERS WHERE TRIM(RDB$TRIGGER_NAME) = ?`,
		ddl: `CREATE TRIGGER ENTREGAS_DELIVERYLOG FOR ENTREGAS ACTIVE AFTER INSERT OR UPDATE OR DELETE AS
		BEGIN
			IF (INSERTING) THEN
				INSERT INTO DELIVERYLOG (CD_VENDA, ACTION) VALUES (NEW.CD_VENDA, 'INSERT');
			ELSE IF (UPDATING) THEN
				INSERT INTO DELIVERYLOG (CD_VENDA, ACTION) VALUES (NEW.CD_VENDA, 'UPDATE');
			ELSE
				INSERT INTO DELIVERYLOG (CD_VENDA, ACTION) VALUES (OLD.CD_VENDA, 'DELETE');
		END`,
	},
}

// EnsureSchema installs the log sequence, table, and triggers in the ERP,
// creating only the objects the system catalogs do not already list.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, obj := range schemaObjects {
		var count int
		if err := db.QueryRowContext(ctx, obj.existsQuery, obj.name).Scan(&count); err != nil {
			return fmt.Errorf("checking ERP catalog for %s: %w", obj.name, err)
		}
		if count > 0 {
			continue
		}
		log.WithField("object", obj.name).Info("installing ERP delivery-log schema object")
		if _, err := db.ExecContext(ctx, obj.ddl); err != nil {
			return fmt.Errorf("creating %s: %w", obj.name, err)
		}
	}
	return nil
}
