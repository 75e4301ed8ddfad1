package tracking

// Schema of the local sqlite database. Statements are idempotent so opening
// an existing database is a no-op. The status CHECK list and the table and
// column names are compatible with databases written by earlier versions of
// the bridge, which is why the persisted status strings are Portuguese.
//
// The updated_at trigger only fires when a statement did not itself change
// updated_at, so writes which carry an explicit (injectable-clock) timestamp
// are not overwritten.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS DeliveryMapping (
		internal_delivery_id TEXT PRIMARY KEY,
		external_delivery_id TEXT UNIQUE,
		status               TEXT NOT NULL CHECK (status IN (
			'PENDENTE', 'ENVIANDO', 'ADICIONADO', 'EM_ANDAMENTO',
			'AUSENTE', 'ENTREGUE', 'FALHA', 'CANCELADA')),
		deliveryman_id       TEXT,
		create_at            TIMESTAMP NOT NULL,
		updated_at           TIMESTAMP NOT NULL
	)`,
	`CREATE TRIGGER IF NOT EXISTS DeliveryMapping_touch_updated_at
	AFTER UPDATE ON DeliveryMapping
	WHEN NEW.updated_at = OLD.updated_at
	BEGIN
		UPDATE DeliveryMapping SET updated_at = CURRENT_TIMESTAMP
		WHERE internal_delivery_id = NEW.internal_delivery_id;
	END`,
	`CREATE TABLE IF NOT EXISTS DeliverymenMapping (
		velide_id TEXT PRIMARY KEY,
		local_id  TEXT UNIQUE NOT NULL
	)`,
}

// timeLayout matches sqlite's CURRENT_TIMESTAMP rendering; all persisted
// instants are UTC.
const timeLayout = "2006-01-02 15:04:05"
