// Package tracking persists the bridge's view of orders under management:
// the durable internal-id keyed map of tracked deliveries with its hot
// in-memory cache, and the cross-walk between remote and local driver
// identities.
package tracking

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.
	log "github.com/sirupsen/logrus"
	"github.com/velide/bridge/go/delivery"
	"k8s.io/utils/clock"
)

// Record is one tracked order: the persisted row, hydrated into the cache.
type Record struct {
	InternalID    string
	ExternalID    string // Empty while the record is reserved.
	Status        delivery.Status
	DeliverymanID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Bound reports whether an external id has been bound to the record.
func (r *Record) Bound() bool { return r.ExternalID != "" }

// BoundRecord is the reconciler's projection of a bound, non-terminal record.
type BoundRecord struct {
	InternalID string
	ExternalID string
	Status     delivery.Status
}

// SQLite is fickle about raced opens of a newly created database, often
// returning "database is locked" errors. Ensure one sql.Open completes
// before the next starts.
var sqliteOpenMu sync.Mutex

// Store is the durable tracking map. All reads are served from the cache;
// mutations write through to disk under a single writer lock, so for any one
// internal id all mutations are totally ordered. Callers may pass raw ids in
// any literal form; the store canonicalizes at every entry point.
type Store struct {
	db    *sql.DB
	clock clock.PassiveClock

	mu         sync.RWMutex
	cache      map[string]*Record // Keyed by canonical internal id.
	byExternal map[string]string  // external id -> canonical internal id.

	hydrateOnce sync.Once
	hydratedCh  chan struct{}
	hydrateErr  error
}

// Open opens (creating if needed) the tracking database at path and installs
// the schema. The returned store serves no reads until Hydrate is called.
func Open(path string, clk clock.PassiveClock) (*Store, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}

	log.WithField("path", path).Info("opening tracking database")

	sqliteOpenMu.Lock()
	var db, err = sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on")
	if err == nil {
		err = db.Ping()
	}
	sqliteOpenMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("opening tracking database %q: %w", path, err)
	}
	// A single connection sidesteps go-sqlite3 write contention; throughput
	// here is a handful of rows per second.
	db.SetMaxOpenConns(1)

	for _, stmt := range schemaStatements {
		if _, err = db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("installing tracking schema: %w", err)
		}
	}

	return &Store{
		db:         db,
		clock:      clk,
		cache:      make(map[string]*Record),
		byExternal: make(map[string]string),
		hydratedCh: make(chan struct{}),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Hydrate bulk-loads all persisted records into the cache and closes the
// Hydrated channel. It is idempotent; only the first call does work.
func (s *Store) Hydrate() error {
	s.hydrateOnce.Do(func() { s.hydrateErr = s.hydrate() })
	return s.hydrateErr
}

// Hydrated is closed once hydration has completed.
func (s *Store) Hydrated() <-chan struct{} { return s.hydratedCh }

func (s *Store) hydrate() error {
	var rows, err = s.db.Query(
		`SELECT internal_delivery_id, external_delivery_id, status, deliveryman_id, create_at, updated_at
		FROM DeliveryMapping`)
	if err != nil {
		return fmt.Errorf("loading tracking records: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	var loaded, skipped int
	for rows.Next() {
		var rec Record
		var external, deliveryman sql.NullString
		var status, createAt, updatedAt string

		if err = rows.Scan(&rec.InternalID, &external, &status, &deliveryman, &createAt, &updatedAt); err != nil {
			return fmt.Errorf("scanning tracking record: %w", err)
		}
		rec.ExternalID = external.String
		rec.DeliverymanID = deliveryman.String

		// A row with an unloadable status is a broken invariant: log and
		// skip the record rather than failing the whole process.
		if rec.Status, err = delivery.ParseStorageStatus(status); err != nil {
			log.WithFields(log.Fields{
				"internalId": rec.InternalID,
				"status":     status,
			}).Error("skipping tracking record with unknown status")
			skipped++
			continue
		}
		rec.CreatedAt = parseStoredTime(createAt)
		rec.UpdatedAt = parseStoredTime(updatedAt)

		s.cache[rec.InternalID] = &rec
		if rec.ExternalID != "" {
			s.byExternal[rec.ExternalID] = rec.InternalID
		}
		loaded++
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("loading tracking records: %w", err)
	}

	log.WithFields(log.Fields{"loaded": loaded, "skipped": skipped}).Info("tracking store hydrated")
	close(s.hydratedCh)
	return nil
}

// Reserve inserts a PENDING record for the id iff none exists, and reports
// whether the reservation was won. Losing the race is expected and is not an
// error. The cache is populated optimistically before the disk write and
// rolled back if the write fails.
func (s *Store) Reserve(rawID string) (bool, error) {
	var id = delivery.CanonicalID(rawID)
	if id == "" {
		return false, fmt.Errorf("reserving an empty internal id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[id]; ok {
		return false, nil
	}
	var now = s.clock.Now().UTC()
	var rec = &Record{
		InternalID: id,
		Status:     delivery.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.cache[id] = rec

	var _, err = s.db.Exec(
		`INSERT INTO DeliveryMapping (internal_delivery_id, external_delivery_id, status, deliveryman_id, create_at, updated_at)
		VALUES (?, NULL, ?, NULL, ?, ?)`,
		id, rec.Status.StorageString(), formatStoredTime(now), formatStoredTime(now))
	if err != nil {
		delete(s.cache, id)
		return false, fmt.Errorf("reserving %s: %w", id, err)
	}
	return true, nil
}

// Register promotes a reserved record to bound under the given external id.
// If a concurrent status update has already advanced the cached status past
// PENDING, the advanced status is persisted rather than the caller's, so
// registration never regresses state. Binding is idempotent under the same
// (internal, external) pair.
func (s *Store) Register(rawID, externalID string, status delivery.Status) error {
	var id = delivery.CanonicalID(rawID)
	if externalID == "" {
		return fmt.Errorf("registering %s with an empty external id", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rec, ok = s.cache[id]
	if !ok {
		return fmt.Errorf("registering unknown internal id %s", id)
	}
	if rec.ExternalID != "" && rec.ExternalID != externalID {
		return fmt.Errorf("internal id %s is already bound to %s", id, rec.ExternalID)
	}
	if prev, ok := s.byExternal[externalID]; ok && prev != id {
		return fmt.Errorf("external id %s is already bound to internal id %s", externalID, prev)
	}

	var final = status
	if rec.Status != delivery.StatusPending {
		// The poller or push channel saw the order move before the ADD
		// returned; keep the advanced status.
		final = rec.Status
	}

	var now = s.clock.Now().UTC()
	var _, err = s.db.Exec(
		`UPDATE DeliveryMapping SET external_delivery_id = ?, status = ?, updated_at = ?
		WHERE internal_delivery_id = ?`,
		externalID, final.StorageString(), formatStoredTime(now), id)
	if err != nil {
		return fmt.Errorf("registering %s as %s: %w", id, externalID, err)
	}

	rec.ExternalID = externalID
	rec.Status = final
	rec.UpdatedAt = now
	s.byExternal[externalID] = id
	return nil
}

// Release removes the record iff it is still reserved (no external id
// bound). It rolls back a reservation whose ADD failed, and is a no-op for
// bound or absent records.
func (s *Store) Release(rawID string) error {
	var id = delivery.CanonicalID(rawID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var rec, ok = s.cache[id]
	if !ok || rec.ExternalID != "" {
		return nil
	}
	var _, err = s.db.Exec(
		`DELETE FROM DeliveryMapping WHERE internal_delivery_id = ? AND external_delivery_id IS NULL`, id)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", id, err)
	}
	delete(s.cache, id)
	return nil
}

// UpdateStatus transitions a tracked record and writes through to disk.
// deliverymanID is retained when empty so a later status change does not
// erase a known driver assignment.
func (s *Store) UpdateStatus(rawID string, status delivery.Status, deliverymanID string) error {
	var id = delivery.CanonicalID(rawID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var rec, ok = s.cache[id]
	if !ok {
		return fmt.Errorf("updating status of unknown internal id %s", id)
	}
	if deliverymanID == "" {
		deliverymanID = rec.DeliverymanID
	}

	var now = s.clock.Now().UTC()
	var _, err = s.db.Exec(
		`UPDATE DeliveryMapping SET status = ?, deliveryman_id = ?, updated_at = ?
		WHERE internal_delivery_id = ?`,
		status.StorageString(), nullable(deliverymanID), formatStoredTime(now), id)
	if err != nil {
		return fmt.Errorf("updating %s to %s: %w", id, status, err)
	}

	rec.Status = status
	rec.DeliverymanID = deliverymanID
	rec.UpdatedAt = now
	return nil
}

// IsTracked reports whether the id has a record, reserved or bound.
func (s *Store) IsTracked(rawID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var _, ok = s.cache[delivery.CanonicalID(rawID)]
	return ok
}

// GetStatus returns the current status of the record, if tracked.
func (s *Store) GetStatus(rawID string) (delivery.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.cache[delivery.CanonicalID(rawID)]; ok {
		return rec.Status, true
	}
	return "", false
}

// GetExternalID returns the bound external id of the record, if any.
func (s *Store) GetExternalID(rawID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.cache[delivery.CanonicalID(rawID)]; ok && rec.ExternalID != "" {
		return rec.ExternalID, true
	}
	return "", false
}

// InternalIDByExternal resolves a cloud external id to its internal id.
func (s *Store) InternalIDByExternal(externalID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var id, ok = s.byExternal[externalID]
	return id, ok
}

// Get returns a copy of the tracked record.
func (s *Store) Get(rawID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.cache[delivery.CanonicalID(rawID)]; ok {
		return *rec, true
	}
	return Record{}, false
}

// ActiveIDs returns the internal ids of all non-terminal records. It is the
// basis for the connector's status polling.
func (s *Store) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, rec := range s.cache {
		if !rec.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// SnapshotForReconciler returns all bound, non-terminal records.
func (s *Store) SnapshotForReconciler() []BoundRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []BoundRecord
	for id, rec := range s.cache {
		if rec.ExternalID != "" && !rec.Status.Terminal() {
			out = append(out, BoundRecord{
				InternalID: id,
				ExternalID: rec.ExternalID,
				Status:     rec.Status,
			})
		}
	}
	return out
}

// Prune deletes terminal records whose last update is older than the given
// age and returns the number removed.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	var cutoff = s.clock.Now().UTC().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var res, err = s.db.Exec(
		`DELETE FROM DeliveryMapping
		WHERE status IN ('AUSENTE', 'ENTREGUE', 'FALHA', 'CANCELADA') AND updated_at < ?`,
		formatStoredTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning tracking records: %w", err)
	}
	var n, _ = res.RowsAffected()

	for id, rec := range s.cache {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
			if rec.ExternalID != "" {
				delete(s.byExternal, rec.ExternalID)
			}
			delete(s.cache, id)
		}
	}
	return int(n), nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func formatStoredTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseStoredTime(raw string) time.Time {
	if t, err := time.ParseInLocation(timeLayout, raw, time.UTC); err == nil {
		return t
	}
	// Tolerate RFC3339 written by other tooling.
	var t, _ = time.Parse(time.RFC3339, raw)
	return t
}
