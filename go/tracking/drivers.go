package tracking

import (
	"database/sql"
	"fmt"
	"sync"
)

// DriverPair is one remote/local driver identity pair. Both sides are opaque
// strings.
type DriverPair struct {
	RemoteID string
	LocalID  string
}

// DriverMap is the persistent bidirectional cross-walk between remote
// (cloud) driver ids and local (ERP) driver ids, with a write-through cache.
type DriverMap struct {
	db *sql.DB

	mu       sync.RWMutex
	byRemote map[string]string
	byLocal  map[string]string
}

// DriverMap returns the driver cross-walk stored alongside the tracking
// records, loading it into memory.
func (s *Store) DriverMap() (*DriverMap, error) {
	var m = &DriverMap{
		db:       s.db,
		byRemote: make(map[string]string),
		byLocal:  make(map[string]string),
	}

	var rows, err = s.db.Query(`SELECT velide_id, local_id FROM DeliverymenMapping`)
	if err != nil {
		return nil, fmt.Errorf("loading driver mappings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var remote, local string
		if err = rows.Scan(&remote, &local); err != nil {
			return nil, fmt.Errorf("scanning driver mapping: %w", err)
		}
		m.byRemote[remote] = local
		m.byLocal[local] = remote
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("loading driver mappings: %w", err)
	}
	return m, nil
}

// Add inserts a pair and reports whether it was inserted. Either side
// already being mapped is a duplicate, not an error.
func (m *DriverMap) Add(remoteID, localID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byRemote[remoteID]; ok {
		return false, nil
	}
	if _, ok := m.byLocal[localID]; ok {
		return false, nil
	}
	var _, err = m.db.Exec(
		`INSERT INTO DeliverymenMapping (velide_id, local_id) VALUES (?, ?)`, remoteID, localID)
	if err != nil {
		return false, fmt.Errorf("adding driver mapping %s -> %s: %w", remoteID, localID, err)
	}
	m.byRemote[remoteID] = localID
	m.byLocal[localID] = remoteID
	return true, nil
}

// AddMany inserts pairs atomically with insert-or-ignore semantics and
// returns the number actually inserted. Calling it twice with the same input
// inserts only on the first call.
func (m *DriverMap) AddMany(pairs []DriverPair) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tx, err = m.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning driver mapping insert: %w", err)
	}
	defer tx.Rollback()

	var inserted int
	for _, p := range pairs {
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO DeliverymenMapping (velide_id, local_id) VALUES (?, ?)`,
			p.RemoteID, p.LocalID)
		if err != nil {
			return 0, fmt.Errorf("inserting driver mapping %s -> %s: %w", p.RemoteID, p.LocalID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing driver mappings: %w", err)
	}

	for _, p := range pairs {
		if _, ok := m.byRemote[p.RemoteID]; ok {
			continue
		}
		if _, ok := m.byLocal[p.LocalID]; ok {
			continue
		}
		m.byRemote[p.RemoteID] = p.LocalID
		m.byLocal[p.LocalID] = p.RemoteID
	}
	return inserted, nil
}

// LookupLocal resolves a remote driver id to its local counterpart.
func (m *DriverMap) LookupLocal(remoteID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var local, ok = m.byRemote[remoteID]
	return local, ok
}

// LookupRemote resolves a local driver id to its remote counterpart.
func (m *DriverMap) LookupRemote(localID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var remote, ok = m.byLocal[localID]
	return remote, ok
}

// Delete removes the pair keyed by the remote id.
func (m *DriverMap) Delete(remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var _, err = m.db.Exec(`DELETE FROM DeliverymenMapping WHERE velide_id = ?`, remoteID)
	if err != nil {
		return fmt.Errorf("deleting driver mapping %s: %w", remoteID, err)
	}
	if local, ok := m.byRemote[remoteID]; ok {
		delete(m.byLocal, local)
		delete(m.byRemote, remoteID)
	}
	return nil
}

// ListAll returns every persisted pair.
func (m *DriverMap) ListAll() []DriverPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DriverPair
	for remote, local := range m.byRemote {
		out = append(out, DriverPair{RemoteID: remote, LocalID: local})
	}
	return out
}

// Covers reports whether every given remote driver id is mapped.
func (m *DriverMap) Covers(remoteIDs []string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range remoteIDs {
		if _, ok := m.byRemote[id]; !ok {
			return false
		}
	}
	return true
}
