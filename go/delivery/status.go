package delivery

import "fmt"

// Status is the local lifecycle state of a tracked order.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSending    Status = "SENDING"
	StatusAdded      Status = "ADDED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusMissing    Status = "MISSING"
	StatusDelivered  Status = "DELIVERED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether the status ends active tracking. Terminal records
// are retained for audit and reconciliation cooldowns until pruned.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled, StatusMissing:
		return true
	}
	return false
}

// Persisted status strings predate this implementation and are kept for
// compatibility with databases written by earlier versions of the bridge.
var statusToStorage = map[Status]string{
	StatusPending:    "PENDENTE",
	StatusSending:    "ENVIANDO",
	StatusAdded:      "ADICIONADO",
	StatusInProgress: "EM_ANDAMENTO",
	StatusMissing:    "AUSENTE",
	StatusDelivered:  "ENTREGUE",
	StatusFailed:     "FALHA",
	StatusCancelled:  "CANCELADA",
}

var storageToStatus = func() map[string]Status {
	var m = make(map[string]Status, len(statusToStorage))
	for k, v := range statusToStorage {
		m[v] = k
	}
	return m
}()

// StorageString returns the database representation of the status.
func (s Status) StorageString() string {
	if v, ok := statusToStorage[s]; ok {
		return v
	}
	return string(s)
}

// ParseStorageStatus maps a persisted status string back to a Status.
func ParseStorageStatus(raw string) (Status, error) {
	if s, ok := storageToStatus[raw]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown persisted status %q", raw)
}

// Remote status codes reported by the cloud for a delivery.
const (
	RemotePending   = "PENDING"
	RemoteRouted    = "ROUTED"
	RemoteCompleted = "COMPLETED"
	RemoteCancelled = "CANCELLED"
	RemoteFailed    = "FAILED"
)

// MapRemoteStatus translates a cloud delivery status into the local Status.
// Unknown codes default to ADDED: the delivery exists remotely, which is all
// an unrecognized code can be taken to mean.
func MapRemoteStatus(remote string) Status {
	switch remote {
	case RemotePending:
		return StatusAdded
	case RemoteRouted:
		return StatusInProgress
	case RemoteCompleted:
		return StatusDelivered
	case RemoteCancelled:
		return StatusCancelled
	case RemoteFailed:
		return StatusFailed
	default:
		return StatusAdded
	}
}
