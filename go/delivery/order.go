// Package delivery holds the canonical order model shared by every component
// of the bridge: orders, their status lifecycle, internal-id normalization,
// and the typed events exchanged between components.
package delivery

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Order is the canonical unit of synchronization. It is produced by a source
// connector from an ERP row, tracked by the store, and mirrored into the
// cloud as a delivery.
type Order struct {
	// InternalID is the stable ERP-side identifier, in canonical form
	// (a decimal-integer string for numeric ids).
	InternalID string
	// ExternalID is the opaque cloud identifier, bound only after a
	// successful ADD. Empty while the order is reserved.
	ExternalID string

	CustomerName    string
	CustomerContact string
	Address         string
	Address2        string
	Neighbourhood   string
	Reference       string

	CreatedAt time.Time
	Status    Status

	// DeliverymanID is the remote driver assigned to the order, when known.
	DeliverymanID string
}

// Validate returns an error if the Order cannot be sent to the cloud.
func (o *Order) Validate() error {
	if o.InternalID == "" {
		return fmt.Errorf("order has no internal id")
	}
	if strings.TrimSpace(o.CustomerName) == "" {
		return fmt.Errorf("order %s has an empty customer name", o.InternalID)
	}
	if strings.TrimSpace(o.Address) == "" {
		return fmt.Errorf("order %s has an empty address", o.InternalID)
	}
	if o.CreatedAt.IsZero() {
		return fmt.Errorf("order %s has no creation time", o.InternalID)
	}
	return nil
}

// Normalize trims free-text fields in place and canonicalizes InternalID.
func (o *Order) Normalize() {
	o.InternalID = CanonicalID(o.InternalID)
	o.CustomerName = strings.TrimSpace(o.CustomerName)
	o.CustomerContact = strings.TrimSpace(o.CustomerContact)
	o.Address = strings.TrimSpace(o.Address)
	o.Address2 = strings.TrimSpace(o.Address2)
	o.Neighbourhood = strings.TrimSpace(o.Neighbourhood)
	o.Reference = strings.TrimSpace(o.Reference)
}

// CanonicalID maps any literal form of an internal id onto its canonical
// decimal-integer string: "10", "10.0", and "  10 " all resolve to "10".
// Non-numeric ids pass through trimmed. Every entry point which accepts an
// internal id from outside the core must route it through here, so that the
// ERP's DOUBLE-typed sale ids and their string renderings land on one key.
func CanonicalID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return strconv.FormatInt(int64(f), 10)
	}
	return raw
}

// CanonicalIDFromFloat canonicalizes a numeric id read from a DOUBLE column.
func CanonicalIDFromFloat(f float64) string {
	return strconv.FormatInt(int64(f), 10)
}
