package cloud

import (
	"strings"
	"time"
)

// minSubstringLen guards the address substring test: a search string this
// short matches too promiscuously to identify a delivery.
const minSubstringLen = 5

// matchDelivery applies the retry-time reconciliation rules over snapshot
// candidates, in order: metadata present, case-insensitive customer-name
// equality, creation within the window of now, and an address match against
// the raw metadata address. Of the candidates which pass, the most recently
// created is returned; nil if none do.
func matchDelivery(candidates []DeliveryResponse, customerName, address string, now time.Time, window time.Duration) *DeliveryResponse {
	var best *DeliveryResponse
	for i := range candidates {
		var c = &candidates[i]
		if c.Metadata == nil {
			continue
		}
		if !strings.EqualFold(c.Metadata.CustomerName, customerName) {
			continue
		}
		var age = now.Sub(c.CreatedAt.Time)
		if age < -window || age > window {
			continue
		}
		if !addressMatches(c.Metadata.Address, address) {
			continue
		}
		if best == nil || c.CreatedAt.After(best.CreatedAt.Time) {
			best = c
		}
	}
	return best
}

// addressMatches compares the candidate's raw metadata address with the
// search address. Exact equality after trimming and lowercasing passes;
// otherwise a substring containment in either direction passes, but never
// for a search string shorter than minSubstringLen.
func addressMatches(candidate, search string) bool {
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	search = strings.ToLower(strings.TrimSpace(search))
	if candidate == "" || search == "" {
		return false
	}
	if candidate == search {
		return true
	}
	if len(search) < minSubstringLen || len(candidate) < minSubstringLen {
		return false
	}
	return strings.Contains(candidate, search) || strings.Contains(search, candidate)
}
