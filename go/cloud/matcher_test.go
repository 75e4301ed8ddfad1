package cloud

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ts(t time.Time) Timestamp { return Timestamp{Time: t} }

func TestMatchDelivery(t *testing.T) {
	var now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var window = 300 * time.Second

	var candidates = []DeliveryResponse{
		{
			ID:        "E1",
			CreatedAt: ts(now.Add(-10 * time.Second)),
			Metadata:  &DeliveryMetadata{CustomerName: "A", Address: "123 Main"},
		},
		{
			ID:        "E2",
			CreatedAt: ts(now.Add(-20 * time.Second)),
			Metadata:  &DeliveryMetadata{CustomerName: "B", Address: "123 Main"},
		},
		{
			// No metadata: never a candidate.
			ID:        "E3",
			CreatedAt: ts(now),
		},
	}

	var got = matchDelivery(candidates, "a", "123 Main", now, window)
	require.NotNil(t, got)
	require.Equal(t, "E1", got.ID)

	// Outside the window.
	got = matchDelivery(candidates, "A", "123 Main", now.Add(10*time.Minute), window)
	require.Nil(t, got)

	// Unknown customer.
	got = matchDelivery(candidates, "C", "123 Main", now, window)
	require.Nil(t, got)
}

func TestMatchDeliveryPrefersMostRecent(t *testing.T) {
	var now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var candidates = []DeliveryResponse{
		{ID: "older", CreatedAt: ts(now.Add(-200 * time.Second)),
			Metadata: &DeliveryMetadata{CustomerName: "A", Address: "123 Main"}},
		{ID: "newer", CreatedAt: ts(now.Add(-5 * time.Second)),
			Metadata: &DeliveryMetadata{CustomerName: "A", Address: "123 Main"}},
	}
	var got = matchDelivery(candidates, "A", "123 Main", now, 300*time.Second)
	require.NotNil(t, got)
	require.Equal(t, "newer", got.ID)
}

func TestAddressMatches(t *testing.T) {
	var cases = []struct {
		candidate, search string
		expect            bool
	}{
		{"123 Main", "123 Main", true},
		{"  123 MAIN  ", "123 main", true},
		{"123 Main St, Springfield", "123 Main St", true},
		{"123 Main", "123 Main St, Springfield", true},
		// Too-short search strings are never substring matches.
		{"123 Main", "123", false},
		{"123", "123 Main", false},
		// But exact equality of short strings still passes.
		{"123", "123", true},
		{"", "123 Main", false},
		{"123 Main", "", false},
		{"456 Elm", "123 Main", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expect, addressMatches(tc.candidate, tc.search),
			"candidate=%q search=%q", tc.candidate, tc.search)
	}
}
