package cloud

import (
	"encoding/json"
	"time"
)

// DeliveryMetadata is the integration-supplied metadata stored on a cloud
// delivery: the identity the bridge uses to recognize its own deliveries.
type DeliveryMetadata struct {
	IntegrationName string `json:"integrationName"`
	CustomerName    string `json:"customerName"`
	CustomerContact string `json:"customerContact,omitempty"`
	// Address is the raw address string originally sent by the integration,
	// never the geocoded location.
	Address string `json:"address,omitempty"`
}

// DeliveryResponse is the cloud's view of one delivery.
type DeliveryResponse struct {
	ID            string            `json:"id"`
	RouteID       string            `json:"routeId,omitempty"`
	Status        string            `json:"status,omitempty"`
	DeliverymanID string            `json:"deliverymanId,omitempty"`
	CreatedAt     Timestamp         `json:"createdAt"`
	Metadata      *DeliveryMetadata `json:"metadata,omitempty"`
}

// Snapshot is all currently-active deliveries the account can see.
type Snapshot struct {
	Deliveries []DeliveryResponse `json:"deliveries"`
}

// Timestamp unmarshals the cloud's creation-time renderings. Timestamps
// without a zone are treated as UTC.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Epoch milliseconds.
		var ms int64
		if err2 := json.Unmarshal(raw, &ms); err2 != nil {
			return err
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339, s); err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339))
}
