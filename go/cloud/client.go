// Package cloud is the typed RPC surface of the remote delivery-management
// service: GraphQL-over-HTTPS for queries and mutations, plus the snapshot
// and metadata-reconciliation lookups the dispatcher and reconciler consume.
package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/velide/bridge/go/delivery"
	"k8s.io/utils/clock"
)

// TokenProvider supplies a valid bearer for each request. Refresh discards
// any cached token; the client calls it once after a 401 before giving up.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Config configures a Client.
type Config struct {
	// Endpoint is the GraphQL HTTP endpoint.
	Endpoint string
	// IntegrationName is sent as the X-Integration-Name header and stamped
	// into delivery metadata.
	IntegrationName string
	// SendNeighbourhood includes the neighbourhood field on ADD payloads.
	SendNeighbourhood bool
	// Timeout bounds each request.
	Timeout time.Duration
	// VerifyTLS disables server certificate verification when false.
	VerifyTLS bool
}

// Client is a stateless typed client over the cloud GraphQL endpoint. Each
// call uses a pooled HTTP connection; snapshot queries never block mutations.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens TokenProvider
	clock  clock.PassiveClock
}

// NewClient builds a Client for one authenticated session.
func NewClient(cfg Config, tokens TokenProvider, clk clock.PassiveClock) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	var transport = http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: transport, Timeout: cfg.Timeout},
		tokens: tokens,
		clock:  clk,
	}
}

const addDeliveryQuery = `
mutation AddDelivery($input: AddDeliveryInput!) {
  addDelivery(input: $input) {
    id
    routeId
    status
    createdAt
    metadata { integrationName customerName customerContact }
  }
}`

const deleteDeliveryQuery = `
mutation DeleteDelivery($id: ID!) {
  deleteDelivery(id: $id) { id }
}`

const fullSnapshotQuery = `
query FullSnapshot {
  deliveries {
    id
    routeId
    status
    deliverymanId
    createdAt
    metadata { integrationName customerName customerContact address }
  }
}`

// maxZeroOffset is the threshold under which the ADD offset is reported as
// zero, to avoid spurious sub-minute offsets.
const maxZeroOffset = 60 * time.Second

// AddDelivery creates a delivery for the order and returns the cloud's view
// of it, including the newly bound external id.
func (c *Client) AddDelivery(ctx context.Context, order *delivery.Order) (*DeliveryResponse, error) {
	var offset = c.clock.Now().Sub(order.CreatedAt)
	if offset <= maxZeroOffset {
		offset = 0
	}

	var input = map[string]interface{}{
		"metadata": map[string]interface{}{
			"integrationName": c.cfg.IntegrationName,
			"customerName":    order.CustomerName,
			"customerContact": order.CustomerContact,
		},
		"address": order.Address,
		"offset":  offset.Milliseconds(),
	}
	if order.Address2 != "" {
		input["address2"] = order.Address2
	}
	if c.cfg.SendNeighbourhood && order.Neighbourhood != "" {
		input["neighbourhood"] = order.Neighbourhood
	}
	if order.Reference != "" {
		input["reference"] = order.Reference
	}

	var out struct {
		AddDelivery DeliveryResponse `json:"addDelivery"`
	}
	if err := c.do(ctx, addDeliveryQuery, map[string]interface{}{"input": input}, &out); err != nil {
		return nil, err
	}
	if out.AddDelivery.ID == "" {
		return nil, &ParseError{Err: fmt.Errorf("addDelivery response carries no id")}
	}
	return &out.AddDelivery, nil
}

// DeleteDelivery removes the delivery with the given external id.
func (c *Client) DeleteDelivery(ctx context.Context, externalID string) error {
	var out struct {
		DeleteDelivery struct {
			ID string `json:"id"`
		} `json:"deleteDelivery"`
	}
	return c.do(ctx, deleteDeliveryQuery, map[string]interface{}{"id": externalID}, &out)
}

// FullSnapshot returns all currently-active deliveries the account can see.
func (c *Client) FullSnapshot(ctx context.Context) (*Snapshot, error) {
	var out Snapshot
	if err := c.do(ctx, fullSnapshotQuery, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindDeliveryByMetadata looks for a delivery the server may have created
// for an ADD whose response the client never saw, matching on customer name,
// the raw metadata address, and creation time within the window. When
// several candidates match, the most recently created wins. A nil result
// with nil error means no match.
func (c *Client) FindDeliveryByMetadata(ctx context.Context, customerName, address string, window time.Duration) (*DeliveryResponse, error) {
	var snapshot, err = c.FullSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return matchDelivery(snapshot.Deliveries, customerName, address, c.clock.Now(), window), nil
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do executes one GraphQL document. A 401 is retried exactly once with a
// freshly refreshed bearer before surfacing ErrUnauthorized.
func (c *Client) do(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	var token, err = c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquiring bearer: %w", err)
	}

	err = c.doOnce(ctx, token, query, variables, out)

	var httpErr *HTTPError
	if isUnauthorized(err, &httpErr) {
		log.Debug("cloud returned 401, refreshing token and retrying once")
		if token, err = c.tokens.Refresh(ctx); err != nil {
			return fmt.Errorf("%w: refreshing bearer: %v", ErrUnauthorized, err)
		}
		err = c.doOnce(ctx, token, query, variables, out)
		if isUnauthorized(err, &httpErr) {
			return ErrUnauthorized
		}
	}
	return err
}

func isUnauthorized(err error, httpErr **HTTPError) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*HTTPError); ok && e.Status == http.StatusUnauthorized {
		*httpErr = e
		return true
	}
	return false
}

func (c *Client) doOnce(ctx context.Context, token, query string, variables map[string]interface{}, out interface{}) error {
	var body, err = json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Integration-Name", c.cfg.IntegrationName)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err, Timeout: isTimeoutErr(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return &HTTPError{Status: resp.StatusCode}
	}

	var envelope graphqlResponse
	if err = json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &ParseError{Err: err}
	}
	if len(envelope.Errors) != 0 {
		return &ServerError{Message: envelope.Errors[0].Message}
	}
	if out != nil {
		if err = json.Unmarshal(envelope.Data, out); err != nil {
			return &ParseError{Err: err}
		}
	}
	return nil
}

func isTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeout); ok && t.Timeout() {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return false
}
