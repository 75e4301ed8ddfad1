// Package push maintains the long-lived subscription to the cloud event
// stream. Frames are translated into PushEvents for the orchestrator, which
// applies them through the same store entry points as every other component.
// While the channel is not online, cloud events are simply dropped; the next
// reconciler cycle repairs whatever was missed.
package push

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"github.com/velide/bridge/go/cloud"
	"github.com/velide/bridge/go/delivery"
	"github.com/velide/bridge/go/metrics"
)

// State of the push channel connection.
type State int32

const (
	StateOffline State = iota
	StateConnecting
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	default:
		return "offline"
	}
}

// Config configures the push channel.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// IntegrationName is sent on the connection-init payload.
	IntegrationName string
	// HandshakeTimeout bounds the dial plus connection-ack exchange.
	HandshakeTimeout time.Duration
	// KeepAliveTimeout is the read deadline between server frames; the
	// server pings well inside it.
	KeepAliveTimeout time.Duration
	// MinBackoff and MaxBackoff bound the reconnect backoff.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// VerifyTLS disables server certificate verification when false.
	VerifyTLS bool
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = 60 * time.Second
	}
	if c.MinBackoff == 0 {
		c.MinBackoff = 2 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 60 * time.Second
	}
}

const subscribeQuery = `
subscription DeliveryEvents {
  deliveryEvents {
    actionType
    timestamp
    offset
    deliveryman { id name }
    delivery { id routeId createdAt endedAt }
    route { id deliveries { id } }
  }
}`

// dedupSize bounds the replay-suppression cache. The stream is
// at-least-once; replays share (action, delivery id, timestamp).
const dedupSize = 1024

// Channel is the websocket subscription with automatic reconnection.
type Channel struct {
	cfg    Config
	tokens cloud.TokenProvider
	events chan<- delivery.Event

	state atomic.Int32
	seen  *lru.Cache[string, struct{}]
}

// New builds a Channel emitting PushEvents on the given channel.
func New(cfg Config, tokens cloud.TokenProvider, events chan<- delivery.Event) *Channel {
	cfg.applyDefaults()
	var seen, _ = lru.New[string, struct{}](dedupSize)
	return &Channel{
		cfg:    cfg,
		tokens: tokens,
		events: events,
		seen:   seen,
	}
}

// State returns the current connection state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Run connects and serves the subscription until ctx is cancelled,
// reconnecting with exponential backoff from MinBackoff up to MaxBackoff.
// The backoff resets after every acknowledged connection.
func (c *Channel) Run(ctx context.Context) error {
	var backoff = c.cfg.MinBackoff
	for {
		c.state.Store(int32(StateConnecting))
		var acked, err = c.serveSession(ctx)
		c.state.Store(int32(StateOffline))

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if acked {
			backoff = c.cfg.MinBackoff
		}
		log.WithFields(log.Fields{"error": err, "backoff": backoff}).
			Warn("push channel disconnected, reconnecting")
		metrics.PushReconnectsTotal.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// serveSession runs one connect/ack/subscribe/read session. It reports
// whether the server acknowledged the connection, which resets the
// reconnect backoff.
func (c *Channel) serveSession(ctx context.Context) (acked bool, err error) {
	var token string
	if token, err = c.tokens.Token(ctx); err != nil {
		return false, fmt.Errorf("acquiring bearer: %w", err)
	}

	var dialer = websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Subprotocols:     []string{"graphql-transport-ws"},
	}
	if !c.cfg.VerifyTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, http.Header{
		"X-Integration-Name": []string{c.cfg.IntegrationName},
	})
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	// Force-close the socket on cancellation so blocked reads return.
	var done = make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var initPayload, _ = json.Marshal(map[string]string{
		"Authorization":   "Bearer " + token,
		"integrationName": c.cfg.IntegrationName,
	})
	if err = c.writeJSON(conn, wsMessage{Type: "connection_init", Payload: initPayload}); err != nil {
		return false, err
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	var msg wsMessage
	if err = conn.ReadJSON(&msg); err != nil {
		return false, fmt.Errorf("awaiting connection ack: %w", err)
	}
	if msg.Type != "connection_ack" {
		return false, fmt.Errorf("expected connection_ack, got %q", msg.Type)
	}

	var subPayload, _ = json.Marshal(map[string]string{"query": subscribeQuery})
	if err = c.writeJSON(conn, wsMessage{ID: "1", Type: "subscribe", Payload: subPayload}); err != nil {
		return true, err
	}

	c.state.Store(int32(StateOnline))
	log.Info("push channel online")

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.KeepAliveTimeout))
		if err = conn.ReadJSON(&msg); err != nil {
			return true, fmt.Errorf("reading event frame: %w", err)
		}

		switch msg.Type {
		case "ping":
			if err = c.writeJSON(conn, wsMessage{Type: "pong"}); err != nil {
				return true, err
			}
		case "next":
			c.handleNext(msg.Payload)
		case "complete":
			return true, fmt.Errorf("server completed the subscription")
		case "error":
			return true, fmt.Errorf("subscription error: %s", string(msg.Payload))
		case "pong", "ka":
			// Keep-alive chatter.
		default:
			log.WithField("type", msg.Type).Debug("ignoring unexpected frame")
		}
	}
}

func (c *Channel) writeJSON(conn *websocket.Conn, msg wsMessage) error {
	conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	return conn.WriteJSON(msg)
}

type eventFrame struct {
	Data struct {
		DeliveryEvents struct {
			ActionType  string `json:"actionType"`
			Timestamp   int64  `json:"timestamp"`
			Offset      int64  `json:"offset"`
			Deliveryman *struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"deliveryman"`
			Delivery *struct {
				ID        string          `json:"id"`
				RouteID   string          `json:"routeId"`
				CreatedAt cloud.Timestamp `json:"createdAt"`
				EndedAt   cloud.Timestamp `json:"endedAt"`
			} `json:"delivery"`
			Route *struct {
				ID         string `json:"id"`
				Deliveries []struct {
					ID string `json:"id"`
				} `json:"deliveries"`
			} `json:"route"`
		} `json:"deliveryEvents"`
	} `json:"data"`
}

// handleNext translates one subscription frame into PushEvents. Route-level
// frames fan out to every delivery on the route.
func (c *Channel) handleNext(payload json.RawMessage) {
	var frame eventFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.WithField("error", err).Error("parsing subscription frame")
		return
	}
	var ev = frame.Data.DeliveryEvents
	if ev.ActionType == "" {
		return
	}

	var deliverymanID string
	if ev.Deliveryman != nil {
		deliverymanID = ev.Deliveryman.ID
	}

	var ids []string
	if ev.Route != nil && len(ev.Route.Deliveries) > 0 {
		for _, d := range ev.Route.Deliveries {
			ids = append(ids, d.ID)
		}
	} else if ev.Delivery != nil && ev.Delivery.ID != "" {
		ids = append(ids, ev.Delivery.ID)
	}

	for _, id := range ids {
		var key = fmt.Sprintf("%s/%s/%d", ev.ActionType, id, ev.Timestamp)
		if replay, _ := c.seen.ContainsOrAdd(key, struct{}{}); replay {
			log.WithField("key", key).Debug("dropping replayed push event")
			continue
		}
		metrics.PushEventsTotal.WithLabelValues(ev.ActionType).Inc()
		c.events <- delivery.PushEvent{
			Action:        ev.ActionType,
			ExternalID:    id,
			DeliverymanID: deliverymanID,
			TimestampMS:   ev.Timestamp,
		}
	}
}
