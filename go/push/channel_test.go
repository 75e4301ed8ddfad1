package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/velide/bridge/go/delivery"
)

type staticTokens struct{}

func (staticTokens) Token(context.Context) (string, error)   { return "token-1", nil }
func (staticTokens) Refresh(context.Context) (string, error) { return "token-1", nil }

// fakeCloudWS implements enough of graphql-transport-ws to drive the channel.
type fakeCloudWS struct {
	t       *testing.T
	frames  []json.RawMessage // "next" payloads pushed after subscribe.
	gotAuth string
}

func (f *fakeCloudWS) handler(w http.ResponseWriter, r *http.Request) {
	var upgrader = websocket.Upgrader{
		Subprotocols: []string{"graphql-transport-ws"},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	require.NoError(f.t, err)
	defer conn.Close()

	var msg struct {
		ID      string          `json:"id"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(f.t, conn.ReadJSON(&msg))
	require.Equal(f.t, "connection_init", msg.Type)
	var init map[string]string
	require.NoError(f.t, json.Unmarshal(msg.Payload, &init))
	f.gotAuth = init["Authorization"]

	require.NoError(f.t, conn.WriteJSON(map[string]string{"type": "connection_ack"}))

	require.NoError(f.t, conn.ReadJSON(&msg))
	require.Equal(f.t, "subscribe", msg.Type)

	for _, frame := range f.frames {
		require.NoError(f.t, conn.WriteJSON(map[string]interface{}{
			"id":      msg.ID,
			"type":    "next",
			"payload": frame,
		}))
	}
	// Hold the connection open until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func eventPayload(t *testing.T, action, deliveryID, deliverymanID string, ts int64) json.RawMessage {
	t.Helper()
	var dm interface{}
	if deliverymanID != "" {
		dm = map[string]string{"id": deliverymanID, "name": "Driver"}
	}
	var raw, err = json.Marshal(map[string]interface{}{
		"data": map[string]interface{}{
			"deliveryEvents": map[string]interface{}{
				"actionType":  action,
				"timestamp":   ts,
				"deliveryman": dm,
				"delivery":    map[string]string{"id": deliveryID},
			},
		},
	})
	require.NoError(t, err)
	return raw
}

func startChannel(t *testing.T, server *fakeCloudWS) (<-chan delivery.Event, *Channel) {
	t.Helper()
	var srv = httptest.NewServer(http.HandlerFunc(server.handler))
	t.Cleanup(srv.Close)

	var events = make(chan delivery.Event, 16)
	var ch = New(Config{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
		VerifyTLS:  true,
	}, staticTokens{}, events)

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan struct{})
	go func() {
		ch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return events, ch
}

func TestChannelDeliversEvents(t *testing.T) {
	var server = &fakeCloudWS{t: t, frames: []json.RawMessage{
		eventPayload(t, delivery.PushActionDelete, "E2", "", 1000),
		eventPayload(t, delivery.PushActionStartRoute, "E3", "D7", 2000),
	}}
	var events, ch = startChannel(t, server)

	select {
	case ev := <-events:
		require.Equal(t, delivery.PushEvent{
			Action: delivery.PushActionDelete, ExternalID: "E2", TimestampMS: 1000,
		}, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev := <-events:
		require.Equal(t, delivery.PushEvent{
			Action: delivery.PushActionStartRoute, ExternalID: "E3",
			DeliverymanID: "D7", TimestampMS: 2000,
		}, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	require.Equal(t, StateOnline, ch.State())
	require.Equal(t, "Bearer token-1", server.gotAuth)
}

func TestChannelDropsReplayedFrames(t *testing.T) {
	var frame = eventPayload(t, delivery.PushActionDelete, "E2", "", 1000)
	var server = &fakeCloudWS{t: t, frames: []json.RawMessage{frame, frame}}
	var events, _ = startChannel(t, server)

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-events:
		t.Fatalf("replayed frame was delivered: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelStartsOffline(t *testing.T) {
	var events = make(chan delivery.Event, 1)
	var ch = New(Config{URL: "ws://127.0.0.1:1/graphql"}, staticTokens{}, events)
	require.Equal(t, StateOffline, ch.State())
	// No connection was ever made: no events, no store mutations.
	require.Empty(t, events)
}

func TestRouteFrameFansOut(t *testing.T) {
	var raw, err = json.Marshal(map[string]interface{}{
		"data": map[string]interface{}{
			"deliveryEvents": map[string]interface{}{
				"actionType":  delivery.PushActionStartRoute,
				"timestamp":   3000,
				"deliveryman": map[string]string{"id": "D7", "name": "Driver"},
				"route": map[string]interface{}{
					"id": "R1",
					"deliveries": []map[string]string{
						{"id": "E10"}, {"id": "E11"},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	var server = &fakeCloudWS{t: t, frames: []json.RawMessage{raw}}
	var events, _ = startChannel(t, server)

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-events:
			var push = ev.(delivery.PushEvent)
			require.Equal(t, delivery.PushActionStartRoute, push.Action)
			require.Equal(t, "D7", push.DeliverymanID)
			got = append(got, push.ExternalID)
		case <-time.After(5 * time.Second):
			t.Fatal("route fan-out incomplete")
		}
	}
	require.ElementsMatch(t, []string{"E10", "E11"}, got)
}
