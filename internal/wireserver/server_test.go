package wireserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/hypertekorg/hyperstack/internal/bus"
	"github.com/hypertekorg/hyperstack/internal/logging"
	"github.com/hypertekorg/hyperstack/internal/wire"
)

type fakeSnapshotProvider struct {
	frames []wire.Frame
	sort   *wire.SortConfig
}

func (f fakeSnapshotProvider) Snapshot(sub wire.Subscription) ([]wire.Frame, *wire.SortConfig) {
	return f.frames, f.sort
}

func newTestServer(t *testing.T, b *bus.Bus, snap SnapshotProvider) *httptest.Server {
	t.Helper()
	log := logging.New(logging.Config{Output: new(strings.Builder)})
	srv := New(Config{PingInterval: time.Hour, PongTimeout: time.Hour}, b, snap, log, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleUpgrade)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSubscribeReceivesSubscribedAndSnapshot(t *testing.T) {
	b := bus.New(8, 0)
	snap := fakeSnapshotProvider{frames: []wire.Frame{
		{Op: wire.OpCreate, Entity: "Game/state", Key: "1", Data: map[string]any{"score": float64(9)}},
	}}
	ts := newTestServer(t, b, snap)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(wire.SubscribeMsg{
		Type:         "subscribe",
		Subscription: wire.Subscription{View: "Game/state"},
	}))

	var subscribed wire.Subscribed
	require.NoError(t, conn.ReadJSON(&subscribed))
	require.Equal(t, "Game/state", subscribed.View)
	require.NotEmpty(t, subscribed.SubscriptionID)

	var snapshotFrame wire.Frame
	require.NoError(t, conn.ReadJSON(&snapshotFrame))
	require.Equal(t, wire.OpSnapshot, snapshotFrame.Op)
	require.Equal(t, "Game/state", snapshotFrame.Entity)

	entries, ok := snapshotFrame.Data.([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	require.Equal(t, "1", entry["key"])
	require.Equal(t, float64(9), entry["data"].(map[string]any)["score"])
}

func TestPublishedFrameReachesSubscriber(t *testing.T) {
	b := bus.New(8, 0)
	ts := newTestServer(t, b, nil)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(wire.SubscribeMsg{
		Type:         "subscribe",
		Subscription: wire.Subscription{View: "Game/state", Key: "1"},
	}))
	var subscribed wire.Subscribed
	require.NoError(t, conn.ReadJSON(&subscribed))

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount("Game/state") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, b.SubscriberCount("Game/state"))

	b.Publish(wire.Frame{Op: wire.OpPatch, Entity: "Game/state", Key: "1", Data: map[string]any{"score": float64(5)}})

	var frame wire.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, wire.OpPatch, frame.Op)
	require.Equal(t, "1", frame.Key)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := bus.New(8, 0)
	ts := newTestServer(t, b, nil)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(wire.SubscribeMsg{
		Type:         "subscribe",
		Subscription: wire.Subscription{View: "Game/state"},
	}))
	var subscribed wire.Subscribed
	require.NoError(t, conn.ReadJSON(&subscribed))

	require.NoError(t, conn.WriteJSON(wire.UnsubscribeMsg{Type: "unsubscribe", SubscriptionID: subscribed.SubscriptionID}))

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount("Game/state") != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 0, b.SubscriberCount("Game/state"))
}
