package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/logging"
)

func sampleEscrow(id, requester, provider string) *escrow.Escrow {
	return &escrow.Escrow{
		ID:          id,
		RequesterID: requester,
		ProviderID:  provider,
		Amount:      1000,
		Fee:         100,
		Status:      escrow.StatusHeld,
	}
}

func eventFor(typ escrow.EventType, e *escrow.Escrow) *Event {
	return &Event{Type: typ, Data: e.View(), parties: [2]string{e.RequesterID, e.ProviderID}}
}

func TestWants_PartiesOnly(t *testing.T) {
	evt := eventFor(escrow.EventCreated, sampleEscrow("esc_1", "alice", "bob"))

	assert.True(t, (&Client{accountID: "alice"}).wants(evt))
	assert.True(t, (&Client{accountID: "bob"}).wants(evt))
	assert.False(t, (&Client{accountID: "carol"}).wants(evt))
	assert.False(t, (&Client{accountID: "carol", sub: Subscription{All: true}}).wants(evt),
		"non-operators cannot widen their view")
	assert.True(t, (&Client{accountID: "ops", operator: true, sub: Subscription{All: true}}).wants(evt))
	assert.False(t, (&Client{accountID: "ops", operator: true}).wants(evt))
}

func TestWants_Filters(t *testing.T) {
	e := sampleEscrow("esc_1", "alice", "bob")
	c := &Client{accountID: "alice", sub: Subscription{
		EventTypes: []escrow.EventType{escrow.EventReleased},
		EscrowIDs:  []string{"esc_1"},
	}}

	assert.True(t, c.wants(eventFor(escrow.EventReleased, e)))
	assert.False(t, c.wants(eventFor(escrow.EventCreated, e)))
	assert.False(t, c.wants(eventFor(escrow.EventReleased, sampleEscrow("esc_2", "alice", "bob"))))
}

func TestNotifyEscrow_DropsWhenFull(t *testing.T) {
	h := NewHub(logging.Discard())
	h.broadcast = make(chan *Event, 1)

	e := sampleEscrow("esc_1", "alice", "bob")
	h.NotifyEscrow(context.Background(), escrow.EventCreated, e)
	h.NotifyEscrow(context.Background(), escrow.EventReleased, e)

	assert.Equal(t, int64(1), h.Stats()["dropped_events"])
	evt := <-h.broadcast
	assert.Equal(t, escrow.EventCreated, evt.Type)

	// The event holds a snapshot, not the caller's pointer.
	e.Status = escrow.StatusReleased
	assert.Equal(t, escrow.StatusHeld, evt.Data.Status)
}

// startHub serves the hub behind a stand-in for the auth middleware that
// trusts the X-Account-ID and X-Operator headers.
func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewHub(logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		c.Set(auth.ContextKeyAccountID, c.GetHeader("X-Account-ID"))
		c.Set(auth.ContextKeyIsOperator, c.GetHeader("X-Operator") == "true")
		c.Next()
	})
	h.RegisterRoutes(g)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
}

func dial(t *testing.T, url, account string, operator bool) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-Account-ID", account)
	if operator {
		header.Set("X-Operator", "true")
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Stats()["connected_clients"] == n
	}, 2*time.Second, 10*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var evt map[string]any
	require.NoError(t, json.Unmarshal(msg, &evt))
	return evt
}

func TestHub_StreamsToParties(t *testing.T) {
	h, url := startHub(t)
	alice := dial(t, url, "alice", false)
	carol := dial(t, url, "carol", false)
	waitClients(t, h, 2)

	h.NotifyEscrow(context.Background(), escrow.EventCreated, sampleEscrow("esc_1", "alice", "bob"))
	h.NotifyEscrow(context.Background(), escrow.EventCreated, sampleEscrow("esc_2", "carol", "bob"))

	evt := readEvent(t, alice)
	assert.Equal(t, "escrow.created", evt["type"])
	assert.Equal(t, "esc_1", evt["data"].(map[string]any)["escrow_id"])
	assert.Equal(t, float64(1100), evt["data"].(map[string]any)["total_held"])

	// carol only sees her own escrow.
	evt = readEvent(t, carol)
	assert.Equal(t, "esc_2", evt["data"].(map[string]any)["escrow_id"])
}

func TestHub_SubscriptionUpdate(t *testing.T) {
	h, url := startHub(t)
	ops := dial(t, url, "ops", true)
	waitClients(t, h, 1)

	require.NoError(t, ops.WriteJSON(Subscription{
		All:        true,
		EventTypes: []escrow.EventType{escrow.EventDisputed},
	}))
	// Let the read pump apply the subscription before publishing.
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for c := range h.clients {
			c.mu.RLock()
			all := c.sub.All
			c.mu.RUnlock()
			if all {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	h.NotifyEscrow(context.Background(), escrow.EventCreated, sampleEscrow("esc_1", "alice", "bob"))
	h.NotifyEscrow(context.Background(), escrow.EventDisputed, sampleEscrow("esc_1", "alice", "bob"))

	evt := readEvent(t, ops)
	assert.Equal(t, "escrow.disputed", evt["type"])
}

func TestHub_Disconnect(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url, "alice", false)
	waitClients(t, h, 1)

	require.NoError(t, conn.Close())
	waitClients(t, h, 0)
	assert.Equal(t, int64(1), h.Stats()["total_clients"])
}
