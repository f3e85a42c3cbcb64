package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestHub_DeliversToSubscribedChannels(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	orderConn := dial(t, srv, "channel=orders.o-1")
	adminConn := dial(t, srv, "channel=admin.orders&channel=orders.o-2")

	require.Eventually(t, func() bool {
		return hub.Subscribers("orders.o-1") == 1 && hub.Subscribers("admin.orders") == 1
	}, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Broadcast(ctx, "orders.o-1", []byte(`{"n":1}`)))
	require.NoError(t, hub.Broadcast(ctx, "admin.orders", []byte(`{"n":2}`)))
	require.NoError(t, hub.Broadcast(ctx, "orders.o-2", []byte(`{"n":3}`)))
	require.NoError(t, hub.Broadcast(ctx, "orders.nobody", []byte(`{"n":4}`)))

	require.JSONEq(t, `{"n":1}`, readMessage(t, orderConn))
	require.JSONEq(t, `{"n":2}`, readMessage(t, adminConn))
	require.JSONEq(t, `{"n":3}`, readMessage(t, adminConn))
}

func TestHub_UnsubscribesOnDisconnect(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "channel=orders.o-1")
	require.Eventually(t, func() bool { return hub.Subscribers("orders.o-1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers("orders.o-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsBadRequests(t *testing.T) {
	hub := NewHub(WithChannelFilter(func(channel string) bool { return strings.HasPrefix(channel, "orders.") }))
	t.Cleanup(hub.Close)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	for _, query := range []string{"", "channel=payments.p-1"} {
		resp, err := http.Get(srv.URL + "/ws?" + query)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestHub_AllowedOrigins(t *testing.T) {
	hub := NewHub(WithAllowedOrigins([]string{"https://shop.example"}))
	t.Cleanup(hub.Close)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?channel=orders.o-1"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://shop.example"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "channel=admin.orders")
	require.Eventually(t, func() bool { return hub.Subscribers("admin.orders") == 1 }, time.Second, 10*time.Millisecond)

	hub.Close()
	require.ErrorIs(t, hub.Broadcast(context.Background(), "admin.orders", []byte("x")), ErrHubClosed)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "connection must be closed by the hub")
}
