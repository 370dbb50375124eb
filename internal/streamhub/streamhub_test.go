package streamhub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketgw/gateway/internal/aggregate"
	"github.com/marketgw/gateway/internal/cache"
	"github.com/marketgw/gateway/internal/config"
	"github.com/marketgw/gateway/internal/dispatch"
	"github.com/marketgw/gateway/internal/domain"
	"github.com/marketgw/gateway/internal/httpclient"
	"github.com/marketgw/gateway/internal/registry"

	_ "github.com/marketgw/gateway/internal/normalize"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"value":"72"}]}`))
	}))
	t.Cleanup(upstream.Close)

	reg, err := registry.Build(&config.Catalog{Providers: []config.ProviderSpec{
		{ID: "fng", Category: domain.CategorySentiment, BaseURL: upstream.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
	}})
	require.NoError(t, err)

	d := dispatch.New(reg, httpclient.New(httpclient.Config{MaxRetries: 0}), cache.New(100, ""))
	agg := aggregate.New(d, true)

	hub := New(agg)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialTestHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSubscribePublicChannelReceivesSnapshot(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dialTestHub(t, srv)

	sub, _ := json.Marshal(controlMessage{Op: "subscribe", Channel: ChannelSentiment})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))

	req, _ := json.Marshal(controlMessage{Op: "request", Channel: ChannelSentiment})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg dataMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, ChannelSentiment, msg.Channel)
}

func TestPrivateChannelRejectedWithoutAuth(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dialTestHub(t, srv)

	sub, _ := json.Marshal(controlMessage{Op: "subscribe", Channel: "portfolio"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"forbidden"`)
}

func TestOutboxDropsOldestWhenFull(t *testing.T) {
	o := newOutbox()
	for i := 0; i < outboxCapacity+dropThreshold+1; i++ {
		o.push([]byte("msg"))
	}
	drained := o.drain()
	assert.Len(t, drained, outboxCapacity)
	assert.True(t, o.droppedExceeded())
}

func TestCookieRoundTrip(t *testing.T) {
	h := &Hub{secret: []byte("test-secret")}
	cookie := h.cookieValue("client-123")
	id, ok := h.verifyCookie(cookie)
	require.True(t, ok)
	assert.Equal(t, "client-123", id)

	_, ok = h.verifyCookie("garbage")
	assert.False(t, ok)
}
