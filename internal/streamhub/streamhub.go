// Package streamhub is the Subscription Hub (component J): a
// channel-multiplexed fan-out over a bidirectional WebSocket connection.
// Clients send {op:"subscribe"|"unsubscribe"|"request", channel, symbols?}
// control frames; the hub replies with {channel, t, payload} data frames
// produced by background pollers that sample the Aggregator on a schedule.
//
// Grounded on the teacher's internal/providers/kraken/websocket.go client:
// the same connect/ping/reconnect/per-channel-handler shape, flipped to run
// server-side with gorilla/websocket's Upgrader instead of its Dialer, and
// with the hub (not a single remote exchange) owning the channel registry.
package streamhub

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/marketgw/gateway/internal/aggregate"
	"github.com/marketgw/gateway/internal/metrics"
)

// Channel names, matching the canonical channel set.
const (
	ChannelMarketData  = "market_data"
	ChannelSentiment   = "sentiment"
	ChannelNews        = "news"
	ChannelWhales      = "whales"
	ChannelPredictions = "predictions" // external ML collaborator, no poller wired here
)

var publicChannels = map[string]bool{
	ChannelMarketData: true,
	ChannelSentiment:  true,
	ChannelNews:       true,
}

var pollIntervals = map[string]time.Duration{
	ChannelMarketData: 30 * time.Second,
	ChannelSentiment:  120 * time.Second,
	ChannelNews:       120 * time.Second,
	ChannelWhales:     60 * time.Second,
}

const (
	outboxCapacity       = 64
	dropThreshold        = 32
	dropWindow           = 60 * time.Second
	reconnectGracePeriod = 30 * time.Second
	pingInterval         = 30 * time.Second
)

// Authenticator validates an inbound bearer token and returns the
// authenticated client's identity. The actual auth/JWT subsystem lives
// outside this repo; this is the hook it plugs into. A nil Authenticator
// means every connection is treated as unauthenticated (public channels
// only).
type Authenticator func(token string) (clientID string, groups []string, ok bool)

// Hub owns every live connection's channel subscriptions and the
// background pollers that feed them.
type Hub struct {
	agg     *aggregate.Aggregator
	auth    Authenticator
	secret  []byte
	metrics *metrics.Registry

	mu       sync.Mutex
	sessions map[string]*session // client_id -> session, kept reconnectGracePeriod past disconnect
	clients  map[string]*client  // client_id -> live connection, present only while open
	pollers  map[string]*poller  // channel -> running poller, ref-counted across clients

	upgrader websocket.Upgrader
}

// New builds a Hub. agg should be a permissive-mode Aggregator, since
// poller failures should degrade rather than kill the broadcast. The
// reconnect cookie is signed with HMAC_SECRET; if unset, an ephemeral key
// is generated and a startup warning logged, since reconnection then can't
// survive a process restart.
func New(agg *aggregate.Aggregator) *Hub {
	secret := []byte(os.Getenv("HMAC_SECRET"))
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("streamhub: generate ephemeral secret: %v", err))
		}
		log.Warn().Msg("HMAC_SECRET not set; using an ephemeral key, reconnection will not survive a restart")
	}
	return &Hub{
		agg:      agg,
		secret:   secret,
		sessions: make(map[string]*session),
		clients:  make(map[string]*client),
		pollers:  make(map[string]*poller),
		upgrader: websocket.Upgrader{
			ReadBufferSize: 4096, WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetAuthenticator wires the external auth collaborator's token-check hook.
func (h *Hub) SetAuthenticator(a Authenticator) {
	h.auth = a
}

// SetMetrics wires the Prometheus registry the hub records connection
// counts and dropped-message counts to. A nil or never-set registry is a
// silent no-op, since tests build hubs without one.
func (h *Hub) SetMetrics(m *metrics.Registry) {
	h.metrics = m
}

func (h *Hub) sign(clientID string, issuedAtUnix int64) string {
	mac := hmac.New(sha256.New, h.secret)
	fmt.Fprintf(mac, "%s:%d", clientID, issuedAtUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// cookieValue packs client_id, issued-at, and signature into one opaque
// token so a guessed client_id alone can't forge a reconnect.
func (h *Hub) cookieValue(clientID string) string {
	now := time.Now().Unix()
	return fmt.Sprintf("%s.%d.%s", clientID, now, h.sign(clientID, now))
}

func (h *Hub) verifyCookie(value string) (clientID string, ok bool) {
	parts := strings.SplitN(value, ".", 3)
	if len(parts) != 3 {
		return "", false
	}
	var issuedAt int64
	if _, err := fmt.Sscanf(parts[1], "%d", &issuedAt); err != nil {
		return "", false
	}
	if time.Since(time.Unix(issuedAt, 0)) > reconnectGracePeriod {
		return "", false
	}
	expected := h.sign(parts[0], issuedAt)
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return "", false
	}
	return parts[0], true
}

// session is the durable identity behind a connection, kept around for
// reconnectGracePeriod after disconnect so a client reconnecting with its
// cookie gets its subscription set restored. The cookie is accepted only
// while it is under reconnectGracePeriod old, counted from when it was
// issued at connection open.
type session struct {
	clientID string
	mu       sync.Mutex
	authed   bool
	groups   []string
	channels map[string]map[string]bool // channel -> symbols filter (empty set = no filter)
	live     bool
}

// ServeHTTP upgrades the connection and runs its read/write pumps until
// close. Implements the handshake -> open -> (subscribing/streaming)* ->
// draining -> closed lifecycle.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID, authed, groups := h.identify(r)

	// The cookie travels in the upgrade response itself: headers set on w
	// after Upgrade hijacks the connection are never sent.
	respHeader := http.Header{}
	respHeader.Add("Set-Cookie", (&http.Cookie{Name: "stream_session", Value: h.cookieValue(clientID), Path: "/stream", HttpOnly: true}).String())

	conn, err := h.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Warn().Err(err).Msg("streamhub: upgrade failed")
		return
	}

	sess := h.openSession(clientID, authed, groups)

	c := &client{
		id: clientID, conn: conn, sess: sess, hub: h,
		outbox: newOutbox(),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[clientID] = c
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.StreamClients.Inc()
	}

	// A restored session's channels were unref'd when its previous
	// connection closed; take their poller references back.
	sess.mu.Lock()
	restored := make([]string, 0, len(sess.channels))
	for ch := range sess.channels {
		restored = append(restored, ch)
	}
	sess.mu.Unlock()
	for _, ch := range restored {
		h.ref(ch)
	}

	log.Info().Str("client_id", clientID).Bool("authed", authed).Msg("stream connection open")

	go c.writePump()
	c.readPump()
}

func (h *Hub) identify(r *http.Request) (clientID string, authed bool, groups []string) {
	if cookie, err := r.Cookie("stream_session"); err == nil {
		if id, ok := h.verifyCookie(cookie.Value); ok {
			if cid, g, ok := h.tryAuth(r); ok && cid == id {
				return id, true, g
			}
			return id, false, nil
		}
	}
	if cid, g, ok := h.tryAuth(r); ok {
		return cid, true, g
	}
	return uuid.New().String(), false, nil
}

func (h *Hub) tryAuth(r *http.Request) (clientID string, groups []string, ok bool) {
	if h.auth == nil {
		return "", nil, false
	}
	token := bearerToken(r)
	if token == "" {
		return "", nil, false
	}
	return h.auth(token)
}

func bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return ""
}

func (h *Hub) openSession(clientID string, authed bool, groups []string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[clientID]; ok {
		s.mu.Lock()
		s.live = true
		s.authed = authed
		s.groups = groups
		s.mu.Unlock()
		return s
	}
	s := &session{clientID: clientID, authed: authed, groups: groups, channels: make(map[string]map[string]bool), live: true}
	h.sessions[clientID] = s
	return s
}

func (h *Hub) closeSession(c *client) {
	s := c.sess
	s.mu.Lock()
	s.live = false
	chans := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.StreamClients.Dec()
	}

	for _, ch := range chans {
		h.unref(ch)
	}

	time.AfterFunc(reconnectGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		s.mu.Lock()
		live := s.live
		s.mu.Unlock()
		if !live && h.sessions[s.clientID] == s {
			delete(h.sessions, s.clientID)
		}
	})
}

// controlMessage is an inbound {op, channel, symbols} frame.
type controlMessage struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols,omitempty"`
}

// dataMessage is an outbound {channel, t, payload} frame.
type dataMessage struct {
	Channel string      `json:"channel"`
	T       int64       `json:"t"`
	Payload interface{} `json:"payload"`
}

type client struct {
	id        string
	conn      *websocket.Conn
	sess      *session
	hub       *Hub
	outbox    *outbox
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadDeadline(time.Now().Add(pingInterval * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pingInterval * 2))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.handleControl(msg)
	}
}

func (c *client) handleControl(msg controlMessage) {
	switch msg.Op {
	case "subscribe":
		if !c.authorizedFor(msg.Channel) {
			c.sendError("forbidden", fmt.Sprintf("channel %q requires authentication", msg.Channel))
			return
		}
		c.subscribe(msg.Channel, msg.Symbols)
	case "unsubscribe":
		c.unsubscribe(msg.Channel)
	case "request":
		if !c.authorizedFor(msg.Channel) {
			c.sendError("forbidden", fmt.Sprintf("channel %q requires authentication", msg.Channel))
			return
		}
		go c.hub.pushSnapshot(msg.Channel, c)
	default:
		c.sendError("bad_op", fmt.Sprintf("unknown op %q", msg.Op))
	}
}

func (c *client) authorizedFor(channel string) bool {
	if publicChannels[channel] {
		return true
	}
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	return c.sess.authed
}

func (c *client) subscribe(channel string, symbols []string) {
	filter := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		filter[strings.ToUpper(s)] = true
	}

	c.sess.mu.Lock()
	_, already := c.sess.channels[channel]
	c.sess.channels[channel] = filter
	c.sess.mu.Unlock()

	if !already {
		c.hub.ref(channel)
	}
}

func (c *client) unsubscribe(channel string) {
	c.sess.mu.Lock()
	_, existed := c.sess.channels[channel]
	delete(c.sess.channels, channel)
	c.sess.mu.Unlock()

	if existed {
		c.hub.unref(channel)
	}
}

func (c *client) subscribedTo(channel string) bool {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	_, ok := c.sess.channels[channel]
	return ok
}

func (c *client) matchesFilter(channel string, symbol string) bool {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	filter, ok := c.sess.channels[channel]
	if !ok {
		return false
	}
	if len(filter) == 0 {
		return true
	}
	return filter[strings.ToUpper(symbol)]
}

func (c *client) sendError(code, message string) {
	b, _ := json.Marshal(map[string]string{"op": "error", "code": code, "message": message})
	c.outbox.push(b)
	select {
	case c.outbox.notify <- struct{}{}:
	default:
	}
}

func (c *client) enqueue(channel string, payload interface{}) {
	b, err := json.Marshal(dataMessage{Channel: channel, T: time.Now().UnixMilli(), Payload: payload})
	if err != nil {
		return
	}
	dropped := c.outbox.push(b)
	if dropped {
		if c.hub.metrics != nil {
			c.hub.metrics.StreamDropped.WithLabelValues(channel).Inc()
		}
		if c.outbox.droppedExceeded() {
			log.Warn().Str("client_id", c.id).Msg("streamhub: closing slow consumer")
			c.closeWithReason("slow_consumer")
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.outbox.notify:
			for _, msg := range c.outbox.drain() {
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}

func (c *client) closeWithReason(reason string) {
	deadline := time.Now().Add(2 * time.Second)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	c.close()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.hub.closeSession(c)
		log.Info().Str("client_id", c.id).Msg("stream connection closed")
	})
}

// outbox is a bounded, drop-oldest queue feeding one client's writePump.
type outbox struct {
	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}

	dropMu      sync.Mutex
	dropCount   int64
	windowStart time.Time
}

func newOutbox() *outbox {
	return &outbox{queue: make([][]byte, 0, outboxCapacity), notify: make(chan struct{}, 1)}
}

func (o *outbox) push(msg []byte) (dropped bool) {
	o.mu.Lock()
	if len(o.queue) >= outboxCapacity {
		o.queue = o.queue[1:]
		dropped = true
	}
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	if dropped {
		o.recordDrop()
	}

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (o *outbox) recordDrop() {
	o.dropMu.Lock()
	defer o.dropMu.Unlock()
	now := time.Now()
	if now.Sub(o.windowStart) > dropWindow {
		o.windowStart = now
		o.dropCount = 0
	}
	o.dropCount++
}

func (o *outbox) droppedExceeded() bool {
	o.dropMu.Lock()
	defer o.dropMu.Unlock()
	return o.dropCount > dropThreshold
}

func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil
	}
	q := o.queue
	o.queue = nil
	return q
}

// poller runs one channel's background sampling loop while at least one
// subscriber remains. Ref-counted so the last unsubscribe cancels it.
type poller struct {
	cancel chan struct{}
	refs   int
}

func (h *Hub) ref(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pollers[channel]
	if !ok {
		p = &poller{cancel: make(chan struct{})}
		h.pollers[channel] = p
		go h.runPoller(channel, p)
	}
	p.refs++
}

func (h *Hub) unref(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pollers[channel]
	if !ok {
		return
	}
	p.refs--
	if p.refs <= 0 {
		close(p.cancel)
		delete(h.pollers, channel)
	}
}

func (h *Hub) runPoller(channel string, p *poller) {
	interval, ok := pollIntervals[channel]
	if !ok {
		return // e.g. predictions: no scheduled poller, snapshot-on-request only
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.cancel:
			return
		case <-ticker.C:
			h.broadcast(channel)
		}
	}
}

// broadcast fans out channel's current snapshot to every live client
// subscribed to it, honoring each client's symbol filter. A poll overrun
// past 2x its interval is abandoned via the fetch's own context timeout.
func (h *Hub) broadcast(channel string) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if c.subscribedTo(channel) {
			h.pushSnapshot(channel, c)
		}
	}
}

// pushSnapshot fetches one fresh sample for channel and enqueues it onto c,
// filtered by c's subscribed symbol set (market_data only; the other
// channels' payloads carry no symbol and are not filtered).
func (h *Hub) pushSnapshot(channel string, c *client) {
	timeout := 2 * pollIntervals[channel]
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch channel {
	case ChannelMarketData:
		listings, _, _, err := h.agg.GetMarketListings(ctx, 50)
		if err != nil {
			return
		}
		for _, p := range listings {
			if c.matchesFilter(channel, p.Symbol) {
				c.enqueue(channel, p)
			}
		}
	case ChannelSentiment:
		v, _, _, err := h.agg.GetFearGreed(ctx)
		if err != nil {
			return
		}
		c.enqueue(channel, v)
	case ChannelNews:
		articles, _, _, err := h.agg.GetNews(ctx, "", 10)
		if err != nil {
			return
		}
		for _, a := range articles {
			c.enqueue(channel, a)
		}
	case ChannelWhales:
		txs, _, _, err := h.agg.GetWhales(ctx, 0, 20)
		if err != nil {
			return
		}
		for _, tx := range txs {
			c.enqueue(channel, tx)
		}
	default:
		c.sendError("unsupported_channel", fmt.Sprintf("no snapshot source for %q", channel))
	}
}
