package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recorder struct {
	mu      sync.Mutex
	prices  []models.PriceEvent
	states  []models.ConnectionEvent
	markets []string
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnPrice: func(ev models.PriceEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.prices = append(r.prices, ev)
		},
		OnState: func(ev models.ConnectionEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, ev)
		},
		OnMarkets: func(_ models.Venue, ids []string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.markets = append(r.markets, ids...)
		},
	}
}

func (r *recorder) priceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prices)
}

func (r *recorder) lastState() (models.ConnectionEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return models.ConnectionEvent{}, false
	}
	return r.states[len(r.states)-1], true
}

func (r *recorder) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.states {
		if ev.State == models.Connected {
			n++
		}
	}
	return n
}

// feedServer upgrades every request, records the first client frame and then
// runs script against the connection.
type feedServer struct {
	*httptest.Server
	mu   sync.Mutex
	subs []string
}

func newFeedServer(t *testing.T, script func(conn *websocket.Conn)) *feedServer {
	fs := &feedServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.subs = append(fs.subs, string(sub))
		fs.mu.Unlock()

		script(conn)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *feedServer) subscriptions() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.subs...)
}

func TestClientStreamsFilteredPrices(t *testing.T) {
	srv := newFeedServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"subscriptionResponse"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"allMids","data":{"mids":{"BTC":"50000","ETH":"3000","DOGE":"x"}}}`))
		// hold the session open until the client leaves
		conn.ReadMessage()
	})

	rec := &recorder{}
	client := NewClient(Hyperliquid{}, Config{URL: srv.wsURL()}, rec.handlers(), quietLogger())
	client.SetTracked([]string{"BTC", "DOGE"})
	client.Connect(context.Background())
	defer client.Disconnect()

	require.Eventually(t, func() bool { return rec.priceCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	ev := rec.prices[0]
	rec.mu.Unlock()
	assert.Equal(t, models.VenueHyperliquid, ev.Venue)
	assert.Equal(t, "BTC", ev.NativeID)
	assert.Equal(t, 50000.0, ev.Price)
	assert.False(t, ev.ReceivedAt.IsZero())

	assert.Equal(t, models.Connected, client.State())
	subs := srv.subscriptions()
	require.Len(t, subs, 1)
	assert.JSONEq(t, `{"method":"subscribe","subscription":{"type":"allMids"}}`, subs[0])
}

func TestClientReportsDiscoveredMarketsOnce(t *testing.T) {
	msg := []byte(`{"channel":"market_stats:all","market_stats":{"0":{"mark_price":"3000"},"1":{"mark_price":"50000"}}}`)
	srv := newFeedServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, msg)
		conn.WriteMessage(websocket.TextMessage, msg)
		conn.ReadMessage()
	})

	rec := &recorder{}
	client := NewClient(Lighter{}, Config{URL: srv.wsURL()}, rec.handlers(), quietLogger())
	client.Connect(context.Background())
	defer client.Disconnect()

	require.Eventually(t, func() bool { return rec.priceCount() == 4 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ElementsMatch(t, []string{"0", "1"}, rec.markets)
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	var sessions int32
	srv := newFeedServer(t, func(conn *websocket.Conn) {
		if atomic.AddInt32(&sessions, 1) == 1 {
			// drop the first session abruptly
			return
		}
		conn.ReadMessage()
	})

	rec := &recorder{}
	cfg := Config{URL: srv.wsURL(), BaseDelay: 20 * time.Millisecond, MaxAttempts: 3}
	client := NewClient(Lighter{}, cfg, rec.handlers(), quietLogger())
	client.Connect(context.Background())
	defer client.Disconnect()

	require.Eventually(t, func() bool { return rec.connectedCount() >= 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(srv.subscriptions()) == 2 }, time.Second, 10*time.Millisecond)
	for _, sub := range srv.subscriptions() {
		assert.JSONEq(t, `{"type":"subscribe","channel":"market_stats/all"}`, sub)
	}

	last, ok := rec.lastState()
	require.True(t, ok)
	assert.Equal(t, models.Connected, last.State)
	assert.Equal(t, 0, last.Attempt)
	assert.False(t, last.Exhausted)
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	var dials int32
	failing := func(ctx context.Context, url string) (*websocket.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}

	rec := &recorder{}
	cfg := Config{URL: "ws://unused", BaseDelay: 5 * time.Millisecond, MaxAttempts: 3}
	client := NewClient(Hyperliquid{}, cfg, rec.handlers(), quietLogger(), WithDialer(failing))
	client.Connect(context.Background())
	defer client.Disconnect()

	require.Eventually(t, client.Exhausted, 2*time.Second, 5*time.Millisecond)
	// one initial dial plus three reconnects
	assert.Equal(t, int32(4), atomic.LoadInt32(&dials))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(4), atomic.LoadInt32(&dials))
	assert.Equal(t, models.Disconnected, client.State())

	last, ok := rec.lastState()
	require.True(t, ok)
	assert.True(t, last.Exhausted)
	assert.Equal(t, models.Disconnected, last.State)
	assert.Equal(t, 3, last.Attempt)

	// an explicit Connect starts a fresh budget
	client.Connect(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&dials) == 8 && client.Exhausted() }, 2*time.Second, 5*time.Millisecond)
}

func TestClientDisconnectCancelsPendingReconnect(t *testing.T) {
	var dials int32
	failing := func(ctx context.Context, url string) (*websocket.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}

	cfg := Config{URL: "ws://unused", BaseDelay: 100 * time.Millisecond, MaxAttempts: 5}
	client := NewClient(Hyperliquid{}, cfg, Handlers{}, quietLogger(), WithDialer(failing))
	client.Connect(context.Background())

	require.Eventually(t, func() bool { return atomic.LoadInt32(&dials) == 1 }, time.Second, 5*time.Millisecond)
	client.Disconnect()
	client.Disconnect()

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dials))
	assert.Equal(t, models.Disconnected, client.State())
}

func TestClientDisconnectAbortsInFlightDial(t *testing.T) {
	var dials int32
	returned := make(chan error, 1)
	blocking := func(ctx context.Context, url string) (*websocket.Conn, error) {
		atomic.AddInt32(&dials, 1)
		<-ctx.Done()
		returned <- ctx.Err()
		return nil, ctx.Err()
	}

	rec := &recorder{}
	cfg := Config{URL: "ws://unused", BaseDelay: 10 * time.Millisecond}
	client := NewClient(Hyperliquid{}, cfg, rec.handlers(), quietLogger(), WithDialer(blocking))
	client.Connect(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&dials) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.Connecting, client.State())

	client.Disconnect()

	select {
	case err := <-returned:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dial was not aborted")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dials))
	last, ok := rec.lastState()
	require.True(t, ok)
	assert.Equal(t, models.Disconnected, last.State)
	assert.False(t, last.Exhausted)
}
