package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gregtusar/spreadwatch/internal/metrics"
	"github.com/gregtusar/spreadwatch/pkg/models"
)

const (
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxAttempts = 5
)

type Config struct {
	URL              string
	BaseDelay        time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * c.PingInterval
	}
	return c
}

// Handlers receive everything a client emits. They are called from the
// client's goroutines and must not block for long.
type Handlers struct {
	OnPrice   func(models.PriceEvent)
	OnState   func(models.ConnectionEvent)
	OnMarkets func(venue models.Venue, nativeIDs []string)
}

type Dialer func(ctx context.Context, url string) (*websocket.Conn, error)

// Client keeps one streaming session to a venue alive. It reconnects with a
// linear backoff after dial failures or unsolicited closes and gives up after
// MaxAttempts consecutive failures until Connect is called again.
type Client struct {
	proto    Protocol
	cfg      Config
	handlers Handlers
	logger   *logrus.Logger
	dial     Dialer
	diag     *rate.Limiter

	mu        sync.Mutex
	state     models.ConnectionState
	conn      *websocket.Conn
	parent    context.Context
	cancel    context.CancelFunc
	timer     *time.Timer
	attempts  int
	exhausted bool
	// gen invalidates goroutines and timers that belong to an older session
	gen uint64
	seq uint64

	emitMu  sync.Mutex
	lastSeq uint64

	filterMu   sync.RWMutex
	tracked    map[string]struct{}
	discovered map[string]struct{}
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

func NewClient(proto Protocol, cfg Config, handlers Handlers, logger *logrus.Logger, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		proto:      proto,
		cfg:        cfg,
		handlers:   handlers,
		logger:     logger,
		diag:       rate.NewLimiter(rate.Every(10*time.Second), 3),
		discovered: make(map[string]struct{}),
	}
	c.dial = c.defaultDial
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) defaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}
	return conn, nil
}

func (c *Client) Venue() models.Venue {
	return c.proto.Venue()
}

// Connect starts a session unless one is already connecting or connected.
// An explicit call clears the attempt counter, so it also revives a client
// that exhausted its reconnects.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state != models.Disconnected {
		c.mu.Unlock()
		return
	}
	c.parent = ctx
	c.attempts = 0
	c.exhausted = false
	c.stopTimerLocked()
	ev := c.startLocked()
	c.mu.Unlock()

	c.emitState(ev)
}

// Disconnect tears the session down from any state: it cancels a pending
// reconnect timer, aborts an in-flight dial and closes an open connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	was := c.state
	c.state = models.Disconnected
	ev := c.eventLocked()
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	if was != models.Disconnected {
		c.logger.WithField("venue", c.Venue()).Info("Feed disconnected")
		c.emitState(ev)
	}
}

func (c *Client) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// SetTracked narrows the ids passed to OnPrice. An empty list accepts all.
func (c *Client) SetTracked(nativeIDs []string) {
	var tracked map[string]struct{}
	if len(nativeIDs) > 0 {
		tracked = make(map[string]struct{}, len(nativeIDs))
		for _, id := range nativeIDs {
			tracked[id] = struct{}{}
		}
	}

	c.filterMu.Lock()
	c.tracked = tracked
	c.filterMu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"venue":   c.Venue(),
		"tracked": len(nativeIDs),
	}).Debug("Updated tracked instruments")
}

func (c *Client) accepts(nativeID string) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	if len(c.tracked) == 0 {
		return true
	}
	_, ok := c.tracked[nativeID]
	return ok
}

func (c *Client) startLocked() stateEvent {
	c.gen++
	gen := c.gen
	parent := c.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.state = models.Connecting
	go c.run(ctx, gen)
	return c.eventLocked()
}

func (c *Client) run(ctx context.Context, gen uint64) {
	log := c.logger.WithField("venue", c.Venue())

	conn, err := c.dial(ctx, c.cfg.URL)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		ev := c.failLocked()
		c.mu.Unlock()
		log.WithError(err).Warn("Feed connect failed")
		c.emitState(ev)
		return
	}
	c.conn = conn
	c.attempts = 0
	c.exhausted = false
	c.state = models.Connected
	ev := c.eventLocked()
	c.mu.Unlock()

	log.Info("Feed connected")
	c.emitState(ev)

	if err := c.subscribe(conn); err != nil {
		log.WithError(err).Error("Failed to subscribe")
		conn.Close()
	}

	go c.keepAlive(ctx, conn)
	c.readLoop(ctx, gen, conn)
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	for _, msg := range c.proto.SubscribeMessages() {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	c.logger.WithField("venue", c.Venue()).Info("Subscribed")
	return nil
}

func (c *Client) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		if ctx.Err() != nil {
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	venue := c.Venue()
	batch, err := c.proto.Decode(data)
	if err != nil {
		metrics.FeedMessage(string(venue), "malformed")
		if c.diag.Allow() {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"venue": venue,
				"bytes": len(data),
			}).Warn("Dropping venue message")
		}
		return
	}
	if batch.Control {
		metrics.FeedMessage(string(venue), "control")
		return
	}
	metrics.FeedMessage(string(venue), "ok")
	if batch.Dropped > 0 && c.diag.Allow() {
		c.logger.WithFields(logrus.Fields{
			"venue":   venue,
			"dropped": batch.Dropped,
		}).Debug("Dropped malformed readings")
	}

	if fresh := c.newMarkets(batch.Markets); len(fresh) > 0 && c.handlers.OnMarkets != nil {
		c.handlers.OnMarkets(venue, fresh)
	}

	if c.handlers.OnPrice == nil {
		return
	}
	now := time.Now()
	for _, q := range batch.Quotes {
		if !c.accepts(q.NativeID) {
			continue
		}
		metrics.FeedPrice(string(venue))
		c.handlers.OnPrice(models.PriceEvent{
			Venue:      venue,
			NativeID:   q.NativeID,
			Price:      q.Price,
			ReceivedAt: now,
		})
	}
}

func (c *Client) newMarkets(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	var fresh []string
	for _, id := range ids {
		if _, seen := c.discovered[id]; seen {
			continue
		}
		c.discovered[id] = struct{}{}
		fresh = append(fresh, id)
	}
	return fresh
}

func (c *Client) handleClose(gen uint64, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// closed by Disconnect
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.conn = nil
	ev := c.failLocked()
	c.mu.Unlock()

	conn.Close()
	c.logger.WithError(err).WithField("venue", c.Venue()).Warn("Feed connection lost")
	c.emitState(ev)
}

// failLocked moves to Disconnected and schedules the next attempt if the
// budget allows it.
func (c *Client) failLocked() stateEvent {
	c.state = models.Disconnected
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.scheduleReconnectLocked()
	return c.eventLocked()
}

func (c *Client) scheduleReconnectLocked() {
	if c.timer != nil {
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.exhausted = true
		c.logger.WithFields(logrus.Fields{
			"venue":    c.Venue(),
			"attempts": c.attempts,
		}).Error("Max reconnection attempts reached")
		return
	}

	c.attempts++
	delay := c.cfg.BaseDelay * time.Duration(c.attempts)
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() { c.retry(gen) })

	metrics.FeedReconnect(string(c.Venue()))
	c.logger.WithFields(logrus.Fields{
		"venue":   c.Venue(),
		"attempt": c.attempts,
		"delay":   delay.String(),
	}).Info("Reconnecting")
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != models.Disconnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ev := c.startLocked()
	c.mu.Unlock()

	c.emitState(ev)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

type stateEvent struct {
	seq uint64
	models.ConnectionEvent
}

func (c *Client) eventLocked() stateEvent {
	c.seq++
	return stateEvent{
		seq: c.seq,
		ConnectionEvent: models.ConnectionEvent{
			Venue:     c.Venue(),
			State:     c.state,
			Attempt:   c.attempts,
			Exhausted: c.exhausted,
			At:        time.Now(),
		},
	}
}

// emitState delivers events in the order they were created. An event that
// lost the race to a newer one is skipped, so the last delivered event always
// matches the client's current state.
func (c *Client) emitState(ev stateEvent) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if ev.seq <= c.lastSeq {
		return
	}
	c.lastSeq = ev.seq
	metrics.FeedState(string(ev.Venue), int(ev.State))
	if c.handlers.OnState != nil {
		c.handlers.OnState(ev.ConnectionEvent)
	}
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.HandshakeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.WithError(err).WithField("venue", c.Venue()).Error("Failed to send ping")
				conn.Close()
				return
			}
		}
	}
}
