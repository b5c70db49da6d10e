package engine

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/spreadwatch/internal/metrics"
	"github.com/gregtusar/spreadwatch/pkg/feed"
	"github.com/gregtusar/spreadwatch/pkg/instruments"
	"github.com/gregtusar/spreadwatch/pkg/models"
	"github.com/gregtusar/spreadwatch/pkg/spread"
)

var ErrStopped = errors.New("engine stopped")

const (
	DefaultQueueSize     = 4096
	DefaultFlushInterval = 10 * time.Second
	DefaultRetention     = 24 * time.Hour
)

type Config struct {
	QueueSize       int
	FlushInterval   time.Duration
	BucketWidth     time.Duration
	HistoryCapacity int
	MinSamples      int
	TopN            int
	// MaxAge drops pairings whose counter-side price is older. Zero disables it.
	MaxAge time.Duration
	// Retention bounds open buckets and ring entries kept in memory.
	Retention time.Duration
	Selected  []models.InstrumentKey
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.BucketWidth <= 0 {
		c.BucketWidth = spread.DefaultBucketWidth
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Feed is the part of a venue client the engine drives.
type Feed interface {
	Venue() models.Venue
	Connect(ctx context.Context)
	Disconnect()
	SetTracked(nativeIDs []string)
}

// Sink receives selected observations and completed bucket summaries. Calls
// come from the engine goroutine and must not block.
type Sink interface {
	RecordObservation(models.SpreadObservation) bool
	RecordSummary(models.BucketSummary) bool
}

// StateSink is implemented by sinks that also want connection events.
type StateSink interface {
	RecordState(models.ConnectionEvent)
}

type Option func(*Engine)

func WithSink(s Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// WithClock replaces time.Now for flush and sweep decisions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the pairing, aggregation and ranking state. Feeds hand prices in
// through a bounded queue and every read or mutation of that state runs on the
// engine goroutine.
type Engine struct {
	cfg    Config
	logger *logrus.Logger
	table  *instruments.Table
	now    func() time.Time

	pairer     *spread.Pairer
	aggregator *spread.Aggregator
	history    *spread.History
	ranker     *spread.Ranker
	sinks      []Sink
	feeds      map[models.Venue]Feed

	prices   chan models.PriceEvent
	states   chan models.ConnectionEvent
	commands chan func()
	done     chan struct{}
	dropped  atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc

	// owned by the engine goroutine
	conns    map[models.Venue]models.ConnectionEvent
	health   models.Health
	selected map[models.InstrumentKey]struct{}
	seenA    map[string]struct{}
	pending  map[int]struct{}
}

func New(cfg Config, table *instruments.Table, logger *logrus.Logger, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		table:    table,
		now:      time.Now,
		feeds:    make(map[models.Venue]Feed),
		prices:   make(chan models.PriceEvent, cfg.QueueSize),
		states:   make(chan models.ConnectionEvent, 16),
		commands: make(chan func()),
		done:     make(chan struct{}),
		conns: map[models.Venue]models.ConnectionEvent{
			models.VenueHyperliquid: {Venue: models.VenueHyperliquid, State: models.Disconnected},
			models.VenueLighter:     {Venue: models.VenueLighter, State: models.Disconnected},
		},
		health:  models.HealthDown,
		seenA:   make(map[string]struct{}),
		pending: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	pairerOpts := []spread.PairerOption{}
	if cfg.MaxAge > 0 {
		pairerOpts = append(pairerOpts, spread.WithMaxAge(cfg.MaxAge))
	}
	e.pairer = spread.NewPairer(table, e.fanOut, pairerOpts...)
	e.aggregator = spread.NewAggregator(cfg.BucketWidth)
	e.history = spread.NewHistory(cfg.HistoryCapacity)
	e.ranker = spread.NewRanker(e.history, cfg.MinSamples, cfg.TopN)
	e.selected = selectionSet(cfg.Selected)
	return e
}

// FeedHandlers returns the callbacks a feed client should be built with.
func (e *Engine) FeedHandlers() feed.Handlers {
	return feed.Handlers{
		OnPrice:   e.OnPrice,
		OnState:   e.OnState,
		OnMarkets: e.OnMarkets,
	}
}

// Attach registers the venue clients. It must be called before Start.
func (e *Engine) Attach(feeds ...Feed) {
	for _, f := range feeds {
		e.feeds[f.Venue()] = f
	}
}

// Start runs the engine goroutine and connects every attached feed.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		go e.run(ctx)

		e.logger.WithFields(logrus.Fields{
			"instruments":  e.table.Len(),
			"bucket_width": e.cfg.BucketWidth.String(),
			"selected":     len(e.cfg.Selected),
		}).Info("Starting spread engine")

		for _, f := range e.feeds {
			f.Connect(ctx)
		}
	})
}

// Stop disconnects the feeds and waits for the engine goroutine to finish its
// final flush.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		// a Stop before Start leaves nothing to wait for and blocks a later Start
		e.startOnce.Do(func() {})
		e.logger.Info("Stopping spread engine")
		for _, f := range e.feeds {
			f.Disconnect()
		}
		if e.cancel == nil {
			close(e.done)
			return
		}
		e.cancel()
		<-e.done
	})
}

// Done is closed once the engine goroutine has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// OnPrice enqueues a venue price. When the queue is full the oldest queued
// price is discarded to make room.
func (e *Engine) OnPrice(ev models.PriceEvent) {
	for {
		select {
		case e.prices <- ev:
			return
		default:
		}
		select {
		case <-e.prices:
			e.dropped.Add(1)
			metrics.QueueDropped()
		default:
		}
	}
}

// OnState delivers a connection event. It blocks while the state channel is
// full and gives up only once the engine has stopped.
func (e *Engine) OnState(ev models.ConnectionEvent) {
	select {
	case e.states <- ev:
	case <-e.done:
	}
}

// OnMarkets feeds venue B market ids into instrument discovery.
func (e *Engine) OnMarkets(venue models.Venue, nativeIDs []string) {
	if venue != models.VenueLighter {
		return
	}
	ids := make([]int, 0, len(nativeIDs))
	for _, s := range nativeIDs {
		if id, err := strconv.Atoi(s); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	select {
	case e.commands <- func() { e.discover(ids) }:
	case <-e.done:
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drainPrices()
			e.flush(e.now())
			return
		case ev := <-e.states:
			e.handleState(ev)
		case ev := <-e.prices:
			e.handlePrice(ev)
		case fn := <-e.commands:
			// commands observe every event queued before them
			e.drainStates()
			e.drainPrices()
			fn()
		case <-ticker.C:
			e.flush(e.now())
		}
	}
}

func (e *Engine) drainStates() {
	for {
		select {
		case ev := <-e.states:
			e.handleState(ev)
		default:
			return
		}
	}
}

func (e *Engine) drainPrices() {
	for {
		select {
		case ev := <-e.prices:
			e.handlePrice(ev)
		default:
			return
		}
	}
}

func (e *Engine) handlePrice(ev models.PriceEvent) {
	if ev.Venue == models.VenueHyperliquid {
		if _, seen := e.seenA[ev.NativeID]; !seen {
			e.seenA[ev.NativeID] = struct{}{}
			if len(e.pending) > 0 {
				e.retryPending()
			}
		}
	}

	inst, ok := e.table.Resolve(ev.Venue, ev.NativeID)
	if !ok {
		return
	}
	switch ev.Venue {
	case models.VenueHyperliquid:
		e.pairer.UpdateA(inst.Key, ev.Price, ev.ReceivedAt)
	case models.VenueLighter:
		e.pairer.UpdateB(inst.Key, ev.Price, ev.ReceivedAt)
	}
}

// fanOut receives every paired observation. The ring sees all of them so the
// ranking covers every instrument; the rest only sees the selection.
func (e *Engine) fanOut(obs models.SpreadObservation) {
	metrics.Observation()
	e.history.Push(obs)

	if !e.isSelected(obs.Instrument) {
		return
	}
	if !e.aggregator.Add(obs) {
		metrics.LateObservation()
	}
	for _, s := range e.sinks {
		s.RecordObservation(obs)
	}
}

func (e *Engine) isSelected(key models.InstrumentKey) bool {
	if len(e.selected) == 0 {
		return true
	}
	_, ok := e.selected[key]
	return ok
}

func (e *Engine) flush(now time.Time) []models.BucketSummary {
	summaries := e.aggregator.FlushCompleted(now)
	if len(summaries) == 0 {
		return summaries
	}
	metrics.Summaries(len(summaries))
	for _, sum := range summaries {
		for _, s := range e.sinks {
			s.RecordSummary(sum)
		}
	}
	e.logger.WithFields(logrus.Fields{
		"summaries": len(summaries),
		"open":      e.aggregator.Open(),
	}).Debug("Flushed completed buckets")
	return summaries
}

func (e *Engine) handleState(ev models.ConnectionEvent) {
	e.conns[ev.Venue] = ev

	health := models.HealthOf(e.conns[models.VenueHyperliquid].State, e.conns[models.VenueLighter].State)
	if health != e.health {
		e.logger.WithFields(logrus.Fields{
			"from": e.health,
			"to":   health,
		}).Info("Connection health changed")
		e.health = health
	}
	if ev.Exhausted {
		e.logger.WithField("venue", ev.Venue).Error("Feed gave up reconnecting")
	}

	for _, s := range e.sinks {
		if ss, ok := s.(StateSink); ok {
			ss.RecordState(ev)
		}
	}
}

func (e *Engine) discover(ids []int) []instruments.Instrument {
	for _, id := range ids {
		if _, mapped := e.table.ByVenueBMarket(id); !mapped {
			e.pending[id] = struct{}{}
		}
	}
	return e.retryPending()
}

func (e *Engine) retryPending() []instruments.Instrument {
	ids := make([]int, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	added := e.table.Discover(ids, func(coin string) bool {
		_, ok := e.seenA[coin]
		return ok
	})
	for _, inst := range added {
		delete(e.pending, inst.VenueBMarketID)
		e.logger.WithFields(logrus.Fields{
			"instrument": inst.Key,
			"coin":       inst.VenueACode,
			"market_id":  inst.VenueBMarketID,
			"version":    e.table.Version(),
		}).Info("Discovered instrument")
	}
	for _, id := range ids {
		if _, ok := instruments.CatalogCoin(id); !ok {
			delete(e.pending, id)
		}
	}
	return added
}

func selectionSet(keys []models.InstrumentKey) map[models.InstrumentKey]struct{} {
	if len(keys) == 0 {
		return nil
	}
	set := make(map[models.InstrumentKey]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
