package engine

import (
	"context"
	"sort"
	"time"

	"github.com/gregtusar/spreadwatch/pkg/instruments"
	"github.com/gregtusar/spreadwatch/pkg/models"
)

// do runs fn on the engine goroutine and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case e.commands <- func() { fn(); close(finished) }:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush emits summaries for every bucket that has closed by now.
func (e *Engine) Flush(ctx context.Context) ([]models.BucketSummary, error) {
	var out []models.BucketSummary
	err := e.do(ctx, func() { out = e.flush(e.now()) })
	return out, err
}

func (e *Engine) Rank(ctx context.Context) ([]models.Opportunity, error) {
	var out []models.Opportunity
	err := e.do(ctx, func() { out = e.ranker.Rank() })
	return out, err
}

// Current returns the live summary of the instrument's open bucket.
func (e *Engine) Current(ctx context.Context, key models.InstrumentKey) (models.BucketSummary, bool, error) {
	var (
		out models.BucketSummary
		ok  bool
	)
	err := e.do(ctx, func() { out, ok = e.aggregator.Current(key, e.now()) })
	return out, ok, err
}

// Recent returns the ring contents for one instrument, oldest first.
func (e *Engine) Recent(ctx context.Context, key models.InstrumentKey) ([]models.SpreadObservation, error) {
	var out []models.SpreadObservation
	err := e.do(ctx, func() { out = e.history.Recent(key) })
	return out, err
}

type SweepResult struct {
	Buckets      int   `json:"buckets"`
	Observations int   `json:"observations"`
	Pruned       int64 `json:"pruned"`
}

// Sweep discards open buckets and ring entries older than the retention.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	err := e.do(ctx, func() {
		now := e.now()
		res.Buckets = e.aggregator.ClearOlderThan(now, e.cfg.Retention)
		res.Observations = e.history.DropOlderThan(now, e.cfg.Retention)
	})
	return res, err
}

// Discover offers venue B market ids for mapping and returns what was added.
// Ids whose coin has not been seen on venue A yet are retried once it is.
func (e *Engine) Discover(ctx context.Context, marketIDs []int) ([]instruments.Instrument, error) {
	var added []instruments.Instrument
	err := e.do(ctx, func() { added = e.discover(marketIDs) })
	return added, err
}

// SetTracked narrows both feeds to the given instruments. An empty list
// restores the full streams.
func (e *Engine) SetTracked(ctx context.Context, keys []models.InstrumentKey) error {
	return e.do(ctx, func() {
		var codes, markets []string
		if len(keys) > 0 {
			codes = e.table.VenueACodes(keys)
			markets = e.table.VenueBMarkets(keys)
		}
		if f, ok := e.feeds[models.VenueHyperliquid]; ok {
			f.SetTracked(codes)
		}
		if f, ok := e.feeds[models.VenueLighter]; ok {
			f.SetTracked(markets)
		}
	})
}

// SetSelected limits aggregation, persistence and live streaming to the given
// instruments. The ranking ring keeps every paired instrument. An empty list
// selects everything.
func (e *Engine) SetSelected(ctx context.Context, keys []models.InstrumentKey) error {
	return e.do(ctx, func() {
		e.selected = selectionSet(keys)
		e.logger.WithField("selected", len(keys)).Info("Updated instrument selection")
	})
}

type Snapshot struct {
	Health       models.Health                           `json:"health"`
	Connections  map[models.Venue]models.ConnectionEvent `json:"connections"`
	Instruments  int                                     `json:"instruments"`
	TableVersion uint64                                  `json:"tableVersion"`
	Selected     []models.InstrumentKey                  `json:"selected,omitempty"`
	OpenBuckets  int                                     `json:"openBuckets"`
	Observations uint64                                  `json:"observations"`
	Stale        uint64                                  `json:"stale"`
	Late         uint64                                  `json:"late"`
	Dropped      uint64                                  `json:"dropped"`
	At           time.Time                               `json:"at"`
}

func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.do(ctx, func() {
		conns := make(map[models.Venue]models.ConnectionEvent, len(e.conns))
		for v, ev := range e.conns {
			conns[v] = ev
		}
		var selected []models.InstrumentKey
		for k := range e.selected {
			selected = append(selected, k)
		}
		sort.Slice(selected, func(i, j int) bool { return selected[i] < selected[j] })
		snap = Snapshot{
			Health:       e.health,
			Connections:  conns,
			Instruments:  e.table.Len(),
			TableVersion: e.table.Version(),
			Selected:     selected,
			OpenBuckets:  e.aggregator.Open(),
			Observations: e.pairer.Emitted(),
			Stale:        e.pairer.Stale(),
			Late:         e.aggregator.Late(),
			Dropped:      e.dropped.Load(),
			At:           e.now(),
		}
	})
	return snap, err
}
