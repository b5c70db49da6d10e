package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/gregtusar/spreadwatch/internal/metrics"
	"github.com/gregtusar/spreadwatch/pkg/models"
)

const (
	DefaultRecorderQueue   = 4096
	DefaultWriteTimeout    = 5 * time.Second
	DefaultBreakerCooldown = 30 * time.Second
)

type RecorderConfig struct {
	QueueSize       int
	WriteTimeout    time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type pending struct {
	kind Kind
	rec  Record
}

// Recorder writes records to a Store from its own goroutine. Enqueueing never
// blocks: a full queue drops the record. Writes go through a circuit breaker so
// an unavailable backend is skipped quickly until the cooldown expires.
type Recorder struct {
	store   Store
	cfg     RecorderConfig
	logger  *logrus.Logger
	breaker *gobreaker.CircuitBreaker
	diag    *rate.Limiter

	queue chan pending
	done  chan struct{}

	mu      sync.RWMutex
	started bool
	stopped bool

	dropped atomic.Int64
	failed  atomic.Int64
}

func NewRecorder(s Store, cfg RecorderConfig, logger *logrus.Logger) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultRecorderQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}

	r := &Recorder{
		store:  s,
		cfg:    cfg,
		logger: logger,
		diag:   rate.NewLimiter(rate.Every(10*time.Second), 3),
		queue:  make(chan pending, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "store",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Store circuit breaker changed state")
		},
	})
	return r
}

// Start runs the writer until ctx is cancelled or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.run(ctx)
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case p, ok := <-r.queue:
			if !ok {
				return
			}
			r.write(p)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case p, ok := <-r.queue:
			if !ok {
				return
			}
			r.write(p)
		default:
			return
		}
	}
}

func (r *Recorder) write(p pending) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.store.Append(ctx, p.kind, p.rec)
	})
	metrics.SinkWrite(string(p.kind), err)
	if err == nil {
		return
	}

	r.failed.Add(1)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return
	}
	if r.diag.Allow() {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"kind":   p.kind,
			"symbol": p.rec.Symbol,
		}).Error("Failed to persist record")
	}
}

func (r *Recorder) enqueue(kind Kind, rec Record) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return false
	}
	select {
	case r.queue <- pending{kind: kind, rec: rec}:
		return true
	default:
	}
	r.dropped.Add(1)
	metrics.SinkDropped(string(kind))
	return false
}

func (r *Recorder) RecordObservation(obs models.SpreadObservation) bool {
	return r.enqueue(KindPriceUpdate, ObservationRecord(obs))
}

func (r *Recorder) RecordSummary(s models.BucketSummary) bool {
	return r.enqueue(KindBucket, SummaryRecord(s))
}

// Stop refuses further records, writes what is queued and waits for the
// writer to exit.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	close(r.queue)
	r.mu.Unlock()
	if started {
		<-r.done
	}
}

// Dropped and Failed count records lost to a full queue and to write errors.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) Failed() int64 {
	return r.failed.Load()
}

func (r *Recorder) BreakerState() gobreaker.State {
	return r.breaker.State()
}
