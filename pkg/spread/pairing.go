package spread

import (
	"time"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

// Membership reports whether an instrument is part of the mapping table.
type Membership interface {
	Contains(key models.InstrumentKey) bool
}

type ObservationHandler func(models.SpreadObservation)

// Pairer merges the latest price from each venue into spread observations.
// It is not safe for concurrent use; the engine serializes all calls.
type Pairer struct {
	known   Membership
	cache   *PriceCache
	maxAge  time.Duration
	emit    ObservationHandler
	emitted uint64
	stale   uint64
}

type PairerOption func(*Pairer)

// WithMaxAge rejects pairings whose counter-side price is older than d.
// Zero disables the check.
func WithMaxAge(d time.Duration) PairerOption {
	return func(p *Pairer) { p.maxAge = d }
}

func NewPairer(known Membership, emit ObservationHandler, opts ...PairerOption) *Pairer {
	p := &Pairer{
		known: known,
		cache: NewPriceCache(),
		emit:  emit,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pairer) UpdateA(key models.InstrumentKey, price float64, at time.Time) (models.SpreadObservation, bool) {
	return p.update(models.VenueHyperliquid, key, price, at)
}

func (p *Pairer) UpdateB(key models.InstrumentKey, price float64, at time.Time) (models.SpreadObservation, bool) {
	return p.update(models.VenueLighter, key, price, at)
}

func (p *Pairer) update(venue models.Venue, key models.InstrumentKey, price float64, at time.Time) (models.SpreadObservation, bool) {
	if p.known != nil && !p.known.Contains(key) {
		return models.SpreadObservation{}, false
	}

	a, b := p.cache.Set(venue, key, price, at)
	if a == nil || b == nil {
		return models.SpreadObservation{}, false
	}

	if p.maxAge > 0 {
		other := a
		if venue == models.VenueHyperliquid {
			other = b
		}
		if at.Sub(other.ObservedAt) > p.maxAge {
			p.stale++
			return models.SpreadObservation{}, false
		}
	}

	obs := models.NewSpreadObservation(key, a.Price, b.Price, at)
	p.emitted++
	if p.emit != nil {
		p.emit(obs)
	}
	return obs, true
}

func (p *Pairer) Cache() *PriceCache {
	return p.cache
}

func (p *Pairer) Emitted() uint64 {
	return p.emitted
}

func (p *Pairer) Stale() uint64 {
	return p.stale
}
