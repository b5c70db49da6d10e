package spread

import (
	"time"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

type sides struct {
	a, b *models.VenuePrice
}

// PriceCache holds the most recent price per venue per instrument.
type PriceCache struct {
	entries map[models.InstrumentKey]*sides
}

func NewPriceCache() *PriceCache {
	return &PriceCache{entries: make(map[models.InstrumentKey]*sides)}
}

// Set overwrites the cached price for (venue, key) and returns both sides.
func (c *PriceCache) Set(venue models.Venue, key models.InstrumentKey, price float64, at time.Time) (a, b *models.VenuePrice) {
	s, ok := c.entries[key]
	if !ok {
		s = &sides{}
		c.entries[key] = s
	}
	vp := &models.VenuePrice{Venue: venue, Instrument: key, Price: price, ObservedAt: at}
	switch venue {
	case models.VenueHyperliquid:
		s.a = vp
	case models.VenueLighter:
		s.b = vp
	}
	return s.a, s.b
}

func (c *PriceCache) Get(venue models.Venue, key models.InstrumentKey) (models.VenuePrice, bool) {
	s, ok := c.entries[key]
	if !ok {
		return models.VenuePrice{}, false
	}
	var vp *models.VenuePrice
	switch venue {
	case models.VenueHyperliquid:
		vp = s.a
	case models.VenueLighter:
		vp = s.b
	}
	if vp == nil {
		return models.VenuePrice{}, false
	}
	return *vp, true
}

func (c *PriceCache) Len() int {
	return len(c.entries)
}
