package instruments

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

type Instrument struct {
	Key            models.InstrumentKey `json:"key" mapstructure:"key"`
	VenueACode     string               `json:"venueACode" mapstructure:"venue_a_code"`
	VenueBMarketID int                  `json:"venueBMarketId" mapstructure:"venue_b_market_id"`
}

func NewInstrument(coin string, marketID int) Instrument {
	return Instrument{
		Key:            KeyFor(coin),
		VenueACode:     coin,
		VenueBMarketID: marketID,
	}
}

func KeyFor(coin string) models.InstrumentKey {
	return models.InstrumentKey(strings.ToUpper(coin) + "-USD")
}

// Table is the single owned mapping between instrument keys and venue-native ids.
// Entries are append-only; every successful append bumps Version.
type Table struct {
	mu       sync.RWMutex
	entries  []Instrument
	byKey    map[models.InstrumentKey]int
	byCoin   map[string]int
	byMarket map[int]int
	excluded map[string]bool
	version  uint64
}

func NewTable(initial []Instrument, excluded []string) (*Table, error) {
	t := &Table{
		byKey:    make(map[models.InstrumentKey]int),
		byCoin:   make(map[string]int),
		byMarket: make(map[int]int),
		excluded: make(map[string]bool),
	}
	for _, coin := range excluded {
		t.excluded[strings.ToUpper(coin)] = true
	}
	for _, inst := range initial {
		if err := t.add(inst); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) add(inst Instrument) error {
	if inst.VenueACode == "" {
		return fmt.Errorf("instrument %q has no venue A code", inst.Key)
	}
	if inst.Key == "" {
		inst.Key = KeyFor(inst.VenueACode)
	}
	if _, ok := t.byKey[inst.Key]; ok {
		return fmt.Errorf("duplicate instrument %s", inst.Key)
	}
	if _, ok := t.byCoin[inst.VenueACode]; ok {
		return fmt.Errorf("duplicate venue A code %s", inst.VenueACode)
	}
	if _, ok := t.byMarket[inst.VenueBMarketID]; ok {
		return fmt.Errorf("duplicate venue B market %d", inst.VenueBMarketID)
	}

	idx := len(t.entries)
	t.entries = append(t.entries, inst)
	t.byKey[inst.Key] = idx
	t.byCoin[inst.VenueACode] = idx
	t.byMarket[inst.VenueBMarketID] = idx
	t.version++
	return nil
}

func (t *Table) ByVenueACode(coin string) (Instrument, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byCoin[coin]
	if !ok {
		return Instrument{}, false
	}
	return t.entries[idx], true
}

func (t *Table) ByVenueBMarket(marketID int) (Instrument, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byMarket[marketID]
	if !ok {
		return Instrument{}, false
	}
	return t.entries[idx], true
}

func (t *Table) ByKey(key models.InstrumentKey) (Instrument, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byKey[key]
	if !ok {
		return Instrument{}, false
	}
	return t.entries[idx], true
}

// Resolve maps a venue-native id to its instrument.
func (t *Table) Resolve(venue models.Venue, nativeID string) (Instrument, bool) {
	switch venue {
	case models.VenueHyperliquid:
		return t.ByVenueACode(nativeID)
	case models.VenueLighter:
		id, err := strconv.Atoi(nativeID)
		if err != nil {
			return Instrument{}, false
		}
		return t.ByVenueBMarket(id)
	default:
		return Instrument{}, false
	}
}

func (t *Table) Instruments() []Instrument {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Instrument, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Table) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Discover appends mappings for newly observed venue B market ids. A market is
// added only when the catalogue names its coin, the coin is already known on
// venue A, the coin is not excluded, and neither the market nor the coin is
// mapped yet.
func (t *Table) Discover(marketIDs []int, knownOnA func(coin string) bool) []Instrument {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []Instrument
	for _, id := range marketIDs {
		if _, mapped := t.byMarket[id]; mapped {
			continue
		}
		coin, ok := CatalogCoin(id)
		if !ok || t.excluded[coin] {
			continue
		}
		if knownOnA != nil && !knownOnA(coin) {
			continue
		}
		inst := NewInstrument(coin, id)
		if err := t.add(inst); err != nil {
			continue
		}
		added = append(added, inst)
	}
	return added
}

// VenueACodes returns the coin filter for the venue A feed for the given keys.
func (t *Table) VenueACodes(keys []models.InstrumentKey) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if idx, ok := t.byKey[k]; ok {
			out = append(out, t.entries[idx].VenueACode)
		}
	}
	return out
}

// VenueBMarkets returns the market id filter for the venue B feed for the given keys.
func (t *Table) VenueBMarkets(keys []models.InstrumentKey) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if idx, ok := t.byKey[k]; ok {
			out = append(out, strconv.Itoa(t.entries[idx].VenueBMarketID))
		}
	}
	return out
}

func (t *Table) Contains(key models.InstrumentKey) bool {
	_, ok := t.ByKey(key)
	return ok
}
