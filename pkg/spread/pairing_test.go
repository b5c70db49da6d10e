package spread

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

type keySet map[models.InstrumentKey]bool

func (k keySet) Contains(key models.InstrumentKey) bool { return k[key] }

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPairerEmitsOnceBothSidesKnown(t *testing.T) {
	var got []models.SpreadObservation
	p := NewPairer(keySet{"BTC-USD": true}, func(o models.SpreadObservation) { got = append(got, o) })

	_, ok := p.UpdateA("BTC-USD", 50000, t0)
	assert.False(t, ok)
	assert.Empty(t, got)

	obs, ok := p.UpdateB("BTC-USD", 50050, t0.Add(time.Second))
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, obs, got[0])
	assert.Equal(t, 50.0, obs.Spread)
	assert.InDelta(t, 0.1, obs.SpreadPct, 1e-12)
	assert.Equal(t, t0.Add(time.Second), obs.ObservedAt)
}

func TestPairerUnknownInstrumentIgnored(t *testing.T) {
	var got []models.SpreadObservation
	p := NewPairer(keySet{"BTC-USD": true}, func(o models.SpreadObservation) { got = append(got, o) })

	p.UpdateA("FOO-USD", 1, t0)
	p.UpdateB("FOO-USD", 2, t0)

	assert.Empty(t, got)
	assert.Equal(t, 0, p.Cache().Len())
	_, ok := p.Cache().Get(models.VenueHyperliquid, "FOO-USD")
	assert.False(t, ok)
}

func TestPairerLastWriteWins(t *testing.T) {
	p := NewPairer(keySet{"ETH-USD": true}, nil)

	p.UpdateA("ETH-USD", 3000, t0)
	p.UpdateA("ETH-USD", 3001, t0)
	obs, ok := p.UpdateB("ETH-USD", 3005, t0)
	require.True(t, ok)
	assert.Equal(t, 3001.0, obs.PriceA)
	assert.Equal(t, 4.0, obs.Spread)

	obs, ok = p.UpdateA("ETH-USD", 3010, t0)
	require.True(t, ok)
	assert.Equal(t, -5.0, obs.Spread)
}

// One observation per triggering event once both sides are known, none before.
func TestPairerMonotoneEmission(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		emitted := 0
		p := NewPairer(keySet{"SOL-USD": true}, func(models.SpreadObservation) { emitted++ })

		seenA, seenB := false, false
		expected := 0
		for i := 0; i < 40; i++ {
			price := 100 + rng.Float64()
			if rng.Intn(2) == 0 {
				p.UpdateA("SOL-USD", price, t0)
				seenA = true
			} else {
				p.UpdateB("SOL-USD", price, t0)
				seenB = true
			}
			if seenA && seenB {
				expected++
			}
			require.Equal(t, expected, emitted)
		}
		assert.Equal(t, uint64(expected), p.Emitted())
	}
}

func TestPairerSpreadIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	p := NewPairer(nil, func(o models.SpreadObservation) {
		require.Equal(t, o.PriceB-o.PriceA, o.Spread)
		require.Equal(t, (o.PriceB-o.PriceA)/o.PriceA*100, o.SpreadPct)
	})
	for i := 0; i < 200; i++ {
		p.UpdateA("X-USD", rng.Float64()*1000+0.01, t0)
		p.UpdateB("X-USD", rng.Float64()*1000+0.01, t0)
	}
}

func TestPairerMaxAge(t *testing.T) {
	var got []models.SpreadObservation
	p := NewPairer(keySet{"BTC-USD": true}, func(o models.SpreadObservation) { got = append(got, o) }, WithMaxAge(10*time.Second))

	p.UpdateA("BTC-USD", 100, t0)
	_, ok := p.UpdateB("BTC-USD", 101, t0.Add(time.Minute))
	assert.False(t, ok)
	assert.Equal(t, uint64(1), p.Stale())

	// the fresh B price is cached and pairs with the next A
	_, ok = p.UpdateA("BTC-USD", 102, t0.Add(time.Minute+time.Second))
	assert.True(t, ok)
	assert.Len(t, got, 1)
}
