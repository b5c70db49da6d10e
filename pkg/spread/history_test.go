package spread

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

func TestHistoryEvictsOldestFirst(t *testing.T) {
	h := NewHistory(30)
	for i := 0; i < 35; i++ {
		h.Push(obsAt("BTC-USD", 100, 100+float64(i), t0.Add(time.Duration(i)*time.Second)))
	}

	recent := h.Recent("BTC-USD")
	require.Len(t, recent, 30)
	for i, o := range recent {
		assert.Equal(t, float64(i+5), o.Spread)
	}
	assert.Equal(t, 30, h.Len("BTC-USD"))
}

func TestHistoryDropOlderThan(t *testing.T) {
	h := NewHistory(10)
	for i := 0; i < 5; i++ {
		h.Push(obsAt("BTC-USD", 100, 101, t0.Add(time.Duration(i)*time.Hour)))
	}
	h.Push(obsAt("ETH-USD", 100, 101, t0))

	dropped := h.DropOlderThan(t0.Add(4*time.Hour), 90*time.Minute)
	assert.Equal(t, 4, dropped)
	assert.Equal(t, 2, h.Len("BTC-USD"))
	assert.Nil(t, h.Recent("ETH-USD"))
}

func TestRankerExcludesThinHistory(t *testing.T) {
	h := NewHistory(30)
	for i := 0; i < 4; i++ {
		h.Push(obsAt("THIN-USD", 100, 150, t0))
	}
	for i := 0; i < 5; i++ {
		h.Push(obsAt("BTC-USD", 100, 101, t0))
	}

	opps := NewRanker(h, 0, 0).Rank()
	require.Len(t, opps, 1)
	assert.Equal(t, models.InstrumentKey("BTC-USD"), opps[0].Instrument)
}

func TestRankerOrderingAndLimit(t *testing.T) {
	h := NewHistory(30)
	for i := 0; i < 15; i++ {
		key := models.InstrumentKey(fmt.Sprintf("C%02d-USD", i))
		// alternate sign so magnitude, not direction, drives the order
		priceB := 100 + float64(i+1)
		if i%2 == 1 {
			priceB = 100 - float64(i+1)
		}
		for j := 0; j < 6; j++ {
			h.Push(obsAt(key, 100, priceB, t0))
		}
	}

	r := NewRanker(h, 5, 10)
	opps := r.Rank()
	require.Len(t, opps, 10)
	assert.Equal(t, models.InstrumentKey("C14-USD"), opps[0].Instrument)
	assert.InDelta(t, 15.0, opps[0].AvgSpreadPct, 1e-9)
	assert.Equal(t, models.InstrumentKey("C13-USD"), opps[1].Instrument)
	assert.InDelta(t, 14.0, opps[1].AvgSpreadPct, 1e-9)
	assert.InDelta(t, -14.0, opps[1].AvgSpread, 1e-9)
	for i := 1; i < len(opps); i++ {
		assert.GreaterOrEqual(t, opps[i-1].AvgSpreadPct, opps[i].AvgSpreadPct)
	}

	assert.Equal(t, opps, r.Rank())
}

func TestRankerStatistics(t *testing.T) {
	h := NewHistory(30)
	for _, b := range []float64{98, 103, 101, 99, 104} {
		h.Push(obsAt("ETH-USD", 100, b, t0))
	}
	h.Push(obsAt("ETH-USD", 200, 201, t0.Add(time.Second)))

	opps := NewRanker(h, 5, 10).Rank()
	require.Len(t, opps, 1)
	o := opps[0]
	assert.Equal(t, 6, o.Count)
	assert.Equal(t, 4.0, o.MaxAbsSpread)
	assert.Equal(t, 1.0, o.MinAbsSpread)
	assert.InDelta(t, 1.0, o.AvgSpread, 1e-12)
	assert.Equal(t, 200.0, o.CurrentPrice)
}
