package instruments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

func TestDefaultInstruments(t *testing.T) {
	insts := DefaultInstruments()
	require.Len(t, insts, 88)
	assert.Equal(t, Instrument{Key: "ETH-USD", VenueACode: "ETH", VenueBMarketID: 0}, insts[0])
	assert.Equal(t, Instrument{Key: "BTC-USD", VenueACode: "BTC", VenueBMarketID: 1}, insts[1])

	_, err := NewTable(insts, nil)
	require.NoError(t, err)
}

func TestTableResolve(t *testing.T) {
	table, err := NewTable([]Instrument{NewInstrument("BTC", 1), NewInstrument("ETH", 0)}, nil)
	require.NoError(t, err)

	inst, ok := table.Resolve(models.VenueHyperliquid, "BTC")
	require.True(t, ok)
	assert.Equal(t, models.InstrumentKey("BTC-USD"), inst.Key)

	inst, ok = table.Resolve(models.VenueLighter, "0")
	require.True(t, ok)
	assert.Equal(t, models.InstrumentKey("ETH-USD"), inst.Key)

	_, ok = table.Resolve(models.VenueHyperliquid, "SOL")
	assert.False(t, ok)
	_, ok = table.Resolve(models.VenueLighter, "not-a-number")
	assert.False(t, ok)
	_, ok = table.Resolve(models.Venue("other"), "BTC")
	assert.False(t, ok)
}

func TestTableRejectsDuplicates(t *testing.T) {
	_, err := NewTable([]Instrument{NewInstrument("BTC", 1), NewInstrument("BTC", 2)}, nil)
	assert.Error(t, err)

	_, err = NewTable([]Instrument{NewInstrument("BTC", 1), NewInstrument("ETH", 1)}, nil)
	assert.Error(t, err)

	_, err = NewTable([]Instrument{{Key: "X-USD"}}, nil)
	assert.Error(t, err)
}

func TestTableDiscover(t *testing.T) {
	table, err := NewTable([]Instrument{NewInstrument("BTC", 1)}, []string{"MKR"})
	require.NoError(t, err)
	v0 := table.Version()

	knownOnA := map[string]bool{"ETH": true, "SOL": true, "MKR": true}
	added := table.Discover([]int{0, 1, 2, 3, 28, 999}, func(coin string) bool { return knownOnA[coin] })

	// 1 already mapped, 3 (DOGE) unknown on A, 28 (MKR) excluded, 999 not in catalogue
	require.Len(t, added, 2)
	assert.Equal(t, models.InstrumentKey("ETH-USD"), added[0].Key)
	assert.Equal(t, models.InstrumentKey("SOL-USD"), added[1].Key)
	assert.Equal(t, 3, table.Len())
	assert.Equal(t, v0+2, table.Version())

	again := table.Discover([]int{0, 2}, func(string) bool { return true })
	assert.Empty(t, again)
	assert.Equal(t, v0+2, table.Version())
}

func TestTableFilters(t *testing.T) {
	table, err := NewTable([]Instrument{NewInstrument("BTC", 1), NewInstrument("ETH", 0)}, nil)
	require.NoError(t, err)

	keys := []models.InstrumentKey{"ETH-USD", "DOGE-USD"}
	assert.Equal(t, []string{"ETH"}, table.VenueACodes(keys))
	assert.Equal(t, []string{"0"}, table.VenueBMarkets(keys))
}
