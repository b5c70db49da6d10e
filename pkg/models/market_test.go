package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthOf(t *testing.T) {
	assert.Equal(t, HealthOperational, HealthOf(Connected, Connected))
	assert.Equal(t, HealthPartial, HealthOf(Connected, Connecting))
	assert.Equal(t, HealthPartial, HealthOf(Disconnected, Connected))
	assert.Equal(t, HealthDown, HealthOf(Connecting, Disconnected))
	assert.Equal(t, HealthDown, HealthOf(Disconnected, Disconnected))
}

func TestNewSpreadObservation(t *testing.T) {
	at := time.Unix(1700000000, 0)
	obs := NewSpreadObservation("BTC-USD", 50000, 50050, at)

	assert.Equal(t, InstrumentKey("BTC-USD"), obs.Instrument)
	assert.Equal(t, 50050.0-50000.0, obs.Spread)
	assert.Equal(t, (50050.0-50000.0)/50000.0*100, obs.SpreadPct)
	assert.InDelta(t, 0.1, obs.SpreadPct, 1e-12)
	assert.Equal(t, at, obs.ObservedAt)
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	text, err := Disconnected.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "disconnected", string(text))
}
