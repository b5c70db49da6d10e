package models

import (
	"time"
)

type Venue string

const (
	VenueHyperliquid Venue = "hyperliquid"
	VenueLighter     Venue = "lighter"
)

// InstrumentKey identifies one tradable pair across both venues, e.g. "BTC-USD".
type InstrumentKey string

type VenuePrice struct {
	Venue      Venue         `json:"venue"`
	Instrument InstrumentKey `json:"instrument"`
	Price      float64       `json:"price"`
	ObservedAt time.Time     `json:"observedAt"`
}

// PriceEvent is a normalized reading as it leaves a feed client. NativeID is the
// venue's own identifier (coin code or market id) and is resolved to an
// InstrumentKey by the engine.
type PriceEvent struct {
	Venue      Venue
	NativeID   string
	Price      float64
	ReceivedAt time.Time
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type ConnectionEvent struct {
	Venue     Venue           `json:"venue"`
	State     ConnectionState `json:"state"`
	Attempt   int             `json:"attempt"`
	Exhausted bool            `json:"exhausted"`
	At        time.Time       `json:"at"`
}

type Health string

const (
	HealthOperational Health = "operational"
	HealthPartial     Health = "partial"
	HealthDown        Health = "down"
)

func HealthOf(a, b ConnectionState) Health {
	switch {
	case a == Connected && b == Connected:
		return HealthOperational
	case a == Connected || b == Connected:
		return HealthPartial
	default:
		return HealthDown
	}
}
