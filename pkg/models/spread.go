package models

import (
	"time"
)

type SpreadObservation struct {
	Instrument InstrumentKey `json:"instrument"`
	PriceA     float64       `json:"priceA"`
	PriceB     float64       `json:"priceB"`
	Spread     float64       `json:"spread"`
	SpreadPct  float64       `json:"spreadPct"`
	ObservedAt time.Time     `json:"observedAt"`
}

// NewSpreadObservation derives the spread fields from the two venue prices.
// Spread is always PriceB - PriceA.
func NewSpreadObservation(key InstrumentKey, priceA, priceB float64, at time.Time) SpreadObservation {
	spread := priceB - priceA
	return SpreadObservation{
		Instrument: key,
		PriceA:     priceA,
		PriceB:     priceB,
		Spread:     spread,
		SpreadPct:  spread / priceA * 100,
		ObservedAt: at,
	}
}

type BucketSummary struct {
	Instrument   InstrumentKey `json:"instrument"`
	BucketStart  time.Time     `json:"bucketStart"`
	AvgPriceA    float64       `json:"avgPriceA"`
	AvgPriceB    float64       `json:"avgPriceB"`
	AvgSpread    float64       `json:"avgSpread"`
	AvgSpreadPct float64       `json:"avgSpreadPct"`
	MinSpread    float64       `json:"minSpread"`
	MaxSpread    float64       `json:"maxSpread"`
	Count        int           `json:"count"`
}

type Opportunity struct {
	Instrument   InstrumentKey `json:"instrument"`
	AvgSpread    float64       `json:"avgSpread"`
	AvgSpreadPct float64       `json:"avgSpreadPct"`
	MaxAbsSpread float64       `json:"maxAbsSpread"`
	MinAbsSpread float64       `json:"minAbsSpread"`
	Count        int           `json:"count"`
	CurrentPrice float64       `json:"currentPrice"`
}
