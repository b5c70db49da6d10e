package spread

import (
	"math"
	"sort"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

const (
	DefaultMinSamples = 5
	DefaultTopN       = 10
)

type Ranker struct {
	history    *History
	minSamples int
	topN       int
}

func NewRanker(history *History, minSamples, topN int) *Ranker {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Ranker{history: history, minSamples: minSamples, topN: topN}
}

// Rank orders instruments by the magnitude of their mean spread percentage over
// the recent history. Instruments with fewer than minSamples entries are left out.
func (r *Ranker) Rank() []models.Opportunity {
	opps := make([]models.Opportunity, 0)
	for _, key := range r.history.Instruments() {
		recent := r.history.Recent(key)
		if len(recent) < r.minSamples {
			continue
		}
		opps = append(opps, describe(key, recent))
	}

	sort.Slice(opps, func(i, j int) bool {
		if opps[i].AvgSpreadPct != opps[j].AvgSpreadPct {
			return opps[i].AvgSpreadPct > opps[j].AvgSpreadPct
		}
		return opps[i].Instrument < opps[j].Instrument
	})

	if len(opps) > r.topN {
		opps = opps[:r.topN]
	}
	return opps
}

func describe(key models.InstrumentKey, recent []models.SpreadObservation) models.Opportunity {
	var sumSpread, sumPct float64
	maxAbs := math.Inf(-1)
	minAbs := math.Inf(1)
	for _, o := range recent {
		sumSpread += o.Spread
		sumPct += o.SpreadPct
		abs := math.Abs(o.Spread)
		maxAbs = math.Max(maxAbs, abs)
		minAbs = math.Min(minAbs, abs)
	}
	n := float64(len(recent))
	return models.Opportunity{
		Instrument:   key,
		AvgSpread:    sumSpread / n,
		AvgSpreadPct: math.Abs(sumPct / n),
		MaxAbsSpread: maxAbs,
		MinAbsSpread: minAbs,
		Count:        len(recent),
		CurrentPrice: recent[len(recent)-1].PriceA,
	}
}
