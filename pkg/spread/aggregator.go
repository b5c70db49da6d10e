package spread

import (
	"math"
	"sort"
	"time"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

const DefaultBucketWidth = 5 * time.Minute

type bucket struct {
	start        int64
	observations []models.SpreadObservation
}

// Aggregator folds spread observations into fixed-width time buckets per
// instrument. Buckets are keyed by floor(observedAt/width)*width in Unix time.
type Aggregator struct {
	width   time.Duration
	buckets map[models.InstrumentKey]map[int64]*bucket
	// buckets starting before the watermark have been flushed and are closed
	watermark int64
	late      uint64
}

func NewAggregator(width time.Duration) *Aggregator {
	if width <= 0 {
		width = DefaultBucketWidth
	}
	return &Aggregator{
		width:     width,
		buckets:   make(map[models.InstrumentKey]map[int64]*bucket),
		watermark: math.MinInt64,
	}
}

func (a *Aggregator) Width() time.Duration {
	return a.width
}

// BucketStart returns floor(t/width)*width.
func (a *Aggregator) BucketStart(t time.Time) time.Time {
	return time.Unix(0, a.floor(t)).UTC()
}

func (a *Aggregator) floor(t time.Time) int64 {
	n := t.UnixNano()
	w := int64(a.width)
	r := n % w
	if r < 0 {
		r += w
	}
	return n - r
}

// Add appends obs to its bucket. It returns false when the bucket has already
// been flushed; closed buckets are never reopened.
func (a *Aggregator) Add(obs models.SpreadObservation) bool {
	start := a.floor(obs.ObservedAt)
	if start < a.watermark {
		a.late++
		return false
	}

	perKey, ok := a.buckets[obs.Instrument]
	if !ok {
		perKey = make(map[int64]*bucket)
		a.buckets[obs.Instrument] = perKey
	}
	b, ok := perKey[start]
	if !ok {
		b = &bucket{start: start}
		perKey[start] = b
	}
	b.observations = append(b.observations, obs)
	return true
}

// FlushCompleted summarizes and evicts every bucket that started before the
// bucket containing now. Summaries are ordered by bucket start, then instrument.
func (a *Aggregator) FlushCompleted(now time.Time) []models.BucketSummary {
	current := a.floor(now)
	if current > a.watermark {
		a.watermark = current
	}

	var out []models.BucketSummary
	for key, perKey := range a.buckets {
		for start, b := range perKey {
			if start >= current {
				continue
			}
			if summary, ok := summarize(key, b); ok {
				out = append(out, summary)
			}
			delete(perKey, start)
		}
		if len(perKey) == 0 {
			delete(a.buckets, key)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.Before(out[j].BucketStart)
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

// Current summarizes the still-open bucket for key without evicting it.
func (a *Aggregator) Current(key models.InstrumentKey, now time.Time) (models.BucketSummary, bool) {
	perKey, ok := a.buckets[key]
	if !ok {
		return models.BucketSummary{}, false
	}
	b, ok := perKey[a.floor(now)]
	if !ok {
		return models.BucketSummary{}, false
	}
	return summarize(key, b)
}

// ClearOlderThan drops any bucket that started before now-horizon, flushed or not.
func (a *Aggregator) ClearOlderThan(now time.Time, horizon time.Duration) int {
	cutoff := a.floor(now.Add(-horizon))
	removed := 0
	for key, perKey := range a.buckets {
		for start := range perKey {
			if start < cutoff {
				delete(perKey, start)
				removed++
			}
		}
		if len(perKey) == 0 {
			delete(a.buckets, key)
		}
	}
	return removed
}

// Open returns the number of open buckets across all instruments.
func (a *Aggregator) Open() int {
	n := 0
	for _, perKey := range a.buckets {
		n += len(perKey)
	}
	return n
}

func (a *Aggregator) Late() uint64 {
	return a.late
}

func summarize(key models.InstrumentKey, b *bucket) (models.BucketSummary, bool) {
	var (
		sumA, sumB, sumSpread, sumPct float64
		minSpread                     = math.Inf(1)
		maxSpread                     = math.Inf(-1)
		n                             int
	)
	for _, o := range b.observations {
		if !valid(o) {
			continue
		}
		sumA += o.PriceA
		sumB += o.PriceB
		sumSpread += o.Spread
		sumPct += o.SpreadPct
		minSpread = math.Min(minSpread, o.Spread)
		maxSpread = math.Max(maxSpread, o.Spread)
		n++
	}
	if n == 0 {
		return models.BucketSummary{}, false
	}

	count := float64(n)
	return models.BucketSummary{
		Instrument:   key,
		BucketStart:  time.Unix(0, b.start).UTC(),
		AvgPriceA:    sumA / count,
		AvgPriceB:    sumB / count,
		AvgSpread:    sumSpread / count,
		AvgSpreadPct: sumPct / count,
		MinSpread:    minSpread,
		MaxSpread:    maxSpread,
		Count:        n,
	}, true
}

func valid(o models.SpreadObservation) bool {
	for _, v := range []float64{o.PriceA, o.PriceB, o.Spread, o.SpreadPct} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return o.PriceA > 0 && o.PriceB > 0
}
