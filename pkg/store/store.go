package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

// Kind selects one of the persisted record streams.
type Kind string

const (
	KindPriceUpdate Kind = "price_update"
	KindBucket      Kind = "bucket"
)

var Kinds = []Kind{KindPriceUpdate, KindBucket}

var (
	ErrUnknownKind   = errors.New("unknown record kind")
	ErrInvalidRecord = errors.New("invalid record")
)

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Record is one persisted entry. Exactly one of Observation or Summary is set,
// matching the kind it was appended under.
type Record struct {
	Symbol      models.InstrumentKey      `json:"symbol" db:"symbol"`
	Timestamp   time.Time                 `json:"timestamp" db:"ts"`
	Observation *models.SpreadObservation `json:"observation,omitempty"`
	Summary     *models.BucketSummary     `json:"summary,omitempty"`
}

func ObservationRecord(obs models.SpreadObservation) Record {
	return Record{Symbol: obs.Instrument, Timestamp: obs.ObservedAt, Observation: &obs}
}

// SummaryRecord is keyed by the bucket start.
func SummaryRecord(s models.BucketSummary) Record {
	return Record{Symbol: s.Instrument, Timestamp: s.BucketStart, Summary: &s}
}

func validate(kind Kind, rec Record) error {
	switch kind {
	case KindPriceUpdate:
		if rec.Observation == nil {
			return fmt.Errorf("%w: %s without observation", ErrInvalidRecord, kind)
		}
	case KindBucket:
		if rec.Summary == nil {
			return fmt.Errorf("%w: %s without summary", ErrInvalidRecord, kind)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if rec.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidRecord)
	}
	return nil
}

func checkKind(kind Kind) error {
	if kind != KindPriceUpdate && kind != KindBucket {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}

type Stats struct {
	TotalUpdates    int64     `json:"totalUpdates"`
	TotalAggregated int64     `json:"totalAggregated"`
	FirstTimestamp  time.Time `json:"firstTimestamp"`
	LastTimestamp   time.Time `json:"lastTimestamp"`
}

// Store is the persistence sink. Time ranges are inclusive on both ends and a
// zero bound is open.
type Store interface {
	Append(ctx context.Context, kind Kind, rec Record) error
	Query(ctx context.Context, kind Kind, symbol models.InstrumentKey, start, end time.Time) ([]Record, error)
	// Scan returns every symbol's records in the range ordered by timestamp.
	Scan(ctx context.Context, kind Kind, start, end time.Time) ([]Record, error)
	// Prune removes records of every kind stamped before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.Before(recs[j].Timestamp)
		}
		return recs[i].Symbol < recs[j].Symbol
	})
}
