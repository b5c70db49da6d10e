package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

// MemoryStore keeps records per kind and symbol, sorted by timestamp.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Kind]map[models.InstrumentKey][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: map[Kind]map[models.InstrumentKey][]Record{
			KindPriceUpdate: {},
			KindBucket:      {},
		},
	}
}

func (m *MemoryStore) Append(ctx context.Context, kind Kind, rec Record) error {
	if err := validate(kind, rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.data[kind][rec.Symbol]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp.After(rec.Timestamp) })
	recs = append(recs, Record{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	m.data[kind][rec.Symbol] = recs
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, kind Kind, symbol models.InstrumentKey, start, end time.Time) ([]Record, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.data[kind][symbol] {
		if inRange(rec.Timestamp, start, end) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) Scan(ctx context.Context, kind Kind, start, end time.Time) ([]Record, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, recs := range m.data[kind] {
		for _, rec := range recs {
			if inRange(rec.Timestamp, start, end) {
				out = append(out, rec)
			}
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for _, bySymbol := range m.data {
		for symbol, recs := range bySymbol {
			i := sort.Search(len(recs), func(i int) bool { return !recs[i].Timestamp.Before(before) })
			if i == 0 {
				continue
			}
			removed += int64(i)
			if i == len(recs) {
				delete(bySymbol, symbol)
				continue
			}
			bySymbol[symbol] = append([]Record(nil), recs[i:]...)
		}
	}
	return removed, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st Stats
	for _, recs := range m.data[KindPriceUpdate] {
		st.TotalUpdates += int64(len(recs))
		if len(recs) == 0 {
			continue
		}
		if first := recs[0].Timestamp; st.FirstTimestamp.IsZero() || first.Before(st.FirstTimestamp) {
			st.FirstTimestamp = first
		}
		if last := recs[len(recs)-1].Timestamp; last.After(st.LastTimestamp) {
			st.LastTimestamp = last
		}
	}
	for _, recs := range m.data[KindBucket] {
		st.TotalAggregated += int64(len(recs))
	}
	return st, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
