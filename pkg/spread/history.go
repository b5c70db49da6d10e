package spread

import (
	"time"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

const DefaultHistoryCapacity = 30

type ring struct {
	items []models.SpreadObservation
	head  int
	size  int
}

func (r *ring) push(obs models.SpreadObservation) {
	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.head+r.size)%capacity] = obs
		r.size++
		return
	}
	r.items[r.head] = obs
	r.head = (r.head + 1) % capacity
}

// snapshot returns the contents oldest first.
func (r *ring) snapshot() []models.SpreadObservation {
	out := make([]models.SpreadObservation, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

func (r *ring) dropBefore(cutoff time.Time) int {
	dropped := 0
	for r.size > 0 && r.items[r.head].ObservedAt.Before(cutoff) {
		r.items[r.head] = models.SpreadObservation{}
		r.head = (r.head + 1) % len(r.items)
		r.size--
		dropped++
	}
	return dropped
}

// History keeps the last N observations per instrument.
type History struct {
	capacity int
	rings    map[models.InstrumentKey]*ring
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		capacity: capacity,
		rings:    make(map[models.InstrumentKey]*ring),
	}
}

func (h *History) Push(obs models.SpreadObservation) {
	r, ok := h.rings[obs.Instrument]
	if !ok {
		r = &ring{items: make([]models.SpreadObservation, h.capacity)}
		h.rings[obs.Instrument] = r
	}
	r.push(obs)
}

// Recent returns the ring for key, oldest first.
func (h *History) Recent(key models.InstrumentKey) []models.SpreadObservation {
	r, ok := h.rings[key]
	if !ok {
		return nil
	}
	return r.snapshot()
}

func (h *History) Len(key models.InstrumentKey) int {
	if r, ok := h.rings[key]; ok {
		return r.size
	}
	return 0
}

func (h *History) Instruments() []models.InstrumentKey {
	keys := make([]models.InstrumentKey, 0, len(h.rings))
	for k := range h.rings {
		keys = append(keys, k)
	}
	return keys
}

// DropOlderThan evicts observations older than now-horizon and forgets
// instruments whose ring becomes empty.
func (h *History) DropOlderThan(now time.Time, horizon time.Duration) int {
	cutoff := now.Add(-horizon)
	dropped := 0
	for key, r := range h.rings {
		dropped += r.dropBefore(cutoff)
		if r.size == 0 {
			delete(h.rings, key)
		}
	}
	return dropped
}
