package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/spreadwatch/pkg/store"
)

func TestSweeperTrimsEngineAndStore(t *testing.T) {
	h := newHarness(t, Config{Retention: time.Hour}, defaultPair())
	h.engine.Start(context.Background())
	ctx := context.Background()

	mem := store.NewMemoryStore()
	for _, at := range []time.Time{t0, t0.Add(8 * 24 * time.Hour)} {
		h.engine.OnPrice(priceA("BTC", 100, at))
		h.engine.OnPrice(priceB("1", 101, at))
		obs, err := h.engine.Recent(ctx, "BTC-USD")
		require.NoError(t, err)
		require.NoError(t, mem.Append(ctx, store.KindPriceUpdate, store.ObservationRecord(obs[len(obs)-1])))
	}

	h.clock.Set(t0.Add(8*24*time.Hour + time.Minute))
	sweeper, err := NewSweeper(h.engine, mem, SweepConfig{}, quietLogger())
	require.NoError(t, err)

	res, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Observations)
	assert.Equal(t, 1, res.Buckets)
	assert.Equal(t, int64(1), res.Pruned)

	recent, err := h.engine.Recent(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	st, err := mem.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalUpdates)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	h := newHarness(t, Config{}, defaultPair())
	_, err := NewSweeper(h.engine, nil, SweepConfig{Schedule: "every tuesday"}, quietLogger())
	assert.Error(t, err)
}

func TestSweeperStartStop(t *testing.T) {
	h := newHarness(t, Config{}, defaultPair())
	h.engine.Start(context.Background())

	sweeper, err := NewSweeper(h.engine, nil, SweepConfig{Schedule: "@every 1h"}, quietLogger())
	require.NoError(t, err)
	sweeper.Start()
	sweeper.Stop()
}
