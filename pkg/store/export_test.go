package store

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportOrdersByTimestamp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Append(ctx, KindPriceUpdate, ObservationRecord(obs("ETH-USD", t0.Add(time.Second), 3000, 3003))))
	require.NoError(t, s.Append(ctx, KindPriceUpdate, ObservationRecord(obs("BTC-USD", t0, 50000, 50050))))
	require.NoError(t, s.Append(ctx, KindPriceUpdate, ObservationRecord(obs("BTC-USD", t0.Add(time.Hour), 50000, 49950))))

	var buf bytes.Buffer
	n, err := Export(ctx, s, &buf, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var rows []ExportRow
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, t0.UnixMilli(), rows[0].Timestamp)
	assert.Equal(t, "BTC-USD", string(rows[0].Symbol))
	assert.Equal(t, 50.0, rows[0].Spread)
	assert.Equal(t, "ETH-USD", string(rows[1].Symbol))
	assert.Equal(t, -50.0, rows[2].Spread)

	buf.Reset()
	n, err = Export(ctx, s, &buf, t0.Add(time.Second), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), `"symbol": "ETH-USD"`)
}

func TestExportEmptyHistory(t *testing.T) {
	var buf bytes.Buffer
	n, err := Export(context.Background(), NewMemoryStore(), &buf, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "[]", buf.String())
}
