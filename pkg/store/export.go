package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

// ExportRow is one price update in the export document. Timestamp is in
// milliseconds since the Unix epoch.
type ExportRow struct {
	Timestamp int64                `json:"timestamp"`
	Symbol    models.InstrumentKey `json:"symbol"`
	PriceA    float64              `json:"priceA"`
	PriceB    float64              `json:"priceB"`
	Spread    float64              `json:"spread"`
	SpreadPct float64              `json:"spreadPct"`
}

// Export writes the paired observations in [start, end] as an indented JSON
// array ordered by timestamp and returns the number of rows written. Zero
// bounds export the whole history.
func Export(ctx context.Context, src Store, w io.Writer, start, end time.Time) (int, error) {
	recs, err := src.Scan(ctx, KindPriceUpdate, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to read history: %w", err)
	}

	rows := make([]ExportRow, 0, len(recs))
	for _, rec := range recs {
		if rec.Observation == nil {
			continue
		}
		obs := rec.Observation
		rows = append(rows, ExportRow{
			Timestamp: obs.ObservedAt.UnixMilli(),
			Symbol:    obs.Instrument,
			PriceA:    obs.PriceA,
			PriceB:    obs.PriceB,
			Spread:    obs.Spread,
			SpreadPct: obs.SpreadPct,
		})
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to encode export: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("failed to write export: %w", err)
	}
	return len(rows), nil
}
