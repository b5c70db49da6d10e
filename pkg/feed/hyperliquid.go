package feed

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

const HyperliquidURL = "wss://api.hyperliquid.xyz/ws"

// Hyperliquid decodes the allMids channel: one message carries the mid price of
// every listed coin keyed by coin code.
type Hyperliquid struct{}

func (Hyperliquid) Venue() models.Venue {
	return models.VenueHyperliquid
}

func (Hyperliquid) SubscribeMessages() []interface{} {
	return []interface{}{
		map[string]interface{}{
			"method":       "subscribe",
			"subscription": map[string]string{"type": "allMids"},
		},
	}
}

func (Hyperliquid) Decode(raw []byte) (Batch, error) {
	msg, err := parse(raw)
	if err != nil {
		return Batch{}, err
	}

	switch channel := msg.Get("channel").String(); channel {
	case "subscriptionResponse", "pong":
		return Batch{Control: true}, nil
	case "allMids":
		mids := msg.Get("data.mids")
		if !mids.IsObject() {
			return Batch{}, fmt.Errorf("%w: allMids without mids", ErrMalformed)
		}
		var b Batch
		mids.ForEach(func(coin, value gjson.Result) bool {
			price, ok := parsePrice(value)
			if !ok {
				b.Dropped++
				return true
			}
			b.Quotes = append(b.Quotes, Quote{NativeID: coin.String(), Price: price})
			return true
		})
		return b, nil
	default:
		return Batch{}, fmt.Errorf("%w: channel %q", ErrUnknownEnvelope, channel)
	}
}
