package feed

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

const LighterURL = "wss://mainnet.zklighter.elliot.ai/stream"

// Lighter decodes market_stats updates. The venue has been seen to deliver them
// in three envelopes:
//
//	{"channel":"market_stats:all","market_stats":{"0":{...},"1":{...}}}
//	{"channel":"market_stats:1","market_stats":{"market_id":1,...}}
//	{"type":"update/market_stats","market_stats":{"market_id":1,...}}
type Lighter struct{}

func (Lighter) Venue() models.Venue {
	return models.VenueLighter
}

func (Lighter) SubscribeMessages() []interface{} {
	return []interface{}{
		map[string]string{
			"type":    "subscribe",
			"channel": "market_stats/all",
		},
	}
}

func (Lighter) Decode(raw []byte) (Batch, error) {
	msg, err := parse(raw)
	if err != nil {
		return Batch{}, err
	}

	channel := msg.Get("channel").String()
	typ := msg.Get("type").String()
	stats := msg.Get("market_stats")

	switch {
	case channel == "market_stats:all" && stats.IsObject() && !stats.Get("market_id").Exists():
		var b Batch
		stats.ForEach(func(id, entry gjson.Result) bool {
			marketID, err := strconv.Atoi(id.String())
			if err != nil {
				b.Dropped++
				return true
			}
			decodeMarket(&b, marketID, entry)
			return true
		})
		return b, nil
	case strings.HasPrefix(channel, "market_stats:") && stats.IsObject(),
		typ == "update/market_stats" && stats.IsObject():
		var b Batch
		id, ok := marketID(stats.Get("market_id"))
		if !ok {
			return Batch{}, fmt.Errorf("%w: market_stats without market_id", ErrMalformed)
		}
		decodeMarket(&b, id, stats)
		return b, nil
	case typ == "connected", typ == "ping", typ == "pong", strings.HasPrefix(typ, "subscribed/"):
		return Batch{Control: true}, nil
	default:
		return Batch{}, fmt.Errorf("%w: type %q channel %q", ErrUnknownEnvelope, typ, channel)
	}
}

func decodeMarket(b *Batch, id int, stats gjson.Result) {
	native := strconv.Itoa(id)
	b.Markets = append(b.Markets, native)
	price, ok := parsePrice(stats.Get("mark_price"))
	if !ok {
		b.Dropped++
		return
	}
	b.Quotes = append(b.Quotes, Quote{NativeID: native, Price: price})
}

func marketID(v gjson.Result) (int, bool) {
	switch v.Type {
	case gjson.Number:
		if v.Num != float64(int(v.Num)) || v.Num < 0 {
			return 0, false
		}
		return int(v.Num), true
	case gjson.String:
		id, err := strconv.Atoi(v.Str)
		if err != nil || id < 0 {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}
