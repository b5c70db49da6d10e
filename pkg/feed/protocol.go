package feed

import (
	"errors"
	"math"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

var (
	ErrMalformed       = errors.New("malformed message")
	ErrUnknownEnvelope = errors.New("unknown envelope")
)

// Quote is one (native id, price) reading extracted from a venue message.
type Quote struct {
	NativeID string
	Price    float64
}

// Batch is everything a single venue message yields.
type Batch struct {
	Quotes []Quote
	// Markets lists every market id the message mentions, valid price or not.
	Markets []string
	// Dropped counts readings skipped because of bad numeric fields.
	Dropped int
	// Control marks acknowledgements and heartbeats that carry no prices.
	Control bool
}

// Protocol adapts one venue's wire format to the generic client.
type Protocol interface {
	Venue() models.Venue
	SubscribeMessages() []interface{}
	Decode(raw []byte) (Batch, error)
}

// parsePrice accepts a JSON string or number and rejects anything that is not
// a finite positive value.
func parsePrice(v gjson.Result) (float64, bool) {
	var (
		price float64
		err   error
	)
	switch v.Type {
	case gjson.String:
		price, err = strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return 0, false
		}
	case gjson.Number:
		price = v.Num
	default:
		return 0, false
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return 0, false
	}
	return price, true
}

func parse(raw []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, ErrMalformed
	}
	msg := gjson.ParseBytes(raw)
	if !msg.IsObject() {
		return gjson.Result{}, ErrMalformed
	}
	return msg, nil
}
