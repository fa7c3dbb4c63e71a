package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// The push feed encodes prices and sizes as base-10 integer strings at 1e8
// scale.
const fixedPointExponent = -8

// PriceCodec converts between the feed's fixed-point integer representation
// and decimal values. Stateless apart from its logger.
type PriceCodec struct {
	logger zerolog.Logger
}

func NewPriceCodec(logger zerolog.Logger) *PriceCodec {
	return &PriceCodec{logger: logger}
}

// Decode parses a fixed-point integer string. Non-integer input fails with
// ErrMalformedValue. Values outside the int64 range saturate with a warning
// instead of failing: the feed is the only producer, so an oversized value
// is a legitimate extreme rather than a protocol violation.
func (c *PriceCodec) Decode(s string) (decimal.Decimal, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			c.logger.Warn().Str("value", s).Msg("fixed-point value out of range, saturating")
			if strings.HasPrefix(s, "-") {
				return decimal.New(math.MinInt64, fixedPointExponent), nil
			}
			return decimal.New(math.MaxInt64, fixedPointExponent), nil
		}
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrMalformedValue, s)
	}

	return decimal.New(n, fixedPointExponent), nil
}

// Encode renders a decimal back into the feed's fixed-point integer form,
// truncating sub-1e-8 precision.
func (c *PriceCodec) Encode(d decimal.Decimal) string {
	return d.Shift(-fixedPointExponent).Truncate(0).String()
}
