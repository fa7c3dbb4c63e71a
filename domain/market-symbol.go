package domain

import (
	"fmt"
	"strings"
)

// MarketSymbol identifies a trading pair, canonically rendered as BASE-QUOTE
// (e.g. BTC-USD).
type MarketSymbol struct {
	BaseAsset  string
	QuoteAsset string
}

func NewMarketSymbol(base string, quote string) (*MarketSymbol, error) {
	if base == "" || quote == "" {
		return nil, fmt.Errorf("base and quote must not be empty")
	}
	if strings.EqualFold(base, quote) {
		return nil, fmt.Errorf("base and quote must be different")
	}
	return &MarketSymbol{
		BaseAsset:  strings.ToUpper(base),
		QuoteAsset: strings.ToUpper(quote),
	}, nil
}

func NewMarketSymbolFromString(s string) (*MarketSymbol, error) {
	split := strings.Split(s, "-")

	if len(split) != 2 {
		return nil, fmt.Errorf("invalid symbol string: %q", s)
	}

	return NewMarketSymbol(split[0], split[1])
}

func (ms *MarketSymbol) Join(separator string) string {
	return ms.BaseAsset + separator + ms.QuoteAsset
}

func (ms *MarketSymbol) String() string {
	return ms.Join("-")
}

func (ms *MarketSymbol) Equal(other *MarketSymbol) bool {
	return ms.BaseAsset == other.BaseAsset && ms.QuoteAsset == other.QuoteAsset
}
