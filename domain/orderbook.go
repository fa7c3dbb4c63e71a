package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// PriceLevel is one row of a book side. Total is the cumulative size from
// the best price out to this level; it is derived on every mutation and
// never taken from a feed message.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Total decimal.Decimal `json:"total"`
}

// BookState is the in-memory order book for one symbol. Bids are kept
// strictly descending and asks strictly ascending by price, with unique
// prices and no zero-size levels. It owns no I/O and is mutated only by
// SnapshotDeltaMerger on the owning session's goroutine.
type BookState struct {
	Symbol    *MarketSymbol
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp int64
	Sequence  int64

	initialized bool
}

func NewBookState(symbol *MarketSymbol) *BookState {
	return &BookState{Symbol: symbol}
}

// Initialized reports whether a base snapshot has been applied yet. Deltas
// against an uninitialized book are rejected by the merger.
func (st *BookState) Initialized() bool {
	return st.initialized
}

// BookView is the immutable consumer-facing copy of a BookState. Consumers
// only ever see views; the live BookState is never shared.
type BookView struct {
	Symbol       string       `json:"symbol"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    int64        `json:"timestamp"`
	LastUpdateID int64        `json:"lastUpdateId"`
}

// View copies the book into a BookView, truncated to limit levels per side
// when limit > 0.
func (st *BookState) View(limit int) *BookView {
	return &BookView{
		Symbol:       st.Symbol.String(),
		Bids:         copyLevels(st.Bids, limit),
		Asks:         copyLevels(st.Asks, limit),
		Timestamp:    st.Timestamp,
		LastUpdateID: st.Sequence,
	}
}

func copyLevels(side []PriceLevel, limit int) []PriceLevel {
	n := len(side)
	if limit > 0 && n > limit {
		n = limit
	}

	out := make([]PriceLevel, n)
	copy(out, side[:n])
	return out
}

func sortSide(side []PriceLevel, descending bool) {
	sort.Slice(side, func(i, j int) bool {
		if descending {
			return side[i].Price.GreaterThan(side[j].Price)
		}
		return side[i].Price.LessThan(side[j].Price)
	})
}

// recomputeTotals rebuilds the cumulative depth column in one forward pass
// over an already sorted side.
func recomputeTotals(side []PriceLevel) {
	running := decimal.Zero
	for i := range side {
		running = running.Add(side[i].Size)
		side[i].Total = running
	}
}
