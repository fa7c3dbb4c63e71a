package domain

import "github.com/shopspring/decimal"

type MessageType string

const (
	MessageTypeSnapshot MessageType = "snapshot"
	MessageTypeDelta    MessageType = "delta"
)

// Level is one decoded price level of a feed message. In a delta, a zero
// size means "remove this price level".
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookMessage is a fully decoded feed message from either transport.
// Transports decode wire values before handing the message over, so a
// BookMessage is always whole: either every level parsed, or the message
// was dropped at the transport boundary.
type BookMessage struct {
	Type      MessageType
	Symbol    string
	Bids      []Level
	Asks      []Level
	Timestamp int64
	Sequence  int64
}
