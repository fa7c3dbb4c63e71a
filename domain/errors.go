package domain

import "errors"

var (
	// ErrMalformedValue means a price or size could not be parsed. The whole
	// message carrying it must be dropped, never partially applied.
	ErrMalformedValue = errors.New("malformed price or size value")

	// ErrStaleMessage means the message sequence is not newer than the book.
	// Stale messages are counted and silently dropped.
	ErrStaleMessage = errors.New("book message is stale")

	// ErrNoBaseSnapshot means a delta arrived before any snapshot. This
	// indicates a feed or subscription ordering bug upstream.
	ErrNoBaseSnapshot = errors.New("delta received before base snapshot")

	errStreamClosed = errors.New("stream transport closed its channel")
)
