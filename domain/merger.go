package domain

// SnapshotDeltaMerger applies feed messages to a BookState while preserving
// the side ordering, price uniqueness and cumulative-depth invariants. It is
// stateless; callers must serialize invocations per BookState.
type SnapshotDeltaMerger struct{}

func NewSnapshotDeltaMerger() *SnapshotDeltaMerger {
	return &SnapshotDeltaMerger{}
}

// Apply dispatches on the message type.
func (m *SnapshotDeltaMerger) Apply(st *BookState, msg *BookMessage) error {
	if msg.Type == MessageTypeSnapshot {
		return m.ApplySnapshot(st, msg)
	}
	return m.ApplyDelta(st, msg)
}

// ApplySnapshot replaces both sides wholesale. A snapshot is authoritative:
// it is accepted whenever its sequence is not older than the current state,
// and always on an uninitialized book.
func (m *SnapshotDeltaMerger) ApplySnapshot(st *BookState, msg *BookMessage) error {
	if st.initialized && msg.Sequence < st.Sequence {
		return ErrStaleMessage
	}

	st.Bids = buildSide(msg.Bids, true)
	st.Asks = buildSide(msg.Asks, false)
	st.Sequence = msg.Sequence
	st.Timestamp = msg.Timestamp
	st.initialized = true
	return nil
}

// ApplyDelta upserts or removes individual price levels. A delta requires a
// base snapshot and a strictly newer sequence; duplicates and out-of-order
// retransmissions are rejected without touching the state.
func (m *SnapshotDeltaMerger) ApplyDelta(st *BookState, msg *BookMessage) error {
	if !st.initialized {
		return ErrNoBaseSnapshot
	}
	if msg.Sequence <= st.Sequence {
		return ErrStaleMessage
	}

	st.Bids = mergeSide(st.Bids, msg.Bids, true)
	st.Asks = mergeSide(st.Asks, msg.Asks, false)
	st.Sequence = msg.Sequence
	st.Timestamp = msg.Timestamp
	return nil
}

func buildSide(levels []Level, descending bool) []PriceLevel {
	side := make([]PriceLevel, 0, len(levels))
	for _, lv := range levels {
		if lv.Size.IsZero() {
			continue
		}
		side = append(side, PriceLevel{Price: lv.Price, Size: lv.Size})
	}

	sortSide(side, descending)
	recomputeTotals(side)
	return side
}

func mergeSide(side []PriceLevel, updates []Level, descending bool) []PriceLevel {
	if len(updates) == 0 {
		return side
	}

	inserted := false
	for _, upd := range updates {
		if upd.Size.IsZero() {
			// remove the level if present; absent is a no-op
			for i := range side {
				if side[i].Price.Equal(upd.Price) {
					side = append(side[:i], side[i+1:]...)
					break
				}
			}
			continue
		}

		// price unchanged means the sort position is unchanged, so an
		// existing level is replaced in place
		replaced := false
		for i := range side {
			if side[i].Price.Equal(upd.Price) {
				side[i].Size = upd.Size
				replaced = true
				break
			}
		}

		if !replaced {
			side = append(side, PriceLevel{Price: upd.Price, Size: upd.Size})
			inserted = true
		}
	}

	if inserted {
		sortSide(side, descending)
	}
	recomputeTotals(side)
	return side
}
