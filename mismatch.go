package interconnect

// verdict is the mismatch resolver's answer for a packet with no connection.
type verdict uint8

const (
	verdictPast    verdict = iota // torn down or pruned: STOP|ACK so the peer gives up
	verdictPresent                // active but not yet connected: stay silent
	verdictFuture                 // newer than anything known: NAK
)

func (v verdict) String() string {
	switch v {
	case verdictPast:
		return "past"
	case verdictPresent:
		return "present"
	case verdictFuture:
		return "future"
	}
	return "unknown"
}

type instanceState uint8

const (
	instanceActive instanceState = iota + 1
	instanceTornDown
)

// history records the query instances of the current session. Guarded by
// Service.mu.
type history struct {
	entries   map[uint32]instanceState
	maxKnown  uint32
	distXact  uint32
	threshold int
}

func newHistory(threshold int) *history {
	return &history{entries: make(map[uint32]instanceState), threshold: threshold}
}

// resolve classifies a packet by its instance id. It depends on nothing but
// its arguments.
func resolve(icID uint32, h *history) verdict {
	switch h.entries[icID] {
	case instanceTornDown:
		return verdictPast
	case instanceActive:
		return verdictPresent
	}
	if icID > h.maxKnown {
		return verdictFuture
	}
	return verdictPast
}

// begin records an instance as active. Torn down entries are pruned once the
// table passes the threshold and the distributed transaction has changed;
// pruned ids still resolve to the past because they are at most maxKnown.
func (h *history) begin(icID, distXact uint32) {
	if len(h.entries) >= h.threshold && distXact != h.distXact {
		for id, st := range h.entries {
			if st == instanceTornDown {
				delete(h.entries, id)
			}
		}
	}
	h.distXact = distXact
	h.entries[icID] = instanceActive
	if icID > h.maxKnown {
		h.maxKnown = icID
	}
}

func (h *history) end(icID uint32) {
	if _, ok := h.entries[icID]; ok {
		h.entries[icID] = instanceTornDown
	}
}

func (h *history) reset() {
	h.entries = make(map[uint32]instanceState)
	h.maxKnown = 0
	h.distXact = 0
}
