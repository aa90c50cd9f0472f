package executor

import (
	"sync"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

// terminalMemory bounds how many finished ids the table remembers for
// idempotency checks.
const terminalMemory = 10000

// flightTable guarantees at most one execution per opportunity id:
// an id already in flight or already terminal can never start again.
type flightTable struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	terminal map[string]opportunity.State
	order    []string // terminal ids, oldest first
}

func newFlightTable() *flightTable {
	return &flightTable{
		inflight: make(map[string]struct{}),
		terminal: make(map[string]opportunity.State),
	}
}

// begin claims id for execution. It reports false when the id is
// already running or already finished.
func (t *flightTable) begin(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, running := t.inflight[id]; running {
		return false
	}
	if _, done := t.terminal[id]; done {
		return false
	}
	t.inflight[id] = struct{}{}
	return true
}

// finish releases the claim and records the terminal state.
func (t *flightTable) finish(id string, state opportunity.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
	if _, done := t.terminal[id]; done {
		return
	}
	t.terminal[id] = state
	t.order = append(t.order, id)
	if len(t.order) > terminalMemory {
		evict := t.order[0]
		t.order = t.order[1:]
		delete(t.terminal, evict)
	}
}

// state returns the recorded terminal state for id, if any.
func (t *flightTable) state(id string) (opportunity.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.terminal[id]
	return s, ok
}
