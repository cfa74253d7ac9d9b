package ratelimit

import "sync"

// IPTable caps the number of concurrent connections per source address.
//
// Admit registers the connection before checking the cap, so callers that get
// a false result must still Release the connection they were about to accept;
// Release is what keeps the table from leaking entries on every teardown path.
type IPTable struct {
	maxPerAddr int

	mu    sync.Mutex
	conns map[string]map[string]struct{}
}

// NewIPTable returns a table enforcing maxPerAddr concurrent connections per
// source address. maxPerAddr <= 0 disables the cap.
func NewIPTable(maxPerAddr int) *IPTable {
	return &IPTable{
		maxPerAddr: maxPerAddr,
		conns:      make(map[string]map[string]struct{}),
	}
}

// Admit adds connID to addr's connection set and reports whether the address
// is still within its cap. On false the caller must reject the connection and
// then call Release(addr, connID).
func (t *IPTable) Admit(addr, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.conns[addr]
	if !ok {
		set = make(map[string]struct{})
		t.conns[addr] = set
	}
	set[connID] = struct{}{}

	return t.maxPerAddr <= 0 || len(set) <= t.maxPerAddr
}

// Release removes connID from addr's set, discarding the set once empty.
// Releasing an unknown pair is a no-op.
func (t *IPTable) Release(addr, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.conns[addr]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(t.conns, addr)
	}
}

// Active returns the number of connections currently tracked for addr.
func (t *IPTable) Active(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns[addr])
}
