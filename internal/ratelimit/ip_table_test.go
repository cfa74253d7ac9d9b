package ratelimit

import "testing"

func TestIPTable_AdmitUpToCap(t *testing.T) {
	tbl := NewIPTable(2)

	if !tbl.Admit("10.0.0.1", "a") {
		t.Fatalf("first connection should be admitted")
	}
	if !tbl.Admit("10.0.0.1", "b") {
		t.Fatalf("second connection should be admitted")
	}
	if tbl.Admit("10.0.0.1", "c") {
		t.Fatalf("third connection should exceed the cap")
	}

	// The rejected entry was still registered; the caller releases it.
	tbl.Release("10.0.0.1", "c")
	if got := tbl.Active("10.0.0.1"); got != 2 {
		t.Fatalf("Active=%d, want 2 after releasing rejected conn", got)
	}

	// Other addresses are unaffected.
	if !tbl.Admit("10.0.0.2", "d") {
		t.Fatalf("different address should be admitted")
	}
}

func TestIPTable_ReleaseDiscardsEmptySets(t *testing.T) {
	tbl := NewIPTable(4)

	tbl.Admit("10.0.0.1", "a")
	tbl.Release("10.0.0.1", "a")
	if got := tbl.Active("10.0.0.1"); got != 0 {
		t.Fatalf("Active=%d, want 0", got)
	}
	if len(tbl.conns) != 0 {
		t.Fatalf("empty address sets should be discarded")
	}

	// Releasing twice (disconnect racing explicit cleanup) is a no-op.
	tbl.Release("10.0.0.1", "a")
}

func TestIPTable_ZeroCapDisablesLimit(t *testing.T) {
	tbl := NewIPTable(0)
	for i := 0; i < 100; i++ {
		if !tbl.Admit("10.0.0.1", string(rune('a'+i))) {
			t.Fatalf("cap disabled, admission %d should succeed", i)
		}
	}
}
