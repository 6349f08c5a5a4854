package status

import "testing"

func TestFromMojang(t *testing.T) {
	cases := map[string]Status{
		"AVAILABLE":   Available,
		"DUPLICATE":   Taken,
		"NOT_ALLOWED": Banned,
		"WHATEVER":    Unknown,
		"":            Unknown,
	}
	for in, want := range cases {
		if got := FromMojang(in); got != want {
			t.Errorf("FromMojang(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestAdvancesUpdatedAt is the property test from spec.md Testable
// Properties #2: for every pair of statuses, updated_at advances iff
// the pair differs and is not (BatchTaken -> Taken).
func TestAdvancesUpdatedAt(t *testing.T) {
	all := []Status{Unknown, Available, Taken, Banned, BatchAvailable, BatchTaken}
	for _, cur := range all {
		for _, next := range all {
			want := cur != next && !(cur == BatchTaken && next == Taken)
			got := AdvancesUpdatedAt(cur, next)
			if got != want {
				t.Errorf("AdvancesUpdatedAt(%v, %v) = %v, want %v", cur, next, got, want)
			}
		}
	}
}

func TestScreenerAvailableAllowed(t *testing.T) {
	protected := []Status{Available, Banned}
	for _, s := range protected {
		if ScreenerAvailableAllowed(s) {
			t.Errorf("ScreenerAvailableAllowed(%v) = true, want false", s)
		}
	}
	allowed := []Status{Unknown, Taken, BatchAvailable, BatchTaken}
	for _, s := range allowed {
		if !ScreenerAvailableAllowed(s) {
			t.Errorf("ScreenerAvailableAllowed(%v) = false, want true", s)
		}
	}
}
