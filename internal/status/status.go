// Package status centralizes the name-status enum and the transition
// rules that the worker loop, the verdict writer, and the batch
// screener must all agree on (spec Design Notes: "three places that
// must agree on the status enum — centralize the transition rules").
package status

import "strings"

// Status is the small-int status stored on a name row.
type Status int16

const (
	Unknown        Status = 0
	Available      Status = 1
	Taken          Status = 2
	Banned         Status = 3
	BatchAvailable Status = 4
	BatchTaken     Status = 5
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Available:
		return "Available"
	case Taken:
		return "Taken"
	case Banned:
		return "Banned"
	case BatchAvailable:
		return "BatchAvailable"
	case BatchTaken:
		return "BatchTaken"
	default:
		return "Unknown"
	}
}

// FromMojang maps the Mojang availability endpoint's "status" field to
// a Status. Unrecognized values map to Unknown rather than erroring.
func FromMojang(s string) Status {
	switch strings.ToUpper(s) {
	case "AVAILABLE":
		return Available
	case "DUPLICATE":
		return Taken
	case "NOT_ALLOWED":
		return Banned
	default:
		return Unknown
	}
}

// Authoritative reports whether a status came from an authoritative
// Mojang response rather than the coarse batch screener.
func (s Status) Authoritative() bool {
	return s == Available || s == Taken || s == Banned
}

// AdvancesUpdatedAt implements the one rule every writer of the names
// table must agree on: updated_at advances iff the incoming status
// differs from the current one, except for the specific transition
// BatchTaken -> Taken, which is the same real-world fact observed
// authoritatively and must not bump updated_at.
func AdvancesUpdatedAt(current, incoming Status) bool {
	if current == incoming {
		return false
	}
	if current == BatchTaken && incoming == Taken {
		return false
	}
	return true
}

// ScreenerAvailableAllowed reports whether the batch screener may set
// BatchAvailable given the current status. It may never overwrite an
// authoritative Available or Banned verdict.
func ScreenerAvailableAllowed(current Status) bool {
	return current != Available && current != Banned
}
