// Package status defines the selection workflow state machine for scraped
// auction records.
//
// Valid status graph:
//
//	PENDING ──► SELECTED ──► FETCHING ──► FETCHED ──► IMPORTED
//	    │            │            │
//	    │            │            └──► ERROR ──► SELECTED (manual retry)
//	    └────────────┴──► SKIPPED
//
// IMPORTED and SKIPPED are terminal states. Only an operator action moves
// PENDING → SELECTED; only the orchestrator moves SELECTED → FETCHING and
// FETCHING → {FETCHED, ERROR}. ERROR is never auto-retried: the only way
// back is an explicit operator move to SELECTED.
package status

import "fmt"

// Status values mirror the selection_status enum in PostgreSQL.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSelected Status = "SELECTED"
	StatusFetching Status = "FETCHING"
	StatusFetched  Status = "FETCHED"
	StatusError    Status = "ERROR"
	StatusImported Status = "IMPORTED"
	StatusSkipped  Status = "SKIPPED"
)

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusSelected, StatusSkipped},
	StatusSelected: {StatusFetching, StatusSkipped},
	StatusFetching: {StatusFetched, StatusError},
	StatusFetched:  {StatusImported},
	StatusError:    {StatusSelected},
	// IMPORTED and SKIPPED are terminal — no outgoing transitions
}

// ParseStatus converts a raw string to a Status, returning an error for
// unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusPending, StatusSelected, StatusFetching, StatusFetched,
		StatusError, StatusImported, StatusSkipped:
		return st, nil
	}
	return "", fmt.Errorf("unknown selection status %q", s)
}

// IsTransitionAllowed returns true when moving from → to is permitted by the
// state machine.
func IsTransitionAllowed(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false // terminal state — no outgoing transitions
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true when no outgoing transition exists for s.
func IsTerminal(s Status) bool {
	_, ok := validTransitions[s]
	return !ok
}
