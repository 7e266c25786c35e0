package catalog

// ChangeKind distinguishes catalog additions from removals.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
)

// Change is one catalog delta for a single candidate identity.
type Change struct {
	Kind      ChangeKind
	Candidate Candidate
}

// Diff computes the minimal add/remove set between two snapshots by
// candidate identity. A candidate present in both snapshots yields no
// change even when its display metadata differs - identity equality,
// not structural equality, drives this diff. Adds come out in next's
// order, then removes in previous's order.
func Diff(previous, next []Candidate) []Change {
	prevIDs := make(map[string]bool, len(previous))
	for _, c := range previous {
		prevIDs[c.ID] = true
	}
	nextIDs := make(map[string]bool, len(next))
	for _, c := range next {
		nextIDs[c.ID] = true
	}

	var changes []Change
	for _, c := range next {
		if !prevIDs[c.ID] {
			changes = append(changes, Change{Kind: ChangeAdded, Candidate: c})
		}
	}
	for _, c := range previous {
		if !nextIDs[c.ID] {
			changes = append(changes, Change{Kind: ChangeRemoved, Candidate: c})
		}
	}
	return changes
}
