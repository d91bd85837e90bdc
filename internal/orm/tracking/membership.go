package tracking

// MembershipDiff is the difference between the stored and current elements
// of a collection, compared by identity
type MembershipDiff struct {
	Inserted []any
	Deleted  []any
}

// Empty reports whether the membership is unchanged
func (d MembershipDiff) Empty() bool {
	return len(d.Inserted) == 0 && len(d.Deleted) == 0
}

// DiffMembership compares two element lists by identity, preserving the order
// in which elements appear in each list
func DiffMembership(stored, current []any) MembershipDiff {
	before := make(map[any]bool, len(stored))
	for _, e := range stored {
		before[e] = true
	}
	after := make(map[any]bool, len(current))
	for _, e := range current {
		after[e] = true
	}

	var diff MembershipDiff
	for _, e := range current {
		if !before[e] {
			diff.Inserted = append(diff.Inserted, e)
		}
	}
	for _, e := range stored {
		if !after[e] {
			diff.Deleted = append(diff.Deleted, e)
		}
	}
	return diff
}
