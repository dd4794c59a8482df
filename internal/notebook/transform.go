package notebook

// Transform rebases edit b against an earlier-committed edit a, returning
// the adjusted b. It is defined for every ordered pair of edit variants;
// pairs not listed below commute and return b unchanged.
//
// The full matrix, by b's variant:
//
//   - InsertCell vs InsertCell: if both anchor on the same cell, b
//     re-anchors after a's inserted cell, so concurrent same-anchor
//     inserts land in distinct, order-preserving slots.
//   - InsertCell vs DeleteCell: if b's anchor is the deleted cell, b
//     re-anchors on the delete's recorded predecessor.
//   - DeleteCell vs InsertCell: if a inserted directly before b's target
//     (anchored on b's recorded predecessor), b's predecessor record
//     moves to a's inserted cell, keeping the record accurate for any
//     insert later rebased against b.
//   - DeleteCell vs DeleteCell: same target commutes (Apply makes the
//     second delete a no-op); if a deleted b's recorded predecessor, b
//     inherits a's predecessor record.
//   - UpdateContent / SetLanguage / SetMetadata / SetResults vs anything:
//     commute. Same-cell pairs are last-writer-wins by design, and a
//     concurrent delete of the target is absorbed by Apply's no-op rule.
//   - UpdateConfig vs anything, anything vs UpdateConfig: commute.
//     Config replacement is independent of cell structure.
func Transform(a, b Edit) Edit {
	switch bt := b.(type) {
	case InsertCell:
		switch at := a.(type) {
		case InsertCell:
			if at.After == bt.After {
				bt.After = at.Cell.ID
				return bt
			}
		case DeleteCell:
			if bt.After == at.ID {
				bt.After = at.Prev
				return bt
			}
		}
		return bt
	case DeleteCell:
		switch at := a.(type) {
		case InsertCell:
			if at.After == bt.Prev {
				bt.Prev = at.Cell.ID
				return bt
			}
		case DeleteCell:
			if at.ID == bt.Prev {
				bt.Prev = at.Prev
				return bt
			}
		}
		return bt
	default:
		return b
	}
}
