// Package notebook defines the document model and the edit algebra.
//
// A Notebook is an ordered sequence of Cells plus a runtime Config blob.
// Cells are immutable value objects: every mutation produces a new Cell
// (and a new Notebook) rather than modifying in place. This is what makes
// lock-free snapshot reads safe everywhere outside the sequencer.
//
// Edits are a closed sum type. Apply is pure and total over well-formed
// notebooks: operations referencing a cell that no longer exists are
// deliberate no-ops, which tolerates races between a delete and concurrent
// edits of the same cell.
//
// Transform implements the two-operand rebase rule for every ordered pair
// of edit variants. Most pairs commute; the ones that do not (anchored
// inserts and deletes) are adjusted so that folding an edit over committed
// history yields the same document as a legal reordering would have.
package notebook
