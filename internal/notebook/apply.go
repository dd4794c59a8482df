package notebook

// Prepare enriches an edit with context captured from the notebook it is
// about to be applied to. Currently only DeleteCell needs it: the deleted
// cell's predecessor is recorded so later transforms can re-anchor inserts
// that pointed at the deleted cell. The prepared edit, not the submitted
// one, is what goes into the history buffer.
func Prepare(n Notebook, e Edit) Edit {
	if d, ok := e.(DeleteCell); ok {
		d.Prev = n.Predecessor(d.ID)
		return d
	}
	return e
}

// Apply applies an edit to a notebook and returns the resulting notebook
// value. The input is never modified.
//
// Apply is total: every edit applies to every well-formed notebook.
// Edits referencing a missing cell are no-ops — deleting an
// already-deleted cell, or updating a cell deleted by a concurrent edit,
// must tolerate the race rather than fail. An InsertCell whose anchor is
// missing appends at the end; one whose cell id already exists is a no-op.
func Apply(n Notebook, e Edit) Notebook {
	switch ed := e.(type) {
	case InsertCell:
		return applyInsert(n, ed)
	case DeleteCell:
		return applyDelete(n, ed)
	case UpdateContent:
		return replaceCell(n, ed.ID, func(c Cell) Cell {
			c.Content = ed.Content
			return c
		})
	case SetLanguage:
		return replaceCell(n, ed.ID, func(c Cell) Cell {
			c.Language = ed.Language
			return c
		})
	case SetMetadata:
		return replaceCell(n, ed.ID, func(c Cell) Cell {
			c.Metadata = ed.Metadata
			return c
		})
	case SetResults:
		return replaceCell(n, ed.ID, func(c Cell) Cell {
			c.Results = append(Results(nil), ed.Results...)
			return c
		})
	case UpdateConfig:
		n.Config = ed.Config.Clone()
		return n
	default:
		// Edit is a closed sum; this is unreachable for well-formed input.
		return n
	}
}

func applyInsert(n Notebook, e InsertCell) Notebook {
	if _, exists := n.Cell(e.Cell.ID); exists {
		return n
	}
	at := len(n.Cells) // missing anchor: append at end
	if e.After == NoCell {
		at = 0
	} else {
		for i, c := range n.Cells {
			if c.ID == e.After {
				at = i + 1
				break
			}
		}
	}
	cells := make([]Cell, 0, len(n.Cells)+1)
	cells = append(cells, n.Cells[:at]...)
	cells = append(cells, e.Cell)
	cells = append(cells, n.Cells[at:]...)
	n.Cells = cells
	return n
}

func applyDelete(n Notebook, e DeleteCell) Notebook {
	cells := make([]Cell, 0, len(n.Cells))
	for _, c := range n.Cells {
		if c.ID != e.ID {
			cells = append(cells, c)
		}
	}
	n.Cells = cells
	return n
}

// replaceCell produces a notebook where the cell with the given id is
// replaced by f(cell). Missing id: no-op, same notebook cells returned.
func replaceCell(n Notebook, id CellID, f func(Cell) Cell) Notebook {
	for i, c := range n.Cells {
		if c.ID != id {
			continue
		}
		cells := make([]Cell, len(n.Cells))
		copy(cells, n.Cells)
		cells[i] = f(c)
		n.Cells = cells
		return n
	}
	return n
}
