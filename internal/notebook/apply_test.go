package notebook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nb(cells ...Cell) Notebook {
	return Notebook{Path: "test.qnb", Cells: cells}
}

func cell(id CellID, content string) Cell {
	return Cell{ID: id, Language: "go", Content: content}
}

func cellIDs(n Notebook) []CellID {
	ids := make([]CellID, len(n.Cells))
	for i, c := range n.Cells {
		ids[i] = c.ID
	}
	return ids
}

func TestNotebook_NextCellID(t *testing.T) {
	assert.Equal(t, CellID(1), Notebook{}.NextCellID())
	assert.Equal(t, CellID(8), nb(cell(7, "a"), cell(2, "b")).NextCellID())
}

func TestApply_InsertFront(t *testing.T) {
	n := nb(cell(1, "a"), cell(2, "b"))
	out := Apply(n, InsertCell{Cell: cell(3, "c"), After: NoCell})
	assert.Equal(t, []CellID{3, 1, 2}, cellIDs(out))
	// Input untouched.
	assert.Equal(t, []CellID{1, 2}, cellIDs(n))
}

func TestApply_InsertAfter(t *testing.T) {
	n := nb(cell(1, "a"), cell(2, "b"))
	out := Apply(n, InsertCell{Cell: cell(3, "c"), After: 1})
	assert.Equal(t, []CellID{1, 3, 2}, cellIDs(out))
}

func TestApply_InsertMissingAnchorAppendsAtEnd(t *testing.T) {
	n := nb(cell(1, "a"), cell(2, "b"))
	out := Apply(n, InsertCell{Cell: cell(3, "c"), After: 99})
	assert.Equal(t, []CellID{1, 2, 3}, cellIDs(out))
}

func TestApply_InsertDuplicateIDIsNoop(t *testing.T) {
	n := nb(cell(1, "a"))
	out := Apply(n, InsertCell{Cell: cell(1, "other"), After: NoCell})
	require.Len(t, out.Cells, 1)
	assert.Equal(t, "a", out.Cells[0].Content)
}

func TestApply_DeleteMissingCellIsNoop(t *testing.T) {
	// Deleting an already-deleted cell is deliberately a no-op: it
	// tolerates the race between a delete and concurrent edits of the
	// same cell.
	n := nb(cell(1, "a"))
	out := Apply(n, DeleteCell{ID: 1})
	out = Apply(out, DeleteCell{ID: 1})
	assert.Empty(t, out.Cells)
}

func TestApply_UpdateMissingCellIsNoop(t *testing.T) {
	n := nb(cell(1, "a"))
	out := Apply(n, UpdateContent{ID: 2, Content: "x"})
	assert.Equal(t, n.Cells, out.Cells)

	out = Apply(n, SetLanguage{ID: 2, Language: "sql"})
	assert.Equal(t, n.Cells, out.Cells)
}

func TestApply_UpdateContentCopiesOnWrite(t *testing.T) {
	n := nb(cell(1, "a"), cell(2, "b"))
	out := Apply(n, UpdateContent{ID: 1, Content: "changed"})
	assert.Equal(t, "changed", out.Cells[0].Content)
	assert.Equal(t, "a", n.Cells[0].Content, "original snapshot must not change")
}

func TestApply_SetResultsReplacesWholesale(t *testing.T) {
	c := cell(1, "a")
	c.Results = Results{Output{ContentType: "text/plain", Text: "old"}}
	n := nb(c)
	out := Apply(n, SetResults{ID: 1, Results: Results{
		Output{ContentType: "text/plain", Text: "new"},
		Timing{StartMillis: 5, EndMillis: 9},
	}})
	require.Len(t, out.Cells[0].Results, 2)
	assert.Equal(t, Output{ContentType: "text/plain", Text: "new"}, out.Cells[0].Results[0])
	require.Len(t, n.Cells[0].Results, 1, "original snapshot must not change")
}

func TestApply_UpdateConfigClones(t *testing.T) {
	cfg := Config{Env: map[string]string{"K": "v"}}
	out := Apply(nb(), UpdateConfig{Config: cfg})
	cfg.Env["K"] = "mutated"
	assert.Equal(t, "v", out.Config.Env["K"])
}

func TestPrepare_DeleteRecordsPredecessor(t *testing.T) {
	n := nb(cell(1, "a"), cell(2, "b"), cell(3, "c"))

	d := Prepare(n, DeleteCell{ID: 2}).(DeleteCell)
	assert.Equal(t, CellID(1), d.Prev)

	d = Prepare(n, DeleteCell{ID: 1}).(DeleteCell)
	assert.Equal(t, NoCell, d.Prev)

	d = Prepare(n, DeleteCell{ID: 99}).(DeleteCell)
	assert.Equal(t, NoCell, d.Prev)
}

func TestVersion_Wrap(t *testing.T) {
	v := MaxVersion - 1
	next := v.Next()
	assert.Equal(t, Version(0), next)
	assert.True(t, v.IsSuccessor(next))
	assert.False(t, v.IsSuccessor(v))
}

func TestCodec_EditRoundTrip(t *testing.T) {
	edits := []Edit{
		InsertCell{Stamp: Stamp{Global: 4, Local: 2}, Cell: cell(7, "x"), After: 3},
		DeleteCell{ID: 7, Prev: 3},
		UpdateContent{ID: 7, Content: "y"},
		SetLanguage{ID: 7, Language: "sql"},
		SetMetadata{ID: 7, Metadata: CellMetadata{HideOutput: true}},
		SetResults{ID: 7, Results: Results{ErrorResult{Message: "boom"}, StreamEnd{}}},
		UpdateConfig{Config: Config{Dependencies: []string{"dep"}}},
	}
	for _, e := range edits {
		data, err := EncodeEdit(e)
		require.NoError(t, err)
		got, err := DecodeEdit(data)
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
}

func TestCodec_UnknownTypeRejected(t *testing.T) {
	_, err := DecodeEdit([]byte(`{"type":"bogus","data":{}}`))
	assert.Error(t, err)
	_, err = DecodeResult([]byte(`{"type":"bogus","data":{}}`))
	assert.Error(t, err)
}
