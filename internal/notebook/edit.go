package notebook

// Stamp carries the versions an edit was computed against: the submitting
// client's view of the global version and its own local edit count. The
// sequencer is the sole authority that advances the global version; an
// edit's Global must be <= the sequencer's version at submission time.
type Stamp struct {
	Global Version `json:"global"`
	Local  Version `json:"local"`
}

// Edit is one document mutation. Closed sum: InsertCell, DeleteCell,
// UpdateContent, SetLanguage, SetMetadata, SetResults, UpdateConfig.
type Edit interface {
	// EditStamp returns the versions the edit was computed against.
	EditStamp() Stamp
	isEdit()
}

// InsertCell inserts Cell after the cell with id After (NoCell = front).
type InsertCell struct {
	Stamp
	Cell  Cell   `json:"cell"`
	After CellID `json:"after"`
}

// DeleteCell removes the cell with the given id.
//
// Prev is the id of the deleted cell's immediate predecessor (NoCell if it
// was first), filled in by the sequencer when the delete is applied.
// Clients never set it. It is what lets a later InsertCell anchored on the
// deleted cell be re-anchored without consulting the document.
type DeleteCell struct {
	Stamp
	ID   CellID `json:"id"`
	Prev CellID `json:"prev"`
}

// UpdateContent replaces a cell's content wholesale. Concurrent content
// updates to the same cell are last-writer-wins at the request level;
// character-level merging is out of scope.
type UpdateContent struct {
	Stamp
	ID      CellID `json:"id"`
	Content string `json:"content"`
}

// SetLanguage changes a cell's language tag.
type SetLanguage struct {
	Stamp
	ID       CellID `json:"id"`
	Language string `json:"language"`
}

// SetMetadata replaces a cell's metadata wholesale.
type SetMetadata struct {
	Stamp
	ID       CellID       `json:"id"`
	Metadata CellMetadata `json:"metadata"`
}

// SetResults replaces a cell's result list wholesale. Submitted by the
// execution coordinator when an execution's stream completes.
type SetResults struct {
	Stamp
	ID      CellID  `json:"id"`
	Results Results `json:"results"`
}

// UpdateConfig replaces the notebook's runtime configuration.
type UpdateConfig struct {
	Stamp
	Config Config `json:"config"`
}

func (s Stamp) EditStamp() Stamp { return s }

func (InsertCell) isEdit()    {}
func (DeleteCell) isEdit()    {}
func (UpdateContent) isEdit() {}
func (SetLanguage) isEdit()   {}
func (SetMetadata) isEdit()   {}
func (SetResults) isEdit()    {}
func (UpdateConfig) isEdit()  {}
