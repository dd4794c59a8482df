package notebook

// Version is a global or local document version. Global versions are
// assigned by the sequencer; local versions are per-client edit counts.
// Both wrap modulo MaxVersion.
type Version int32

// MaxVersion bounds the version space. Versions advance modulo this value,
// so version arithmetic must go through Next / IsSuccessor rather than
// plain increment and comparison.
const MaxVersion Version = 1<<31 - 1

// Next returns the successor of v in the wrapping version space.
func (v Version) Next() Version {
	return (v + 1) % MaxVersion
}

// IsSuccessor reports whether w is exactly v+1 modulo MaxVersion.
func (v Version) IsSuccessor(w Version) bool {
	return w == v.Next()
}

// CellID identifies a cell for the cell's whole lifetime. IDs are assigned
// once at creation and never reused within a notebook.
type CellID int32

// NoCell is the zero anchor: an InsertCell with After == NoCell inserts at
// the front of the notebook.
const NoCell CellID = -1

// HandleKind distinguishes the kernel's handle tables.
type HandleKind int32

const (
	// LazyHandle is a deferred value materialized on first read.
	LazyHandle HandleKind = iota + 1
	// UpdatingHandle is a live value whose representation changes until
	// its backing store finalizes it.
	UpdatingHandle
	// StreamingHandle is a paginated cursor over a large value.
	StreamingHandle
)

// ExecutionInfo records timing for a cell's most recent execution.
// Millisecond timestamps; EndMillis is zero while the execution runs.
type ExecutionInfo struct {
	StartMillis int64 `json:"start_millis"`
	EndMillis   int64 `json:"end_millis,omitempty"`
}

// CellMetadata carries per-cell display and execution state.
type CellMetadata struct {
	DisableRun bool           `json:"disable_run,omitempty"`
	HideSource bool           `json:"hide_source,omitempty"`
	HideOutput bool           `json:"hide_output,omitempty"`
	Execution  *ExecutionInfo `json:"execution,omitempty"`
}

// Cell is an immutable value. Replace it wholesale; never mutate fields of
// a Cell that has been published in a Notebook.
type Cell struct {
	ID       CellID       `json:"id"`
	Language string       `json:"language"`
	Content  string       `json:"content"`
	Metadata CellMetadata `json:"metadata"`
	Results  Results      `json:"results,omitempty"`
}

// Config is the notebook's runtime configuration blob, passed through to
// the kernel launcher. The server does not interpret it beyond validation.
type Config struct {
	Dependencies []string          `json:"dependencies,omitempty"`
	Repositories []string          `json:"repositories,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	out := Config{}
	if c.Dependencies != nil {
		out.Dependencies = append([]string(nil), c.Dependencies...)
	}
	if c.Repositories != nil {
		out.Repositories = append([]string(nil), c.Repositories...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// Notebook is the canonical document value. The sequencer owns the only
// mutable reference; everyone else sees immutable snapshots.
type Notebook struct {
	Path   string `json:"path"`
	Cells  []Cell `json:"cells"`
	Config Config `json:"config"`
}

// Cell returns the cell with the given id, if present.
func (n Notebook) Cell(id CellID) (Cell, bool) {
	for _, c := range n.Cells {
		if c.ID == id {
			return c, true
		}
	}
	return Cell{}, false
}

// Predecessor returns the id of the cell immediately before id, or NoCell
// if id is first or absent.
func (n Notebook) Predecessor(id CellID) CellID {
	prev := NoCell
	for _, c := range n.Cells {
		if c.ID == id {
			return prev
		}
		prev = c.ID
	}
	return NoCell
}

// NextCellID returns the smallest id greater than every cell id present
// (1 for an empty notebook): the id to assign a freshly created cell at
// load time. Relying on it after deletions would reuse ids.
func (n Notebook) NextCellID() CellID {
	var max CellID
	for _, c := range n.Cells {
		if c.ID > max {
			max = c.ID
		}
	}
	return max + 1
}
