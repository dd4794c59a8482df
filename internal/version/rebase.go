package version

import "github.com/quillworks/quill/internal/notebook"

// Rebase transforms an edit computed against version from so it is valid
// to apply against version to, by folding it over every buffered entry in
// (from, to] in ascending order. Returns ErrTruncated (wrapped) if any of
// that range has been pruned.
func Rebase(h *History, e notebook.Edit, from, to notebook.Version) (notebook.Edit, error) {
	entries, err := h.Range(from, to)
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		e = notebook.Transform(ent.Edit, e)
	}
	return e, nil
}
