// Package message defines the tagged union carried on a document's
// broadcast topic. One ordered topic per document carries every
// document-scoped event; sessions filter what they forward.
package message

import (
	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/notebook"
)

// Message is a document-scoped event. Closed sum.
type Message interface {
	isMessage()
}

// Update is an applied edit, published by the sequencer with its assigned
// global version.
type Update struct {
	Version  notebook.Version
	EditorID int
	Edit     notebook.Edit
}

// TaskStatus reports a task lifecycle change (execution progress, kernel
// launch, dependency downloads).
type TaskStatus struct {
	Task kernel.Task
}

// KernelStatus reports the kernel going busy or idle.
type KernelStatus struct {
	Busy bool
}

// SymbolUpdate publishes the kernel's current symbol table.
type SymbolUpdate struct {
	Symbols []kernel.Symbol
}

// CellResult is one streamed execution result for a cell.
type CellResult struct {
	CellID notebook.CellID
	TaskID string
	Result notebook.Result
}

// LiveUpdate re-broadcasts a change to a live-updating value. Final marks
// the value's finalization; no further updates for the handle follow.
type LiveUpdate struct {
	Handle int32
	Data   []byte
	Final  bool
}

func (Update) isMessage()       {}
func (TaskStatus) isMessage()   {}
func (KernelStatus) isMessage() {}
func (SymbolUpdate) isMessage() {}
func (CellResult) isMessage()   {}
func (LiveUpdate) isMessage()   {}
