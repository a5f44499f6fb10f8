package recovery

import (
	"fmt"
	"time"

	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/types"
)

// Event is the kind of a log entry.
type Event int

const (
	EventStart Event = iota
	EventCommit
	EventAbort
	// EventAbortSystem asks for crash recovery over the whole log.
	EventAbortSystem
	EventData
	EventCheckpoint
)

var eventNames = [...]string{"START", "COMMIT", "ABORT", "ABORT_SYSTEM", "DATA", "CHECKPOINT"}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// ParseEvent converts the log spelling of an event back into an Event.
func ParseEvent(s string) (Event, bool) {
	for i, name := range eventNames {
		if name == s {
			return Event(i), true
		}
	}
	return 0, false
}

// Descriptor locates the changed value without re-parsing any SQL. An empty Column means
// the whole row was inserted (Old empty) or deleted (New empty).
type Descriptor struct {
	Database        string
	Table           string
	Column          string
	PrimaryKey      string
	PrimaryKeyValue types.Datum
}

// WholeRow reports whether the change concerns an entire row.
func (d *Descriptor) WholeRow() bool {
	return d.Column == ""
}

// Entry is one record of the write-ahead log.
type Entry struct {
	TxnID      bto.TxnID
	Timestamp  time.Time
	Event      Event
	Descriptor *Descriptor
	Old        types.Tuple
	New        types.Tuple
	// Active is the set of running transactions, only set on checkpoint markers.
	Active []bto.TxnID
}

func (e *Entry) String() string {
	if e.Event == EventCheckpoint {
		return fmt.Sprintf("CHECKPOINT %v", e.Active)
	}
	if e.Descriptor == nil {
		return fmt.Sprintf("txn %d %s", e.TxnID, e.Event)
	}
	d := e.Descriptor
	return fmt.Sprintf("txn %d %s %s.%s.%s[%s=%s] %s -> %s", e.TxnID, e.Event, d.Database, d.Table,
		d.Column, d.PrimaryKey, d.PrimaryKeyValue, e.Old.EncodeText(), e.New.EncodeText())
}

// InstructionKind tells the storage engine how to apply an Instruction.
type InstructionKind int

const (
	// InstructionUpdate sets Descriptor.Column of the row located by Locator to Value[0].
	InstructionUpdate InstructionKind = iota
	// InstructionUpsert writes the full row Value, replacing the row located by Locator if any.
	InstructionUpsert
	// InstructionRemove deletes the row located by Locator.
	InstructionRemove
)

func (k InstructionKind) String() string {
	switch k {
	case InstructionUpdate:
		return "update"
	case InstructionUpsert:
		return "upsert"
	case InstructionRemove:
		return "remove"
	}
	return "unknown"
}

// Instruction is a redo or undo step produced by the recovery manager. Applying it twice has
// the same effect as applying it once.
type Instruction struct {
	TxnID      bto.TxnID
	Kind       InstructionKind
	Descriptor Descriptor
	// Locator is the primary key value of the row as it stands before the instruction.
	Locator types.Datum
	Value   types.Tuple
}

// Result is returned by WriteLogEntry for the events that trigger a rollback or a recovery.
type Result struct {
	Redo []Instruction
	Undo []Instruction
	// Losers are the transactions undone by crash recovery.
	Losers []bto.TxnID
}

// redoOf returns the instruction that repeats a DATA entry.
func redoOf(e *Entry) Instruction {
	ins := Instruction{
		TxnID:      e.TxnID,
		Descriptor: *e.Descriptor,
		Locator:    e.Descriptor.PrimaryKeyValue,
	}
	switch {
	case !e.Descriptor.WholeRow():
		ins.Kind = InstructionUpdate
		ins.Value = e.New.Clone()
	case len(e.New) > 0:
		ins.Kind = InstructionUpsert
		ins.Value = e.New.Clone()
	default:
		ins.Kind = InstructionRemove
	}
	return ins
}

// compensate returns the DATA entry that reverses e. When e changed the primary key itself,
// the compensation locates the row by its new key.
func compensate(e *Entry, now time.Time) *Entry {
	desc := *e.Descriptor
	if !desc.WholeRow() && desc.Column == desc.PrimaryKey && len(e.New) == 1 {
		desc.PrimaryKeyValue = e.New[0]
	}
	return &Entry{
		TxnID:      e.TxnID,
		Timestamp:  now,
		Event:      EventData,
		Descriptor: &desc,
		Old:        e.New.Clone(),
		New:        e.Old.Clone(),
	}
}

// undoOf returns the instruction reversing a DATA entry.
func undoOf(e *Entry) Instruction {
	return redoOf(compensate(e, e.Timestamp))
}
