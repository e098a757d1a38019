package model

import "fmt"

// ConflictKind names the class of a validation conflict
type ConflictKind string

const (
	ConflictKindReadWrite ConflictKind = "read_write"
	ConflictKindCAS       ConflictKind = "cas"
)

// Conflict is a closed set: only ReadWriteConflict and CASConflict implement it.
type Conflict interface {
	ConflictKey() string
	Kind() ConflictKind
	String() string
	isConflict()
}

// ReadWriteConflict reports that a key read by the transaction was overwritten
// by another commit after the transaction observed it.
type ReadWriteConflict struct {
	Key            string
	ReadVersion    uint64
	CurrentVersion uint64
}

func (c ReadWriteConflict) ConflictKey() string { return c.Key }
func (c ReadWriteConflict) Kind() ConflictKind  { return ConflictKindReadWrite }
func (ReadWriteConflict) isConflict()           {}

func (c ReadWriteConflict) String() string {
	return fmt.Sprintf("read-write conflict on %q: read version %d, current version %d",
		c.Key, c.ReadVersion, c.CurrentVersion)
}

// CASConflict reports that a compare-and-set precondition did not hold at commit time
type CASConflict struct {
	Key             string
	ExpectedVersion uint64
	CurrentVersion  uint64
}

func (c CASConflict) ConflictKey() string { return c.Key }
func (c CASConflict) Kind() ConflictKind  { return ConflictKindCAS }
func (CASConflict) isConflict()           {}

func (c CASConflict) String() string {
	return fmt.Sprintf("cas conflict on %q: expected version %d, current version %d",
		c.Key, c.ExpectedVersion, c.CurrentVersion)
}
