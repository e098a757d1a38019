package model

// VersionedEntry is a stored value together with the per-key version that installed it.
// Version 0 means the key has never been written.
type VersionedEntry struct {
	Value   []byte
	Version uint64
}

// TxnState defines the lifecycle state of a transaction
type TxnState int

const (
	TxnStateActive TxnState = iota
	TxnStateValidating
	TxnStateCommitted
	TxnStateAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnStateActive:
		return "active"
	case TxnStateValidating:
		return "validating"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// AbortReason classifies why a transaction did not commit
type AbortReason string

const (
	AbortReasonConflict   AbortReason = "conflict"
	AbortReasonExplicit   AbortReason = "explicit"
	AbortReasonDurability AbortReason = "durability"
	AbortReasonBody       AbortReason = "body"
	AbortReasonCanceled   AbortReason = "canceled"
)
