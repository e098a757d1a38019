package model

// RecordType tags a write-ahead log record on disk
type RecordType uint8

const (
	RecordTypeBegin  RecordType = 1
	RecordTypeWrite  RecordType = 2
	RecordTypeCommit RecordType = 3
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeBegin:
		return "begin"
	case RecordTypeWrite:
		return "write"
	case RecordTypeCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Record is a write-ahead log entry. The set is closed: BeginTxn, Write and CommitTxn.
// There is no abort record; recovery discards any transaction lacking CommitTxn.
type Record interface {
	Txn() uint64
	Type() RecordType
	isRecord()
}

// BeginTxn opens a transaction's group of records
type BeginTxn struct {
	TxnID uint64
}

// Write carries one key of the write-set and the version it installs
type Write struct {
	TxnID   uint64
	Key     string
	Value   []byte
	Version uint64
}

// CommitTxn marks the transaction durable
type CommitTxn struct {
	TxnID uint64
}

func (r BeginTxn) Txn() uint64       { return r.TxnID }
func (r BeginTxn) Type() RecordType  { return RecordTypeBegin }
func (BeginTxn) isRecord()           {}
func (r Write) Txn() uint64          { return r.TxnID }
func (r Write) Type() RecordType     { return RecordTypeWrite }
func (Write) isRecord()              {}
func (r CommitTxn) Txn() uint64      { return r.TxnID }
func (r CommitTxn) Type() RecordType { return RecordTypeCommit }
func (CommitTxn) isRecord()          {}
