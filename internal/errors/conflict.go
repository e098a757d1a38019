package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/devrev/pairdb/txnstore/internal/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ConflictError is returned when commit-time validation fails. It carries every
// conflict found, not just the first.
type ConflictError struct {
	TxnID     uint64
	Conflicts []model.Conflict
}

// NewConflictError creates a ConflictError for the given transaction
func NewConflictError(txnID uint64, conflicts []model.Conflict) *ConflictError {
	return &ConflictError{TxnID: txnID, Conflicts: conflicts}
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 1 {
		return fmt.Sprintf("transaction %d conflict: %s", e.TxnID, e.Conflicts[0])
	}
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, c.String())
	}
	return fmt.Sprintf("transaction %d has %d conflicts: %s", e.TxnID, len(e.Conflicts), strings.Join(parts, "; "))
}

// Keys returns the conflicting keys in report order
func (e *ConflictError) Keys() []string {
	keys := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		keys = append(keys, c.ConflictKey())
	}
	return keys
}

// ToGRPCStatus converts the conflict to an Aborted status
func (e *ConflictError) ToGRPCStatus() *status.Status {
	return status.New(codes.Aborted, e.Error())
}

// IsConflict reports whether err is, or wraps, a ConflictError
func IsConflict(err error) bool {
	var ce *ConflictError
	return stderrors.As(err, &ce)
}

// AsConflict extracts the ConflictError from err if present
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
