package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for database operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeInvalidKey      ErrorCode = 1005
	ErrCodeChecksumFailed  ErrorCode = 1006
	ErrCodeTxnNotActive    ErrorCode = 1007

	// Transaction outcome errors
	ErrCodeConflict         ErrorCode = 1100
	ErrCodeRetriesExhausted ErrorCode = 1101
	ErrCodeTimeout          ErrorCode = 1102

	// Server errors (5xx equivalent)
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeUnavailable        ErrorCode = 2001
	ErrCodeDiskFull           ErrorCode = 2002
	ErrCodeDiskThrottled      ErrorCode = 2003
	ErrCodeDurability         ErrorCode = 2004
	ErrCodeCorruptedData      ErrorCode = 2007
	ErrCodeRecoveryCorruption ErrorCode = 2009
	ErrCodeClosed             ErrorCode = 2010
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	grpcCode := e.toGRPCCode()
	return status.New(grpcCode, e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeValueTooLarge, ErrCodeInvalidKey:
		return codes.InvalidArgument
	case ErrCodeTxnNotActive:
		return codes.FailedPrecondition
	case ErrCodeConflict, ErrCodeRetriesExhausted:
		return codes.Aborted
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeDiskThrottled, ErrCodeUnavailable, ErrCodeClosed, ErrCodeDurability:
		return codes.Unavailable
	case ErrCodeChecksumFailed, ErrCodeCorruptedData, ErrCodeRecoveryCorruption:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidKey(key, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func TxnNotActive(txnID uint64, state string) *StorageError {
	return NewStorageError(ErrCodeTxnNotActive, fmt.Sprintf("transaction %d is %s", txnID, state), nil).
		WithDetail("txn_id", txnID).
		WithDetail("state", state)
}

// RetriesExhausted wraps the conflict of the final attempt so callers can still
// inspect it with errors.As.
func RetriesExhausted(attempts int, last *ConflictError) *StorageError {
	var cause error
	if last != nil {
		cause = last
	}
	return NewStorageError(ErrCodeRetriesExhausted, fmt.Sprintf("transaction aborted after %d attempts", attempts), cause).
		WithDetail("attempts", attempts)
}

func Timeout(cause error) *StorageError {
	return NewStorageError(ErrCodeTimeout, "transaction timed out", cause)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

// Durability reports that a commit could not be made durable. The transaction
// did not commit and must not be assumed to have.
func Durability(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeDurability, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func RecoveryCorruption(segment string, offset int64, cause error) *StorageError {
	return NewStorageError(ErrCodeRecoveryCorruption, fmt.Sprintf("unreadable log record in %s at offset %d", segment, offset), cause).
		WithDetail("segment", segment).
		WithDetail("offset", offset)
}

func Closed() *StorageError {
	return NewStorageError(ErrCodeClosed, "database is closed", nil)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ce *ConflictError
	var se *StorageError
	switch {
	case stderrors.As(err, &se):
		return se.Code
	case stderrors.As(err, &ce):
		return ErrCodeConflict
	default:
		return ErrCodeInternal
	}
}

// IsDurability reports whether err is a failed WAL append
func IsDurability(err error) bool {
	return GetCode(err) == ErrCodeDurability
}
