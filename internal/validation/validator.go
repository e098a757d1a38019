package validation

import (
	"strings"
	"unicode"

	"github.com/devrev/pairdb/txnstore/internal/errors"
)

const (
	// Size limits
	MaxKeySize   = 1024             // 1 KB
	MaxValueSize = 10 * 1024 * 1024 // 10 MB
)

// Validator checks keys and values before they enter a transaction's write-set
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits.
// Non-positive limits fall back to the defaults.
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	v := NewValidator()
	if maxKeySize > 0 {
		v.maxKeySize = maxKeySize
	}
	if maxValueSize > 0 {
		v.maxValueSize = maxValueSize
	}
	return v
}

// ValidateWrite validates a buffered write
func (v *Validator) ValidateWrite(key string, value []byte) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateValue(value)
}

// ValidateKey validates a key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}

	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}

	// Null bytes would be ambiguous in logs and admin output
	if strings.Contains(key, "\x00") {
		return errors.InvalidKey(key, "key cannot contain null bytes")
	}

	for _, r := range key {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return errors.InvalidKey(key, "key cannot contain control characters")
		}
	}

	return nil
}

// ValidateValue validates a value. Nil and empty values are allowed.
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.ValueTooLarge(len(value), v.maxValueSize)
	}
	return nil
}
