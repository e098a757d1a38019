package validation

import (
	"strings"
	"testing"

	"github.com/devrev/pairdb/txnstore/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidator_ValidateKey(t *testing.T) {
	v := NewValidatorWithLimits(8, 16)

	tests := []struct {
		name     string
		key      string
		wantCode errors.ErrorCode
	}{
		{"valid", "user:1", errors.ErrCodeOK},
		{"tab allowed", "a\tb", errors.ErrCodeOK},
		{"empty", "", errors.ErrCodeInvalidKey},
		{"too long", strings.Repeat("k", 9), errors.ErrCodeKeyTooLarge},
		{"null byte", "a\x00b", errors.ErrCodeInvalidKey},
		{"control char", "a\x07", errors.ErrCodeInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, errors.GetCode(v.ValidateKey(tt.key)))
		})
	}
}

func TestValidator_ValidateValue(t *testing.T) {
	v := NewValidatorWithLimits(8, 16)

	assert.NoError(t, v.ValidateValue(nil))
	assert.NoError(t, v.ValidateValue(make([]byte, 16)))
	assert.Equal(t, errors.ErrCodeValueTooLarge, errors.GetCode(v.ValidateValue(make([]byte, 17))))
	assert.Equal(t, errors.ErrCodeValueTooLarge, errors.GetCode(v.ValidateWrite("ok", make([]byte, 17))))
}

func TestNewValidatorWithLimits_Defaults(t *testing.T) {
	v := NewValidatorWithLimits(0, -1)
	assert.NoError(t, v.ValidateKey(strings.Repeat("k", MaxKeySize)))
	assert.Error(t, v.ValidateKey(strings.Repeat("k", MaxKeySize+1)))
}
