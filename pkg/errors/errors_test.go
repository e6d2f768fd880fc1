package errors

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewError tests the basic creation of errors.
func TestNewError(t *testing.T) {
	tests := []struct {
		name    string
		code    ErrorCode
		message string
	}{
		{
			name:    "ValidationFailed",
			code:    ValidationFailed,
			message: "validation failed",
		},
		{
			name:    "EmbeddingFailed",
			code:    EmbeddingFailed,
			message: "embedding provider unavailable",
		},
		{
			name:    "TaxonomyViolation",
			code:    TaxonomyViolation,
			message: "core categories are immutable",
		},
		{
			name:    "SerializationFailed",
			code:    SerializationFailed,
			message: "corrupt store file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)

			customErr, ok := err.(*Error)

			assert.True(t, ok, "should be a custom *Error")
			assert.Equal(t, tt.code, customErr.Code())
			assert.Equal(t, tt.message, customErr.Error())

			// Test nil original error for new errors
			assert.Nil(t, customErr.Unwrap())
		})
	}
}

// TestWrapError tests error wrapping functionality.
func TestWrapError(t *testing.T) {
	originalErr := stderrors.New("original error")

	t.Run("wrap normal error", func(t *testing.T) {
		err := Wrap(originalErr, StructuralOpFailed, "operation skipped")
		require.NotNil(t, err)

		var customErr *Error
		require.True(t, stderrors.As(err, &customErr))
		assert.Equal(t, StructuralOpFailed, customErr.Code())
		assert.Equal(t, originalErr, customErr.Unwrap())
		assert.Contains(t, err.Error(), "operation skipped")
		assert.Contains(t, err.Error(), "original error")
	})

	t.Run("wrap nil error returns nil", func(t *testing.T) {
		assert.Nil(t, Wrap(nil, InvalidCategory, "ignored"))
	})
}

// TestWithFields tests attaching structured context to errors.
func TestWithFields(t *testing.T) {
	t.Run("adds fields to custom error", func(t *testing.T) {
		err := WithFields(
			New(InvalidCategory, "unknown category"),
			Fields{"category": "alchemy"},
		)

		var customErr *Error
		require.True(t, stderrors.As(err, &customErr))
		assert.Equal(t, InvalidCategory, customErr.Code())
		assert.Equal(t, "alchemy", customErr.Fields()["category"])
		assert.Contains(t, err.Error(), "category=alchemy")
	})

	t.Run("merges fields without mutating original", func(t *testing.T) {
		base := New(EmbeddingFailed, "batch failed")
		first := WithFields(base, Fields{"batch": 1})
		second := WithFields(first, Fields{"attempt": 3})

		var firstErr, secondErr *Error
		require.True(t, stderrors.As(first, &firstErr))
		require.True(t, stderrors.As(second, &secondErr))

		assert.Len(t, firstErr.Fields(), 1)
		assert.Len(t, secondErr.Fields(), 2)
		assert.Equal(t, 3, secondErr.Fields()["attempt"])
	})

	t.Run("wraps plain error", func(t *testing.T) {
		err := WithFields(stderrors.New("plain"), Fields{"id": "mat-00001"})

		var customErr *Error
		require.True(t, stderrors.As(err, &customErr))
		assert.Equal(t, Unknown, customErr.Code())
		assert.Equal(t, "mat-00001", customErr.Fields()["id"])
	})

	t.Run("nil error returns nil", func(t *testing.T) {
		assert.Nil(t, WithFields(nil, Fields{"ignored": true}))
	})
}

// TestErrorIs tests code-based matching via errors.Is.
func TestErrorIs(t *testing.T) {
	err := New(DuplicateCategory, "prefix already registered")

	assert.True(t, stderrors.Is(err, New(DuplicateCategory, "other message")))
	assert.False(t, stderrors.Is(err, New(TaxonomyViolation, "other code")))
	assert.False(t, stderrors.Is(err, stderrors.New("plain")))
}

// TestErrorIsWrapped verifies matching through wrapping layers.
func TestErrorIsWrapped(t *testing.T) {
	inner := New(SerializationFailed, "corrupt json")
	outer := Wrap(inner, Unknown, "load failed")

	assert.True(t, stderrors.Is(outer, New(SerializationFailed, "")))
}

// TestCheckContext tests context cancellation wrapping.
func TestCheckContext(t *testing.T) {
	t.Run("live context returns nil", func(t *testing.T) {
		assert.NoError(t, CheckContext(context.Background(), "curation"))
	})

	t.Run("canceled context returns Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := CheckContext(ctx, "curation")
		require.Error(t, err)

		var customErr *Error
		require.True(t, stderrors.As(err, &customErr))
		assert.Equal(t, Canceled, customErr.Code())
		assert.Contains(t, err.Error(), "curation canceled")
	})
}
