// types_test.go - Tests fuer Fehler-Kinds und Frame-Klassifikation
package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestErrorKinds prueft die Klassifikation auch durch Wrapping
// hindurch
func TestErrorKinds(t *testing.T) {
	err := NewError(KindSpent, "cursor %d is spent", 3)

	require.Error(t, err)
	assert.Equal(t, "spent: cursor 3 is spent", err.Error())

	wrapped := fmt.Errorf("calling exec: %w", err)
	assert.True(t, IsKind(wrapped, KindSpent))
	assert.False(t, IsKind(wrapped, KindCancelled))
	assert.False(t, IsKind(errors.New("plain"), KindSpent))
}

// TestFrameClassification prueft die Frame-Unterscheidung
func TestFrameClassification(t *testing.T) {
	request := &Frame{ID: 1, Object: SessionObject, Method: MethodCreateCompletion}
	assert.True(t, request.IsRequest())
	assert.False(t, request.IsSignal())

	signal := &Frame{Signal: SignalChunk, Object: CompletionPrefix + "1", Text: "hi"}
	assert.True(t, signal.IsSignal())
	assert.False(t, signal.IsRequest())

	response := &Frame{ID: 1, Error: NewError(KindNotFound, "gone")}
	assert.False(t, response.IsSignal())
	assert.False(t, response.IsRequest())
}
