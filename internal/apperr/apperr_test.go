package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_ClassifiedChain(t *testing.T) {
	base := Errorf(NotFound, "store.GetRecord", "record %s not found", "doc-1")
	wrapped := fmt.Errorf("handler: %w", base)

	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, NotFound))
	assert.False(t, IsKind(wrapped, Validation))
}

func TestKindOf_UnclassifiedIsUnknown(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestE_PreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := E(Infrastructure, "queue.Enqueue", fmt.Errorf("create task: %w", cause))

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "queue.Enqueue")
	assert.Contains(t, err.Error(), "infrastructure")
}
