package worker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("bad payload")
	wrapped := fmt.Errorf("job x: %w", Permanent(base))

	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "job x: bad payload", wrapped.Error())
	assert.False(t, IsPermanent(base))
	assert.False(t, IsPermanent(nil))
	assert.NoError(t, Permanent(nil))
}
