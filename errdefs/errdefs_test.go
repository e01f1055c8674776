package errdefs

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := Data("code %d out of range", 7)
	assert.True(t, IsData(err))
	assert.False(t, IsConfig(err))

	wrapped := errors.Wrap(err, "encode batch")
	assert.True(t, IsData(wrapped))
	assert.Equal(t, KindData, KindOf(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, IsExternal(errors.New("plain")))
}

func TestExternalIf(t *testing.T) {
	assert.NoError(t, ExternalIf(nil, "commit"))

	err := ExternalIf(errors.New("disk full"), "write metrics")
	assert.True(t, IsExternal(err))
	assert.Contains(t, err.Error(), "write metrics")
}
