package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc(func(hctx HandlerContext, payload []byte) ([]byte, error) { return payload, nil })
	r.Register("file_processing", h)

	found, ok := r.Lookup("file_processing")
	require.True(t, ok)
	assert.NotNil(t, found)
}

func TestRegistry_LookupMissingReturnsFalse(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("unknown")
	assert.False(t, ok)
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc(func(hctx HandlerContext, payload []byte) ([]byte, error) { return nil, nil })
	r.Register("validation", h)

	assert.Panics(t, func() {
		r.Register("validation", h)
	})
}
