package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_UniqueAndValid(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		assert.True(t, Valid(id), "invalid id %q", id)
		assert.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("7c9e6679-7425-40de-944b-e07fc1f90ae7"))
	assert.False(t, Valid("esc_123"))
	assert.False(t, Valid(""))
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(16), 32)
}
