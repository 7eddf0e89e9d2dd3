package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id := NewID("sess")
	require.True(t, strings.HasPrefix(id, "sess_"))
	_, err := uuid.Parse(strings.TrimPrefix(id, "sess_"))
	assert.NoError(t, err)
	assert.NotEqual(t, NewID(""), NewID(""))
}

func TestNewClientIDFitsIn53Bits(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := NewClientID()
		assert.NotZero(t, id)
		assert.Less(t, id, uint64(1)<<53)
	}
}
