package idgen

import (
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	require.NoError(t, err)
}

func TestWithPrefix_Shape(t *testing.T) {
	id := WithPrefix("esc_")
	require.True(t, strings.HasPrefix(id, "esc_"))
	assert.Len(t, id, len("esc_")+32)

	u, err := uuid.Parse(strings.TrimPrefix(id, "esc_"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())
}

func TestWithPrefix_SortsByCreation(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = WithPrefix("tx_")
	}
	assert.True(t, sort.StringsAreSorted(ids))
	assert.NotEqual(t, ids[0], ids[1])
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(16), 32)
	assert.NotEqual(t, Hex(8), Hex(8))
}
