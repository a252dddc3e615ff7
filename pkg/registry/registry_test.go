package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseRegistry_Register(t *testing.T) {
	reg := NewBaseRegistry[string]()

	require.NoError(t, reg.Register("a", "first"))

	err := reg.Register("", "anon")
	assert.Error(t, err, "empty names are rejected")

	err = reg.Register("a", "second")
	require.Error(t, err, "duplicate names are rejected")
	assert.Contains(t, err.Error(), "already registered")

	item, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "first", item, "a failed duplicate must not overwrite")
}

func TestBaseRegistry_Replace(t *testing.T) {
	reg := NewBaseRegistry[string]()

	assert.False(t, reg.Replace("a", "first"), "first insert is not an overwrite")
	assert.True(t, reg.Replace("a", "second"))

	item, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "second", item)
}

func TestBaseRegistry_NamesSorted(t *testing.T) {
	reg := NewBaseRegistry[int]()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, reg.Register(name, 1))
	}

	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, reg.Names())
	assert.Len(t, reg.List(), 3)
}

func TestBaseRegistry_RemoveAndCount(t *testing.T) {
	reg := NewBaseRegistry[int]()
	require.NoError(t, reg.Register("x", 1))
	assert.Equal(t, 1, reg.Count())

	require.NoError(t, reg.Remove("x"))
	assert.Error(t, reg.Remove("x"), "removing a missing item errors")
	assert.Equal(t, 0, reg.Count())

	require.NoError(t, reg.Register("y", 2))
	reg.Clear()
	assert.Equal(t, 0, reg.Count())
}
