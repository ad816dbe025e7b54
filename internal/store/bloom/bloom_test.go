package bloom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvault/server/internal/objects"
)

func idFor(s string) objects.ObjectID {
	return objects.ComputeHash(objects.TypeBlob, []byte(s))
}

func TestFilterNoFalseNegatives(t *testing.T) {
	f := New(100, 4)
	ids := make([]objects.ObjectID, 0, 50)
	for i := 0; i < 50; i++ {
		id := idFor(string(rune('a' + i)))
		f.Add(id)
		ids = append(ids, id)
	}
	for _, id := range ids {
		assert.True(t, f.MaybeContains(id))
	}
}

func TestFilterRejectsUnadded(t *testing.T) {
	f := New(100, 4)
	f.Add(idFor("present"))
	assert.False(t, f.MaybeContains(idFor("absent")))
}

func TestExactCacheLifecycle(t *testing.T) {
	c := NewExactCache()
	id := idFor("x")
	require.False(t, c.Contains(id))
	c.Add(id)
	require.True(t, c.Contains(id))
	assert.Equal(t, 1, c.Len())

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, id, snap[0])

	c.Remove(id)
	assert.False(t, c.Contains(id))

	c.Add(id)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
