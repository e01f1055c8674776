package vocab

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raseidi/ConditionedSimulation/errdefs"
)

func records(values ...string) []map[string]string {
	out := make([]map[string]string, len(values))
	for i, v := range values {
		out[i] = map[string]string{"activity": v}
	}
	return out
}

func TestBuildAssignsContiguousIndices(t *testing.T) {
	s, err := Build(records("a", "b", "a", "c", "b"), []string{"activity"})
	require.NoError(t, err)

	v := s.Get("activity")
	require.NotNil(t, v)
	assert.Equal(t, 3, v.Size)

	// encounter order and bijection onto {0..size-1}
	seen := make(map[int]bool)
	for i, raw := range []string{"a", "b", "c"} {
		ix, err := v.Encode(raw)
		require.NoError(t, err)
		assert.Equal(t, i, ix)
		assert.False(t, seen[ix])
		seen[ix] = true

		back, err := v.Decode(ix)
		require.NoError(t, err)
		assert.Equal(t, raw, back)
	}
}

func TestEmbDimFormula(t *testing.T) {
	cases := map[int]int{1: 2, 2: 2, 3: 2, 4: 2, 9: 3, 15: 3, 16: 4, 100: 10}
	for size, want := range cases {
		assert.Equal(t, want, EmbDimFor(size), "size %d", size)
	}

	// the built vocabulary uses the same formula and is never zero-width
	for _, k := range []int{1, 5, 26, 50} {
		recs := make([]map[string]string, k)
		for i := range recs {
			recs[i] = map[string]string{"activity": "act" + strconv.Itoa(i)}
		}
		s, err := Build(recs, []string{"activity"})
		require.NoError(t, err)
		v := s.Get("activity")
		assert.Equal(t, k, v.Size)
		assert.Equal(t, EmbDimFor(k), v.EmbDim)
		assert.GreaterOrEqual(t, v.EmbDim, 2)
	}
}

func TestBuildMissingFeature(t *testing.T) {
	_, err := Build(records("a"), []string{"activity", "resource"})
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))
}

func TestEncodeUnseenValueFails(t *testing.T) {
	s, err := Build(records("a", "b"), []string{"activity"})
	require.NoError(t, err)

	_, err = s.Get("activity").Encode("never-seen")
	require.Error(t, err)
	assert.True(t, errdefs.IsData(err))
}
