package dag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDiamond(t *testing.T) *Graph {
	t.Helper()
	g, err := Build(
		[]string{"a", "b", "c", "d"},
		map[string][]string{
			"b": {"a"},
			"c": {"a"},
			"d": {"b", "c"},
		},
	)
	require.NoError(t, err)
	return g
}

func TestWavesDiamond(t *testing.T) {
	g := buildDiamond(t)

	waves, err := g.Waves()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, waves)
}

func TestWavesSortedWithinWave(t *testing.T) {
	g, err := Build([]string{"z", "m", "a"}, nil)
	require.NoError(t, err)

	waves, err := g.Waves()
	require.NoError(t, err)
	require.Len(t, waves, 1)
	assert.Equal(t, []string{"a", "m", "z"}, waves[0])
}

func TestSequenceOneNodePerWave(t *testing.T) {
	g := buildDiamond(t)

	seq, err := g.Sequence()
	require.NoError(t, err)
	require.Len(t, seq, 4)
	for _, wave := range seq {
		assert.Len(t, wave, 1)
	}
	assert.Equal(t, []string{"a"}, seq[0])
	assert.Equal(t, []string{"d"}, seq[3])
}

func TestCycleDetection(t *testing.T) {
	g, err := Build(
		[]string{"a", "b", "c"},
		map[string][]string{
			"a": {"c"},
			"b": {"a"},
			"c": {"b"},
		},
	)
	require.NoError(t, err)

	_, err = g.Waves()
	require.Error(t, err)

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Nodes)
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	_, err := Build([]string{"a"}, map[string][]string{"a": {"ghost"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestBuildRejectsDuplicateNode(t *testing.T) {
	_, err := Build([]string{"a", "a"}, nil)
	require.Error(t, err)
}

func TestRelations(t *testing.T) {
	g := buildDiamond(t)

	assert.ElementsMatch(t, []string{"b", "c"}, g.Successors("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, g.Predecessors("d"))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, g.Ancestors("d"))
	assert.ElementsMatch(t, []string{"b", "c", "d"}, g.Descendants("a"))
	assert.False(t, g.IsIndependent("a"))
}

func TestIsIndependent(t *testing.T) {
	g, err := Build([]string{"a", "b", "lone"}, map[string][]string{"b": {"a"}})
	require.NoError(t, err)

	assert.True(t, g.IsIndependent("lone"))
	assert.False(t, g.IsIndependent("b"))
}
