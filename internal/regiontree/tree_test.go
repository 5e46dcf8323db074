package regiontree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// country -> province -> {district-a, district-b}; district-a -> village
func sampleTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := Build([]Node{
		{ID: "village", ParentID: "district-a"},
		{ID: "district-a", ParentID: "province"},
		{ID: "district-b", ParentID: "province"},
		{ID: "province", ParentID: "country"},
		{ID: "country"},
	})
	require.NoError(t, err)
	return tree
}

func TestBuild(t *testing.T) {
	tree := sampleTree(t)

	assert.Equal(t, 5, tree.Len())
	assert.Equal(t, []string{"country"}, tree.Roots())

	parent, ok := tree.Parent("village")
	assert.True(t, ok)
	assert.Equal(t, "district-a", parent)

	_, ok = tree.Parent("country")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"district-a", "district-b"}, tree.Children("province"))
	assert.Equal(t, []string{"district-a", "province", "country"}, tree.Ancestors("village"))
	assert.Equal(t, []string{"district-a", "village", "district-b"}, tree.Descendants("province"))
}

func TestBuildErrors(t *testing.T) {
	testCases := []struct {
		name     string
		nodes    []Node
		expected error
	}{
		{
			name:     "unknown parent",
			nodes:    []Node{{ID: "a", ParentID: "missing"}},
			expected: ErrUnknownNode,
		},
		{
			name:     "duplicate id",
			nodes:    []Node{{ID: "a"}, {ID: "a"}},
			expected: ErrDuplicate,
		},
		{
			name:     "self parent",
			nodes:    []Node{{ID: "a", ParentID: "a"}},
			expected: ErrCycle,
		},
		{
			name:     "two node cycle",
			nodes:    []Node{{ID: "a", ParentID: "b"}, {ID: "b", ParentID: "a"}},
			expected: ErrCycle,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.nodes)
			assert.ErrorIs(t, err, tc.expected)
		})
	}
}

func TestAdd(t *testing.T) {
	tree := sampleTree(t)

	require.NoError(t, tree.Add("district-c", "province"))
	assert.Contains(t, tree.Children("province"), "district-c")

	assert.ErrorIs(t, tree.Add("district-c", ""), ErrDuplicate)
	assert.ErrorIs(t, tree.Add("x", "missing"), ErrUnknownNode)
}

func TestReparent(t *testing.T) {
	t.Run("moves a subtree", func(t *testing.T) {
		tree := sampleTree(t)

		move, err := tree.Reparent("district-a", "country")
		require.NoError(t, err)
		assert.Equal(t, Move{ID: "district-a", From: "province", To: "country"}, move)
		assert.Equal(t, []string{"district-a", "country"}, tree.Ancestors("village"))
		assert.Equal(t, []string{"district-b"}, tree.Children("province"))
	})

	t.Run("moves to root", func(t *testing.T) {
		tree := sampleTree(t)

		_, err := tree.Reparent("province", "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"country", "province"}, tree.Roots())
	})

	t.Run("rejects a move under a descendant", func(t *testing.T) {
		tree := sampleTree(t)

		_, err := tree.Reparent("province", "village")
		assert.ErrorIs(t, err, ErrCycle)

		_, err = tree.Reparent("province", "province")
		assert.ErrorIs(t, err, ErrCycle)

		parent, _ := tree.Parent("province")
		assert.Equal(t, "country", parent)
	})
}

func TestRemove(t *testing.T) {
	t.Run("children move to the grandparent", func(t *testing.T) {
		tree := sampleTree(t)

		moves, err := tree.Remove("province")
		require.NoError(t, err)
		assert.Equal(t, []Move{
			{ID: "district-a", From: "province", To: "country"},
			{ID: "district-b", From: "province", To: "country"},
			{ID: "province", From: "country", To: ""},
		}, moves)

		assert.False(t, tree.Contains("province"))
		assert.Equal(t, 4, tree.Len())
		assert.ElementsMatch(t, []string{"district-a", "district-b"}, tree.Children("country"))
		assert.Equal(t, []string{"district-a", "country"}, tree.Ancestors("village"))
	})

	t.Run("removing a root makes its children roots", func(t *testing.T) {
		tree := sampleTree(t)

		moves, err := tree.Remove("country")
		require.NoError(t, err)
		assert.Equal(t, []Move{
			{ID: "province", From: "country", To: ""},
			{ID: "country", From: "", To: ""},
		}, moves)
		assert.Equal(t, []string{"province"}, tree.Roots())
	})

	t.Run("removing a leaf moves nothing else", func(t *testing.T) {
		tree := sampleTree(t)

		moves, err := tree.Remove("village")
		require.NoError(t, err)
		assert.Len(t, moves, 1)
		assert.Empty(t, tree.Children("district-a"))
	})

	t.Run("unknown region", func(t *testing.T) {
		tree := sampleTree(t)

		_, err := tree.Remove("nowhere")
		assert.ErrorIs(t, err, ErrUnknownNode)
	})
}
