package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSet_CollapsesDuplicates(t *testing.T) {
	s := NewSet("1", "2", "2", "3")
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Has("2"))
	assert.False(t, s.Has("4"))
	assert.Equal(t, []ID{"1", "2", "3"}, s.IDs())
}

func TestSetAlgebra(t *testing.T) {
	x := FromStrings("1", "2", "3")
	y := FromStrings("3", "4")

	assert.Equal(t, []string{"3"}, x.Intersect(y).Strings())
	assert.Equal(t, []string{"1", "2", "3", "4"}, x.Union(y).Strings())
	assert.Equal(t, []string{"1", "2"}, x.Difference(y).Strings())
	assert.True(t, x.Intersect(NewSet()).Empty())
}

func TestSet_ZeroValueIsUsable(t *testing.T) {
	var s Set
	require.Equal(t, 0, s.Len())
	assert.False(t, s.Has("1"))
	assert.True(t, s.Union(FromStrings("1")).Has("1"))
	assert.Equal(t, NewSet().Key(), s.Key())
}

func TestKey_DependsOnlyOnMembership(t *testing.T) {
	a := FromStrings("3", "1", "2")
	b := FromStrings("1", "2", "3")
	c := FromStrings("1", "2", "4")

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestKey_NoConcatenationCollision(t *testing.T) {
	assert.NotEqual(t, FromStrings("12", "3").Key(), FromStrings("1", "23").Key())
}
