package mnode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityMapBindAndResolve(t *testing.T) {
	im := newIdentityMap()
	im.Bind(7, 100)

	inum, ok := im.ResolveID(7)
	require.True(t, ok)
	require.Equal(t, uint32(100), inum)

	id, ok := im.ResolveInum(100)
	require.True(t, ok)
	require.Equal(t, uint64(7), id)
	require.False(t, im.IsWeak(100))
}

func TestIdentityMapWeakEntrySurvivesUntilForgotten(t *testing.T) {
	im := newIdentityMap()
	im.Bind(7, 100)
	im.MarkWeak(100)

	require.True(t, im.IsWeak(100))
	// resolution still works while weak: a concurrent lookup must be able
	// to find the mnode right up until it is actually reclaimed.
	id, ok := im.ResolveInum(100)
	require.True(t, ok)
	require.Equal(t, uint64(7), id)

	im.Forget(7, 100)
	_, ok = im.ResolveInum(100)
	require.False(t, ok)
	_, ok = im.ResolveID(7)
	require.False(t, ok)
}
