package groupcache

import (
	"crypto/md5" //nolint:gosec // matches the production digest, not a security check
	"encoding/hex"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rsbio/spreadbus"
)

func TestGroupOfIsDeterministicAndBounded(t *testing.T) {
	scope := spreadbus.NewScope("/a/b/")
	sum := md5.Sum([]byte(scope.String())) //nolint:gosec
	want := hex.EncodeToString(sum[:])[:MaxGroupName-1]

	require.Equal(t, want, GroupOf(scope, 0))
	require.Equal(t, GroupOf(scope, 0), GroupOf(scope, 0))
	require.Less(t, len(GroupOf(scope, 0)), MaxGroupName)
}

func TestGroupOfRespectsCustomWidth(t *testing.T) {
	scope := spreadbus.NewScope("/a/")
	got := GroupOf(scope, 9)
	require.Len(t, got, 8)
}

func TestGroupsForReturnsOneNamePerSuperScope(t *testing.T) {
	c := New(0)
	scope := spreadbus.NewScope("/a/b/c/")
	groups := c.GroupsFor(scope)
	require.Len(t, groups, len(scope.SuperScopes(true)))
}

func TestGroupsForRootIsSingleName(t *testing.T) {
	c := New(0)
	groups := c.GroupsFor(spreadbus.RootScope)
	require.Len(t, groups, 1)
	require.Equal(t, GroupOf(spreadbus.RootScope, 0), groups[0])
}

func TestGroupsForCachesByScope(t *testing.T) {
	c := New(0)
	scope := spreadbus.NewScope("/a/b/")
	first := c.GroupsFor(scope)
	second := c.GroupsFor(scope)
	require.Equal(t, first, second)
}

func TestCacheClearsEntirelyPastBound(t *testing.T) {
	c := New(0)
	for i := 0; i < maxEntries+10; i++ {
		c.GroupsFor(spreadbus.NewScope("/scope" + strconv.Itoa(i) + "/"))
	}
	// The cache must never grow unbounded; it clears in full rather than
	// evicting incrementally, so its size stays within a small multiple of
	// the bound even after many distinct scopes.
	require.LessOrEqual(t, len(c.forAll), maxEntries+1)
}
