package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New("10.64.0.0/10", t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestAllocateBlockAssignsDistinctNonOverlappingSubnets(t *testing.T) {
	m := newTestManager(t)

	idx1, cidr1, gw1, err := m.allocateBlock()
	require.NoError(t, err)
	m.state.Allocated[idx1] = "range-a"

	idx2, cidr2, gw2, err := m.allocateBlock()
	require.NoError(t, err)

	assert.NotEqual(t, idx1, idx2)
	assert.NotEqual(t, cidr1, cidr2)
	assert.NotEqual(t, gw1, gw2)
	assert.Contains(t, cidr1, "/24")
	assert.Contains(t, cidr2, "/24")
}

func TestAllocateBlockPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	m1, err := New("10.64.0.0/10", dir, zap.NewNop())
	require.NoError(t, err)

	idx, cidr, gw, err := m1.allocateBlock()
	require.NoError(t, err)
	bridge := bridgeNameFor("range-a", "office")
	m1.state.Allocated[idx] = "range-a"
	m1.state.Networks[bridge] = Network{RangeID: "range-a", Name: "office", BridgeName: bridge, CIDR: cidr, Gateway: gw}
	require.NoError(t, m1.persist())

	m2, err := New("10.64.0.0/10", dir, zap.NewNop())
	require.NoError(t, err)
	_, stillUsed := m2.state.Allocated[idx]
	assert.True(t, stillUsed, "allocation must survive a reload from disk")
}

func TestBridgeNameForIsDeterministicAndShortEnoughForIFNAMSIZ(t *testing.T) {
	name1 := bridgeNameFor("range-1", "office")
	name2 := bridgeNameFor("range-1", "office")
	name3 := bridgeNameFor("range-1", "dmz")

	assert.Equal(t, name1, name2)
	assert.NotEqual(t, name1, name3)
	assert.LessOrEqual(t, len(name1), 15)
	assert.Regexp(t, `^cy-[0-9a-f]{6}-[0-9a-f]{4}$`, name1)
}

func TestNatCommentTagsByRangeID(t *testing.T) {
	assert.Equal(t, "cyris-range-1", natComment("range-1"))
}

func TestTokenizeRuleForDeleteDropsChainPrefix(t *testing.T) {
	line := "-A FORWARD -i cy-abc123-d4e5 -j ACCEPT -m comment --comment cyris-range-1"
	args := tokenizeRuleForDelete(line)
	assert.Equal(t, []string{"-i", "cy-abc123-d4e5", "-j", "ACCEPT", "-m", "comment", "--comment", "cyris-range-1"}, args)
}

func TestTokenizeRuleForDeleteHandlesShortLine(t *testing.T) {
	assert.Nil(t, tokenizeRuleForDelete("-A"))
}
