package orchestrator

import (
	"testing"

	"github.com/cyris-lab/cyris/internal/description"
	"github.com/cyris-lab/cyris/internal/topology"
	"github.com/stretchr/testify/assert"
)

func TestNewRangeIDIsSlugPrefixed(t *testing.T) {
	doc := &description.Document{Guests: []description.Guest{{GuestID: "Web Server 1"}}}
	id := newRangeID(doc)
	assert.Regexp(t, `^web-server-1-[0-9a-f]{8}$`, id)
}

func TestNewRangeIDWithNoGuestsFallsBackToRange(t *testing.T) {
	id := newRangeID(&description.Document{})
	assert.Regexp(t, `^range-[0-9a-f]{8}$`, id)
}

func TestEntryPointSetCollectsAcrossClones(t *testing.T) {
	doc := &description.Document{
		Clones: []description.CloneSpec{
			{Instances: []description.CloneSettingInstance{
				{GuestID: "desktop", EntryPoint: true},
				{GuestID: "server", EntryPoint: false},
			}},
			{Instances: []description.CloneSettingInstance{
				{GuestID: "firewall", EntryPoint: true},
			}},
		},
	}
	set := entryPointSet(doc)
	assert.True(t, set["desktop"])
	assert.True(t, set["firewall"])
	assert.False(t, set["server"])
}

func TestDomainNameForIsNamespacedByRange(t *testing.T) {
	name := domainNameFor("range1", "desktop", 0)
	assert.Regexp(t, `^rangerange1-desktop-0-[0-9a-f]{8}$`, name)
}

func TestResolveRangeIDHonorsOperatorChosenID(t *testing.T) {
	doc := &description.Document{
		Clones: []description.CloneSpec{{RangeID: "101"}},
	}
	assert.Equal(t, "101", resolveRangeID(doc))
}

func TestResolveRangeIDGeneratesWhenAbsent(t *testing.T) {
	doc := &description.Document{
		Guests: []description.Guest{{GuestID: "desktop"}},
		Clones: []description.CloneSpec{{}},
	}
	assert.Regexp(t, `^desktop-[0-9a-f]{8}$`, resolveRangeID(doc))
}

func TestGuestMembershipsCollectsDeclaredInterfaces(t *testing.T) {
	clone := description.CloneSpec{
		Topology: []description.TopologyNetwork{
			{Name: "office", Members: []description.NetworkMember{
				{GuestID: "desktop", Interface: "eth0"},
				{GuestID: "server", Interface: "eth0"},
			}},
			{Name: "dmz", Members: []description.NetworkMember{
				{GuestID: "desktop", Interface: "eth1"},
			}},
		},
	}
	members := guestMemberships(clone, "desktop")
	assert.Equal(t, []networkMembership{
		{NetworkName: "office", Interface: "eth0"},
		{NetworkName: "dmz", Interface: "eth1"},
	}, members)
}

func TestBridgeIndexMapsByNetworkName(t *testing.T) {
	networks := []topology.Network{
		{Name: "office", BridgeName: "cy-aaaaaa-bbbb"},
		{Name: "dmz", BridgeName: "cy-aaaaaa-cccc"},
	}
	idx := bridgeIndex(networks)
	assert.Equal(t, "cy-aaaaaa-bbbb", idx["office"])
	assert.Equal(t, "cy-aaaaaa-cccc", idx["dmz"])
}

func TestMacInUseChecksAllGuests(t *testing.T) {
	rec := &Record{Guests: map[string]*GuestRecord{
		"desktop": {MAC: "02:11:22:33:44:55"},
	}}
	assert.True(t, macInUse(rec, "02:11:22:33:44:55"))
	assert.False(t, macInUse(rec, "02:aa:bb:cc:dd:ee"))
}

func TestFinalStateRunningWhenNoFailures(t *testing.T) {
	rec := &Record{Guests: map[string]*GuestRecord{
		"desktop": {GuestID: "desktop"},
	}}
	assert.Equal(t, StateRunning, finalState(rec, map[string]bool{}))
}

func TestFinalStateDegradedOnNonEntryPointFailure(t *testing.T) {
	rec := &Record{Guests: map[string]*GuestRecord{
		"server": {GuestID: "server", TaskErrors: []string{"exit 1"}},
	}}
	assert.Equal(t, StateDegraded, finalState(rec, map[string]bool{}))
}

func TestFinalStateErrorOnEntryPointFailure(t *testing.T) {
	rec := &Record{Guests: map[string]*GuestRecord{
		"desktop": {GuestID: "desktop", TaskErrors: []string{"exit 1"}},
	}}
	assert.Equal(t, StateError, finalState(rec, map[string]bool{"desktop": true}))
}

func TestGuestImageSpecMapsFields(t *testing.T) {
	g := description.Guest{
		GuestID: "desktop", BaseVMType: description.BaseVMOnDemand,
		ImageName: "ubuntu-22.04", DiskGB: 20, RootPassword: "changeme",
	}
	spec := guestImageSpec(g, "ssh-ed25519 AAAA operator", "deploy")
	assert.Equal(t, "desktop", spec.Hostname)
	assert.Equal(t, "ubuntu-22.04", spec.ImageName)
	assert.Equal(t, 20, spec.DiskGB)
	assert.Equal(t, "changeme", spec.RootPassword)
	assert.Equal(t, "ssh-ed25519 AAAA operator", spec.AuthorizedKeys)
	assert.Equal(t, "deploy", spec.DefaultUser)
}

func TestGuestImageSpecTreatsRootAsNoDefaultUser(t *testing.T) {
	g := description.Guest{GuestID: "desktop"}
	spec := guestImageSpec(g, "ssh-ed25519 AAAA operator", "root")
	assert.Equal(t, "", spec.DefaultUser)
}
