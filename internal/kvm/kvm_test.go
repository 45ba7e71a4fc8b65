package kvm

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMACDeterministicAndValid(t *testing.T) {
	mac1 := GenerateMAC("range-1", "desktop", 0, "eth0", nil)
	mac2 := GenerateMAC("range-1", "desktop", 0, "eth0", nil)
	assert.Equal(t, mac1, mac2, "same inputs must produce the same MAC")

	octets := strings.Split(mac1, ":")
	require.Len(t, octets, 6)

	first, err := strconv.ParseUint(octets[0], 16, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x02), first&0x02, "locally-administered bit must be set")
	assert.Equal(t, uint64(0), first&0x01, "multicast bit must be cleared")
}

func TestGenerateMACDiffersByIndexAndInterface(t *testing.T) {
	a := GenerateMAC("range-1", "desktop", 0, "eth0", nil)
	b := GenerateMAC("range-1", "desktop", 1, "eth0", nil)
	c := GenerateMAC("range-1", "desktop", 0, "eth1", nil)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestGenerateMACRehashesOnCollision(t *testing.T) {
	first := GenerateMAC("range-1", "desktop", 0, "eth0", nil)
	seen := map[string]bool{first: true}

	next := GenerateMAC("range-1", "desktop", 0, "eth0", func(mac string) bool {
		return seen[mac]
	})
	assert.NotEqual(t, first, next, "a collision must force a rehash to a different address")
}

func TestGenerateDomainXMLIncludesInterfacesAndDisk(t *testing.T) {
	xml := GenerateDomainXML(DomainSpec{
		Name: "cyris-range1-desktop", UUID: "abc-123", MemoryMB: 2048, VCPUs: 2,
		DiskPath: "/var/lib/cyris/ranges/range1/disks/desktop.qcow2",
		Interfaces: []InterfaceSpec{
			{BridgeName: "cy-aaaaaa-bbbb", MAC: "02:11:22:33:44:55"},
		},
	})
	assert.Contains(t, xml, "<name>cyris-range1-desktop</name>")
	assert.Contains(t, xml, "source bridge='cy-aaaaaa-bbbb'")
	assert.Contains(t, xml, "mac address='02:11:22:33:44:55'")
	assert.Contains(t, xml, "source file='/var/lib/cyris/ranges/range1/disks/desktop.qcow2'")
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "ubuntu-22.04_server", sanitizeFileName("ubuntu-22.04 server"))
	assert.Equal(t, "a_b_c", sanitizeFileName("a/b\\c"))
}

func TestWarmCacheKeyVariesWithSecrets(t *testing.T) {
	base := ImageSpec{ImageName: "ubuntu-22.04", Hostname: "victim", RootPassword: "s3cret", DefaultUser: "ubuntu"}
	withDifferentPassword := base
	withDifferentPassword.RootPassword = "different"

	assert.NotEqual(t, warmCacheKey(base, 20), warmCacheKey(withDifferentPassword, 20),
		"guests with different baked-in credentials must never share a cache entry")
	assert.Equal(t, warmCacheKey(base, 20), warmCacheKey(base, 20), "identical specs must be stable")
}

func TestParseBackingDiskFromDomainXML(t *testing.T) {
	xml := []byte(`<domain><devices><disk type='file' device='disk'>
	  <source file='/var/lib/cyris/basevm/ubuntu-base.qcow2'/>
	</disk></devices></domain>`)
	disk, err := parseBackingDiskFromDomainXML(xml)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/cyris/basevm/ubuntu-base.qcow2", disk)
}

func TestParseBackingDiskFromDomainXMLMalformed(t *testing.T) {
	_, err := parseBackingDiskFromDomainXML([]byte(`<domain></domain>`))
	assert.Error(t, err)
}
