package description

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyris-lab/cyris/internal/cyriserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDescription(t *testing.T, yamlBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "range.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0644))
	return path
}

const validDoc = `
host_settings:
  - host_id: host1
    mgmt_addr: 192.168.1.10
    virbr_addr: 192.168.122.1

guest_settings:
  - guest_id: desktop
    basevm_type: on-demand
    basevm_os_type: ubuntu
    image_name: ubuntu-22.04
    vcpus: 2
    memory: 2048
    disk_size: 20
    tasks:
      - task_type: add_account
        params:
          username: trainee
          password: changeme

clone_settings:
  - range_id: range1
    instances:
      - guest_id: desktop
        number: 1
        entry_point: true
    topology:
      - name: office
        members:
          - desktop.eth0
`

func TestParseValidDocument(t *testing.T) {
	path := writeDescription(t, validDoc)
	doc, err := Parse(path)
	require.NoError(t, err)

	require.Len(t, doc.Guests, 1)
	assert.Equal(t, "desktop", doc.Guests[0].GuestID)
	require.Len(t, doc.Clones, 1)
	assert.Equal(t, []string{"desktop"}, doc.Clones[0].EntryPointGuestIDs())
	require.Len(t, doc.Clones[0].Topology, 1)
	require.Len(t, doc.Clones[0].Topology[0].Members, 1)
	assert.Equal(t, NetworkMember{GuestID: "desktop", Interface: "eth0"}, doc.Clones[0].Topology[0].Members[0])
}

func TestParseRejectsUnknownGuestInTopology(t *testing.T) {
	path := writeDescription(t, `
guest_settings:
  - guest_id: desktop
    basevm_type: on-demand
    basevm_os_type: ubuntu
    image_name: ubuntu-22.04
clone_settings:
  - range_id: range1
    topology:
      - name: office
        members:
          - ghost.eth0
`)
	_, err := Parse(path)
	require.Error(t, err)
	assert.Equal(t, cyriserr.KindValidation, cyriserr.KindOf(err))
}

func TestParseRejectsAmbiguousBaseVMSpec(t *testing.T) {
	path := writeDescription(t, `
guest_settings:
  - guest_id: desktop
    basevm_type: pre-built
    basevm_os_type: ubuntu
    image_name: ubuntu-22.04
`)
	_, err := Parse(path)
	assert.Error(t, err)
}

func TestParseRejectsShellMetacharactersInGuestID(t *testing.T) {
	path := writeDescription(t, `
guest_settings:
  - guest_id: "desktop; rm -rf /"
    basevm_type: on-demand
    basevm_os_type: ubuntu
    image_name: ubuntu-22.04
`)
	_, err := Parse(path)
	assert.Error(t, err)
}

func TestParseRejectsMalformedTopologyMember(t *testing.T) {
	path := writeDescription(t, `
guest_settings:
  - guest_id: desktop
    basevm_type: on-demand
    basevm_os_type: ubuntu
    image_name: ubuntu-22.04
clone_settings:
  - range_id: range1
    topology:
      - name: office
        members:
          - desktop
`)
	_, err := Parse(path)
	assert.Error(t, err)
}
