package kvm

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakeQCOW2(t *testing.T, dir string, version uint32, virtualSizeGB int) string {
	t.Helper()
	header := make([]byte, 32)
	copy(header[:4], qcow2Magic)
	binary.BigEndian.PutUint32(header[4:8], version)
	binary.BigEndian.PutUint64(header[24:32], uint64(virtualSizeGB)<<30)

	path := filepath.Join(dir, "disk.qcow2")
	require.NoError(t, os.WriteFile(path, header, 0644))
	return path
}

func TestValidateDiskAccepts(t *testing.T) {
	path := writeFakeQCOW2(t, t.TempDir(), 3, 20)
	assert.NoError(t, validateDisk(path, 20))
}

func TestValidateDiskRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.qcow2")
	require.NoError(t, os.WriteFile(path, make([]byte, 32), 0644))
	assert.Error(t, validateDisk(path, 0))
}

func TestValidateDiskRejectsUndersizedVirtualSize(t *testing.T) {
	path := writeFakeQCOW2(t, t.TempDir(), 3, 10)
	assert.Error(t, validateDisk(path, 20))
}

func TestValidateDiskRejectsUnknownVersion(t *testing.T) {
	path := writeFakeQCOW2(t, t.TempDir(), 99, 20)
	assert.Error(t, validateDisk(path, 0))
}
