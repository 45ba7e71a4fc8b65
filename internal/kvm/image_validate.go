package kvm

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cyris-lab/cyris/internal/cyriserr"
)

var qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb} // "QFI\xfb"

// qcow2Header is the subset of the QCOW2 v2/v3 header validateDisk
// checks: magic, format version, and declared virtual size.
type qcow2Header struct {
	Version     uint32
	VirtualSize uint64
}

// validateDisk confirms path is a well-formed QCOW2 image before it is
// handed to virsh, so a truncated or corrupt build surfaces as
// image-build immediately rather than as an opaque libvirt failure
// later in the pipeline.
//
// Grounded on internal/services/validation/validation.go's
// validateQCOW2 (same header layout, magic number, and field offsets),
// trimmed to the two fields the orchestrator cares about and rewritten
// against encoding/binary instead of manual shifts.
func validateDisk(path string, minVirtualSizeGB int) error {
	f, err := os.Open(path)
	if err != nil {
		return cyriserr.Wrap(cyriserr.KindImageBuild, "validate_disk", err)
	}
	defer f.Close()

	header := make([]byte, 32)
	if _, err := f.Read(header); err != nil {
		return cyriserr.Wrap(cyriserr.KindImageBuild, "validate_disk", fmt.Errorf("reading qcow2 header: %w", err))
	}

	if len(header) < 4 || string(header[:4]) != string(qcow2Magic) {
		return cyriserr.New(cyriserr.KindImageBuild, "validate_disk", fmt.Sprintf("%s is not a valid QCOW2 image: bad magic number", path))
	}

	hdr := qcow2Header{
		Version:     binary.BigEndian.Uint32(header[4:8]),
		VirtualSize: binary.BigEndian.Uint64(header[24:32]),
	}
	if hdr.Version != 2 && hdr.Version != 3 {
		return cyriserr.New(cyriserr.KindImageBuild, "validate_disk", fmt.Sprintf("%s: unsupported qcow2 version %d", path, hdr.Version))
	}

	if minVirtualSizeGB > 0 {
		wantBytes := uint64(minVirtualSizeGB) * 1 << 30
		if hdr.VirtualSize < wantBytes {
			return cyriserr.New(cyriserr.KindImageBuild, "validate_disk",
				fmt.Sprintf("%s: virtual size %d bytes is smaller than the requested %d GB", path, hdr.VirtualSize, minVirtualSizeGB))
		}
	}
	return nil
}
