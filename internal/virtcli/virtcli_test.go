package virtcli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		output string
		want   FailureClass
	}{
		{"error: Permission denied", FailurePermissionDenied},
		{"qemu-img: could not open '/x.qcow2': No such file or directory", FailureImageMissing},
		{"error: operation failed: domain 'cyris-r1-desktop' already exists", FailureNameConflict},
		{"error: Device or resource busy", FailureResourceBusy},
		{"dial tcp: connection timed out", FailureTransient},
		{"something entirely unexpected", FailureUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.output), "output: %s", c.output)
	}
}

func TestResultCombined(t *testing.T) {
	r := Result{Stdout: "out", Stderr: "err"}
	assert.Equal(t, "outerr", r.Combined())
}

func TestVirtCustomizeNoOpWithoutAuthorizedKeys(t *testing.T) {
	c := New("qemu:///system", nil)
	err := c.VirtCustomize(context.Background(), VirtCustomizeSpec{DiskPath: "/tmp/does-not-matter.qcow2"}, nil)
	assert.NoError(t, err)
}
