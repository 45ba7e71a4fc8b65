package cyriserr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesKindAndUnwraps(t *testing.T) {
	cause := errors.New("virsh: connection refused")
	err := Wrap(KindLibvirt, "define", cause)

	assert.Equal(t, KindLibvirt, KindOf(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "define")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindInternal, "step", nil))
}

func TestKindOfDefaultsToInternalForUnstructuredErrors(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Wrap(KindTransient, "exec", errors.New("reset by peer"))))
	assert.False(t, IsTransient(Wrap(KindTaskFailed, "exec", errors.New("exit 1"))))
}

func TestWithLogDoesNotMutateOriginal(t *testing.T) {
	base := New(KindNetwork, "install_nat", "iptables rule rejected")
	withLog := base.WithLog("/var/lib/cyris/ranges/r1/logs/install_nat.log")

	assert.Empty(t, base.LogPath)
	assert.Equal(t, "/var/lib/cyris/ranges/r1/logs/install_nat.log", withLog.LogPath)
}
