package privilege

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSelectMethodsPrefersPTYWithControllingTTY(t *testing.T) {
	primary, fallback := SelectMethods(Environment{HasControllingTTY: true})
	assert.Equal(t, MethodPTY, primary)
	assert.Equal(t, MethodStdinPassword, fallback)
}

func TestSelectMethodsPrefersStdinPasswordForBareTerminal(t *testing.T) {
	primary, fallback := SelectMethods(Environment{StdinIsTerminal: true})
	assert.Equal(t, MethodStdinPassword, primary)
	assert.Equal(t, MethodNonInteractive, fallback)
}

func TestSelectMethodsFallsBackToNonInteractive(t *testing.T) {
	primary, fallback := SelectMethods(Environment{})
	assert.Equal(t, MethodNonInteractive, primary)
	assert.Equal(t, MethodPTY, fallback)
}

func TestHasCachedFalseWhenUnknown(t *testing.T) {
	b := New(nil)
	ok, remaining := b.HasCached()
	assert.False(t, ok)
	assert.Zero(t, remaining)
}

func TestHasCachedTrueWithinWindow(t *testing.T) {
	b := New(nil)
	b.markAvailable()
	ok, remaining := b.HasCached()
	assert.True(t, ok)
	assert.Greater(t, remaining, time.Duration(0))
}

func TestHasCachedExpiresAfterWindow(t *testing.T) {
	b := New(nil)
	b.state = StateAvailable
	b.cachedUntil = time.Now().Add(-time.Second)
	ok, remaining := b.HasCached()
	assert.False(t, ok)
	assert.Zero(t, remaining)
	assert.Equal(t, StateExpired, b.state)
}

func TestInvalidateResetsState(t *testing.T) {
	b := New(nil)
	b.markAvailable()
	b.Invalidate()
	ok, _ := b.HasCached()
	assert.False(t, ok)
	assert.Equal(t, StateUnknown, b.state)
}

func TestIsAuthFailure(t *testing.T) {
	assert.True(t, isAuthFailure(errors.New("Sorry, try again.")))
	assert.True(t, isAuthFailure(errors.New("su: Authentication failure")))
	assert.False(t, isAuthFailure(errors.New("connection refused")))
	assert.False(t, isAuthFailure(nil))
}

func TestRemediationErrorProducesSudoersHint(t *testing.T) {
	err := remediationError("image-build", []string{"virt-builder", "virt-customize"}, errors.New("sudo: a terminal is required to read the password"))
	assert.Contains(t, err.Error(), "NOPASSWD: virt-builder, virt-customize")
}

func TestRemediationErrorWrapsOtherFailures(t *testing.T) {
	base := errors.New("boom")
	err := remediationError("image-build", []string{"virt-builder"}, base)
	assert.True(t, errors.Is(err, base))
}
