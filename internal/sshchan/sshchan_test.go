package sshchan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetAddrDefaultsPort22(t *testing.T) {
	target := Target{Host: "10.64.3.5"}
	assert.Equal(t, "10.64.3.5:22", target.addr())
}

func TestTargetAddrHonoursConfiguredPort(t *testing.T) {
	target := Target{Host: "10.64.3.5", Creds: Credentials{Port: 2222}}
	assert.Equal(t, "10.64.3.5:2222", target.addr())
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s fine'`, shellQuote("it's fine"))
}

func TestAuthMethodRequiresKeyPath(t *testing.T) {
	_, err := authMethod("")
	assert.Error(t, err)
}

func TestAuthMethodRejectsMissingKeyFile(t *testing.T) {
	_, err := authMethod(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestAuthMethodRejectsMalformedKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, []byte("not a real key"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := authMethod(path)
	assert.Error(t, err)
}
