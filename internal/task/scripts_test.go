package task

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScriptAddAccountPassesSecretsPositionally(t *testing.T) {
	script, args, err := buildScript(KindAddAccount, map[string]interface{}{
		"account": "trainee", "passwd": "s3cret",
	})
	require.NoError(t, err)
	assert.NotContains(t, script, "s3cret", "secrets must never be interpolated into the script body")
	assert.Equal(t, []string{"trainee", "s3cret"}, args)
}

func TestBuildScriptAddAccountRequiresAccount(t *testing.T) {
	_, _, err := buildScript(KindAddAccount, map[string]interface{}{})
	assert.Error(t, err)
}

func TestBuildScriptCopyContentBase64Encodes(t *testing.T) {
	script, args, err := buildScript(KindCopyContent, map[string]interface{}{
		"dest": "/etc/motd", "content": "welcome to the range",
	})
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Equal(t, "/etc/motd", args[0])

	decoded, err := base64.StdEncoding.DecodeString(args[1])
	require.NoError(t, err)
	assert.Equal(t, "welcome to the range", string(decoded))
	assert.Contains(t, script, "base64 -d")
}

func TestBuildScriptUnknownKind(t *testing.T) {
	_, _, err := buildScript(Kind("reboot"), map[string]interface{}{})
	assert.Error(t, err)
}

func TestBuildScriptEmulateAttackDefaultsOptions(t *testing.T) {
	script, args, err := buildScript(KindEmulateAttack, map[string]interface{}{"tool": "port_scan"})
	require.NoError(t, err)
	assert.Equal(t, []string{"port_scan", ""}, args)
	assert.Contains(t, script, "/opt/cyris/attacks/$1")
}
