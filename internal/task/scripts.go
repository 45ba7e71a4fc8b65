package task

import (
	"encoding/base64"
	"fmt"
)

// buildScript renders the shell body for one task kind, returning the
// body (referencing "$1", "$2", ... for any secret values) and the
// positional arguments to pass alongside it — secrets are never
// interpolated into the script text itself, only passed positionally.
func buildScript(kind Kind, params map[string]interface{}) (string, []string, error) {
	switch kind {
	case KindAddAccount:
		return addAccountScript(params)
	case KindModifyAccount:
		return modifyAccountScript(params)
	case KindInstallPackage:
		return installPackageScript(params)
	case KindCopyContent:
		return copyContentScript(params)
	case KindExecuteProgram:
		return executeProgramScript(params)
	case KindEmulateAttack:
		return emulateAttackScript(params)
	default:
		return "", nil, fmt.Errorf("unknown task_type %q", kind)
	}
}

func stringParam(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func requireString(params map[string]interface{}, key string) (string, error) {
	s, ok := stringParam(params, key)
	if !ok || s == "" {
		return "", fmt.Errorf("task param %q is required", key)
	}
	return s, nil
}

// addAccountScript creates a user with the given username and password,
// passed positionally so neither touches the script body.
func addAccountScript(params map[string]interface{}) (string, []string, error) {
	username, err := requireString(params, "account")
	if err != nil {
		return "", nil, err
	}
	password, _ := stringParam(params, "passwd")

	script := `username="$1"
password="${2:-}"
useradd -m -s /bin/bash "$username" 2>/dev/null || true
if [ -n "$password" ]; then
  echo "${username}:${password}" | chpasswd
fi
`
	return script, []string{username, password}, nil
}

// modifyAccountScript renames a user or rotates its password.
func modifyAccountScript(params map[string]interface{}) (string, []string, error) {
	username, err := requireString(params, "account")
	if err != nil {
		return "", nil, err
	}
	newUsername, _ := stringParam(params, "new_account")
	newPassword, _ := stringParam(params, "new_passwd")

	script := `username="$1"
new_username="${2:-}"
new_password="${3:-}"
if [ -n "$new_username" ]; then
  usermod -l "$new_username" "$username"
  username="$new_username"
fi
if [ -n "$new_password" ]; then
  echo "${username}:${new_password}" | chpasswd
fi
`
	return script, []string{username, newUsername, newPassword}, nil
}

// installPackageScript installs one package (optionally pinned to a
// version) via apt-get or yum, whichever is found at runtime.
func installPackageScript(params map[string]interface{}) (string, []string, error) {
	name, err := requireString(params, "name")
	if err != nil {
		return "", nil, err
	}
	version, _ := stringParam(params, "version")

	script := `pkg="$1"
version="${2:-}"
if command -v apt-get >/dev/null 2>&1; then
  export DEBIAN_FRONTEND=noninteractive
  apt-get update -qq
  if [ -n "$version" ]; then
    apt-get install -y -qq "${pkg}=${version}"
  else
    apt-get install -y -qq "$pkg"
  fi
elif command -v yum >/dev/null 2>&1; then
  if [ -n "$version" ]; then
    yum install -y "${pkg}-${version}"
  else
    yum install -y "$pkg"
  fi
else
  echo "no supported package manager found" >&2
  exit 1
fi
`
	return script, []string{name, version}, nil
}

// copyContentScript writes the inline "content" param to the "dest"
// path, passing it base64-encoded and decoding it on the guest. The
// "content" param is required; copying from a source path is not
// supported.
func copyContentScript(params map[string]interface{}) (string, []string, error) {
	dest, err := requireString(params, "dest")
	if err != nil {
		return "", nil, err
	}
	content, hasContent := stringParam(params, "content")
	if !hasContent {
		return "", nil, fmt.Errorf("copy_content requires a %q param", "content")
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(content))

	script := `dest="$1"
mkdir -p "$(dirname "$dest")"
echo "$2" | base64 -d > "$dest"
`
	return script, []string{dest, encoded}, nil
}

// executeProgramScript runs a previously-staged program on the guest
// with the given arguments, as the logged-in user if "as_user" is set.
func executeProgramScript(params map[string]interface{}) (string, []string, error) {
	program, err := requireString(params, "program")
	if err != nil {
		return "", nil, err
	}
	asUser, _ := stringParam(params, "as_user")

	script := `program="$1"
as_user="${2:-}"
chmod +x "$program" 2>/dev/null || true
if [ -n "$as_user" ]; then
  su -s /bin/bash -c "$program" "$as_user"
else
  "$program"
fi
`
	return script, []string{program, asUser}, nil
}

// emulateAttackScript invokes a named attack emulation tool already
// present on the guest image (e.g. a pre-staged script under
// /opt/cyris/attacks), forwarding its declared options as arguments.
func emulateAttackScript(params map[string]interface{}) (string, []string, error) {
	tool, err := requireString(params, "tool")
	if err != nil {
		return "", nil, err
	}
	options, _ := stringParam(params, "options")

	script := `tool="/opt/cyris/attacks/$1"
options="${2:-}"
if [ ! -x "$tool" ]; then
  echo "attack tool not found: $tool" >&2
  exit 1
fi
"$tool" $options
`
	return script, []string{tool, options}, nil
}
