// Package privilege is the privilege broker: acquires and refreshes
// elevated privilege needed by image-building tools, detects
// interactive vs non-interactive environments, and falls back between
// pty and stdin methods.
//
// Grounded on the terminal-detection idiom used across the retrieval
// pack (sandia-minimega-minimega's golang.org/x/crypto/ssh/terminal
// usage, superseded here by golang.org/x/term); the state machine
// itself has no direct precedent in any one example repo.
package privilege

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cyris-lab/cyris/internal/stream"
	"golang.org/x/term"
)

// State is the broker's cached-privilege state machine.
type State string

const (
	StateUnknown   State = "unknown"
	StateAvailable State = "available"
	StateExpired   State = "expired"
)

// Method is a strategy for supplying sudo's password.
type Method string

const (
	MethodPTY           Method = "pty"
	MethodStdinPassword  Method = "stdin-password"
	MethodNonInteractive Method = "non-interactive"
)

var (
	errTerminalRequired = regexp.MustCompile(`(?i)terminal is required|a terminal is required`)
	errPasswordRequired = regexp.MustCompile(`(?i)password is required|sudo: a password is required`)
	errAuthFailure      = regexp.MustCompile(`(?i)incorrect password|authentication failure|sorry, try again`)
)

// Broker tracks cached-privilege validity for one operator session.
type Broker struct {
	mu           sync.Mutex
	state        State
	cachedUntil  time.Time
	cacheWindow  time.Duration
	passwordFunc func() (string, error)
}

// New returns a Broker. passwordFunc supplies the sudo password when
// stdin-piped mode is selected; it may be nil in non-interactive mode.
func New(passwordFunc func() (string, error)) *Broker {
	return &Broker{state: StateUnknown, cacheWindow: 5 * time.Minute, passwordFunc: passwordFunc}
}

// Environment captures the three signals the method-selection policy
// keys off.
type Environment struct {
	StdinIsTerminal  bool
	IsSSHSession     bool
	HasControllingTTY bool
}

// DetectEnvironment inspects the current process's stdio, matching
// the "(a) is stdin a terminal, (b) is an SSH remote
// session, (c) is a controlling tty present".
func DetectEnvironment() Environment {
	return Environment{
		StdinIsTerminal:   term.IsTerminal(int(os.Stdin.Fd())),
		IsSSHSession:      os.Getenv("SSH_CONNECTION") != "" || os.Getenv("SSH_TTY") != "",
		HasControllingTTY: os.Getenv("SSH_TTY") != "" || term.IsTerminal(int(os.Stdin.Fd())),
	}
}

// SelectMethods returns the primary method followed by its fallback,
// the environment-based selection.
func SelectMethods(env Environment) (primary, fallback Method) {
	switch {
	case env.HasControllingTTY:
		return MethodPTY, MethodStdinPassword
	case env.StdinIsTerminal:
		return MethodStdinPassword, MethodNonInteractive
	default:
		return MethodNonInteractive, MethodPTY
	}
}

// HasCached reports whether privilege is currently believed cached, and
// for how much longer.
func (b *Broker) HasCached() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateAvailable {
		return false, 0
	}
	remaining := time.Until(b.cachedUntil)
	if remaining <= 0 {
		b.state = StateExpired
		return false, 0
	}
	return true, remaining
}

// Invalidate forces re-acquisition on the next Ensure call.
func (b *Broker) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateUnknown
}

// Ensure acquires (or confirms cached) privilege sufficient to run
// requiredTools under sudo. operationLabel names the caller's step for
// logging/remediation messages.
func (b *Broker) Ensure(ctx context.Context, operationLabel string, requiredTools []string) (bool, error) {
	if ok, _ := b.HasCached(); ok {
		return true, nil
	}

	env := DetectEnvironment()
	primary, fallback := SelectMethods(env)

	ok, err := b.tryMethod(ctx, primary, requiredTools)
	if ok {
		b.markAvailable()
		return true, nil
	}

	if isAuthFailure(err) {
		return false, fmt.Errorf("%s: sudo authentication failed: %w", operationLabel, err)
	}

	ok, err = b.tryMethod(ctx, fallback, requiredTools)
	if ok {
		b.markAvailable()
		return true, nil
	}

	return false, remediationError(operationLabel, requiredTools, err)
}

func (b *Broker) markAvailable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateAvailable
	b.cachedUntil = time.Now().Add(b.cacheWindow)
}

func (b *Broker) tryMethod(ctx context.Context, method Method, requiredTools []string) (bool, error) {
	// withOutput appends the child's combined output to a failure, so the
	// callers' error-string matching sees sudo's own messages.
	withOutput := func(res stream.Result, err error) error {
		if err == nil {
			return nil
		}
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(res.Stdout+res.Stderr))
	}
	probe := []string{"sudo", "-n", "true"}
	switch method {
	case MethodNonInteractive:
		res, err := stream.Run(ctx, probe, stream.Options{Timeout: 5 * time.Second})
		return err == nil && res.ReturnCode == 0, withOutput(res, err)
	case MethodStdinPassword:
		if b.passwordFunc == nil {
			return false, fmt.Errorf("no password source configured for stdin-password method")
		}
		pw, err := b.passwordFunc()
		if err != nil {
			return false, err
		}
		argv := []string{"sudo", "-S", "-p", "", "true"}
		res, err := stream.Run(ctx, argv, stream.Options{
			Timeout:             10 * time.Second,
			AllowPasswordPrompt: true,
			PasswordSource:      func() (string, error) { return pw, nil },
		})
		return err == nil && res.ReturnCode == 0, withOutput(res, err)
	case MethodPTY:
		argv := []string{"sudo", "-p", "Password: ", "true"}
		res, err := stream.Run(ctx, argv, stream.Options{
			Timeout:             15 * time.Second,
			UsePTY:              true,
			AllowPasswordPrompt: true,
			PasswordSource:      b.passwordFunc,
		})
		return err == nil && res.ReturnCode == 0, withOutput(res, err)
	default:
		return false, fmt.Errorf("unknown privilege method %q", method)
	}
}

func isAuthFailure(err error) bool {
	return err != nil && errAuthFailure.MatchString(err.Error())
}

// remediationError distinguishes "no terminal available" from
// "authentication failed", producing a sudoers template hint for the
// former.
func remediationError(operationLabel string, requiredTools []string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if errTerminalRequired.MatchString(msg) || errPasswordRequired.MatchString(msg) {
		user := os.Getenv("USER")
		if user == "" {
			user = "<user>"
		}
		tools := strings.Join(requiredTools, ", ")
		return fmt.Errorf(
			"%s: no terminal available to elevate privilege for [%s]; configure passwordless sudo, e.g.:\n"+
				"  %s ALL=(root) NOPASSWD: %s",
			operationLabel, tools, user, tools)
	}
	return fmt.Errorf("%s: failed to obtain privilege: %w", operationLabel, err)
}
