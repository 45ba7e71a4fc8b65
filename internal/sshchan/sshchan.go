// Package sshchan is the SSH channel component:
// connection pooling, credential resolution, command execution with
// timeout, file upload, and reachability probing.
//
// Grounded on internal/services/vm/vm.go's runSSHCommand/queryVMIP
// retry-and-timeout shape, generalized from a subprocess `ssh`
// invocation to a real golang.org/x/crypto/ssh client so the task
// executor (internal/task) can capture exit codes and upload files
// without shell-quoting concerns.
package sshchan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Credentials identifies how to authenticate to a guest.
type Credentials struct {
	User    string
	KeyPath string
	Port    int
}

// Target is one addressable guest endpoint.
type Target struct {
	Host string
	Creds Credentials
}

func (t Target) addr() string {
	port := t.Creds.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", port))
}

// Channel pools SSH client connections keyed by target address.
type Channel struct {
	mu      sync.Mutex
	clients map[string]*ssh.Client

	dialTimeout time.Duration
}

// New returns a Channel with the implied connect timeout.
func New() *Channel {
	return &Channel{clients: make(map[string]*ssh.Client), dialTimeout: 10 * time.Second}
}

func (c *Channel) client(ctx context.Context, t Target) (*ssh.Client, error) {
	key := t.addr()
	c.mu.Lock()
	if existing, ok := c.clients[key]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	auth, err := authMethod(t.Creds.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            t.Creds.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.dialTimeout,
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", key)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", key, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, key, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", key, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	c.mu.Lock()
	c.clients[key] = client
	c.mu.Unlock()
	return client, nil
}

func authMethod(keyPath string) (ssh.AuthMethod, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("no SSH key path configured")
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", keyPath, err)
	}
	return ssh.PublicKeys(signer), nil
}

// ExecResult is the outcome of a remote command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs command on the target with a deadline, returning captured
// stdout/stderr and exit code — never retried here; retries are the
// caller's (internal/task's) responsibility.
func (c *Channel) Exec(ctx context.Context, t Target, command string, timeout time.Duration) (ExecResult, error) {
	client, err := c.client(ctx, t)
	if err != nil {
		return ExecResult{}, err
	}
	session, err := client.NewSession()
	if err != nil {
		c.invalidate(t)
		return ExecResult{}, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, fmt.Errorf("remote command exited %d: %w", res.ExitCode, err)
		}
		return res, fmt.Errorf("exec failed: %w", err)
	case <-runCtx.Done():
		session.Signal(ssh.SIGTERM)
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, runCtx.Err()
	}
}

// Upload writes content to remotePath on the target with the given
// permission mode, without scp or SFTP: the raw bytes are piped to
// `cat` on the stdin of a single exec session, which then chmods the
// file, matching the "single SSH invocation" discipline task scripts
// need.
func (c *Channel) Upload(ctx context.Context, t Target, remotePath string, content []byte, mode os.FileMode) error {
	client, err := c.client(ctx, t)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		c.invalidate(t)
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("cat > %s && chmod %o %s", shellQuote(remotePath), mode, shellQuote(remotePath))
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("start upload: %w", err)
	}
	if _, err := io.Copy(stdin, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("write upload content: %w", err)
	}
	stdin.Close()
	return session.Wait()
}

// Probe checks SSH reachability without running a command (just the
// handshake), for the readiness check loop.
func (c *Channel) Probe(ctx context.Context, t Target) error {
	_, err := c.client(ctx, t)
	return err
}

func (c *Channel) invalidate(t Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[t.addr()]; ok {
		client.Close()
		delete(c.clients, t.addr())
	}
}

// Close closes every pooled connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for addr, client := range c.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.clients, addr)
	}
	return firstErr
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
