// Package task is the task executor: runs the six declarative task
// kinds against a guest over SSH, using a script envelope so
// multi-step tasks execute atomically and secrets never touch a shell
// command line.
//
// Grounded on vm.Service's runSSHCommand/queryVMIP retry-and-timeout
// shape, adapted onto internal/sshchan's structured exec/upload instead
// of a subprocess `ssh` invocation.
package task

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cyris-lab/cyris/internal/cyriserr"
	"github.com/cyris-lab/cyris/internal/description"
	"github.com/cyris-lab/cyris/internal/sshchan"
	"go.uber.org/zap"
)

// Kind enumerates the six task types.
type Kind string

const (
	KindAddAccount      Kind = "add_account"
	KindModifyAccount   Kind = "modify_account"
	KindInstallPackage  Kind = "install_package"
	KindCopyContent     Kind = "copy_content"
	KindExecuteProgram  Kind = "execute_program"
	KindEmulateAttack   Kind = "emulate_attack"
)

// Result is one task's execution outcome.
type Result struct {
	GuestID  string
	Kind     Kind
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Ledger is the narrow interface RunSequence records each task's
// outcome to, satisfied by internal/audit.Ledger. Optional: nil
// disables evidence recording entirely.
type Ledger interface {
	RecordTask(ctx context.Context, ev LedgerEvidence) error
}

// LedgerEvidence mirrors audit.TaskEvidence without importing the audit
// package (which pulls in pgx) from this one.
type LedgerEvidence struct {
	RangeID    string
	GuestID    string
	TaskKind   string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// Executor runs description.Task values against guests over SSH.
type Executor struct {
	channel    *sshchan.Channel
	logger     *zap.Logger
	maxRetries int
	ledger     Ledger
}

// New returns an Executor with the default retry policy: 5
// retries, exponential backoff base 2s capped at 30s, with jitter.
func New(channel *sshchan.Channel, logger *zap.Logger) *Executor {
	return &Executor{channel: channel, logger: logger, maxRetries: 5}
}

// SetLedger attaches an optional task-evidence recorder.
func (e *Executor) SetLedger(l Ledger) { e.ledger = l }

// Run executes a single task against target, building the kind-specific
// script, uploading it under /tmp/cyris-{task_id}.sh, executing it, and
// removing it afterward — the "script envelope" contract.
func (e *Executor) Run(ctx context.Context, taskID string, target sshchan.Target, t description.Task) Result {
	kind := Kind(t.Kind)
	script, args, err := buildScript(kind, t.Params)
	if err != nil {
		return Result{Kind: kind, Err: cyriserr.Wrap(cyriserr.KindValidation, "task", err)}
	}

	remotePath := fmt.Sprintf("/tmp/cyris-%s.sh", taskID)
	body := scriptEnvelope(script)

	res, err := e.execWithRetry(ctx, target, remotePath, body, args)
	return Result{Kind: kind, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Err: err}
}

// RunSequence runs tasks against one guest in declaration order,
// stopping at the first failing task, so the tasks that succeeded are
// always a prefix of the declared list. rangeID and guestID are
// used only to label ledger evidence rows when a Ledger is attached.
func (e *Executor) RunSequence(ctx context.Context, target sshchan.Target, rangeID, guestID string, tasks []description.Task) []Result {
	taskIDPrefix := rangeID + "-" + guestID
	results := make([]Result, 0, len(tasks))
	for i, t := range tasks {
		taskID := fmt.Sprintf("%s-%d", taskIDPrefix, i)
		started := time.Now()
		r := e.Run(ctx, taskID, target, t)
		e.recordEvidence(ctx, rangeID, guestID, t.Kind, r, started)
		results = append(results, r)
		if r.Err != nil {
			break
		}
	}
	return results
}

func (e *Executor) recordEvidence(ctx context.Context, rangeID, guestID, kind string, r Result, started time.Time) {
	if e.ledger == nil {
		return
	}
	errText := ""
	if r.Err != nil {
		errText = r.Err.Error()
	}
	ev := LedgerEvidence{
		RangeID: rangeID, GuestID: guestID, TaskKind: kind,
		ExitCode: r.ExitCode, StartedAt: started, FinishedAt: time.Now(), Error: errText,
	}
	if err := e.ledger.RecordTask(ctx, ev); err != nil {
		e.logger.Warn("task evidence recording failed", zap.String("range_id", rangeID), zap.String("guest_id", guestID), zap.Error(err))
	}
}

func (e *Executor) execWithRetry(ctx context.Context, target sshchan.Target, remotePath, body string, args []string) (sshchan.ExecResult, error) {
	var lastErr error
	var lastRes sshchan.ExecResult
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err := e.channel.Upload(ctx, target, remotePath, []byte(body), 0700); err != nil {
			lastErr = cyriserr.Wrap(cyriserr.KindTransient, "task_upload", err)
			if !e.backoff(ctx, attempt) {
				return sshchan.ExecResult{}, lastErr
			}
			continue
		}

		cmd := "bash " + remotePath
		for _, a := range args {
			cmd += " " + shellQuoteArg(a)
		}
		res, err := e.channel.Exec(ctx, target, cmd, 5*time.Minute)
		e.channel.Exec(ctx, target, "rm -f "+remotePath, 10*time.Second)

		if err == nil {
			return res, nil
		}

		// A non-zero script exit is a task failure, never retried;
		// only transport-level errors (no ExitError) are transient.
		if res.ExitCode != 0 {
			return res, cyriserr.Wrap(cyriserr.KindTaskFailed, "task", err)
		}

		lastErr, lastRes = cyriserr.Wrap(cyriserr.KindTransient, "task_exec", err), res
		if !e.backoff(ctx, attempt) {
			return lastRes, lastErr
		}
	}
	return lastRes, lastErr
}

func (e *Executor) backoff(ctx context.Context, attempt int) bool {
	if attempt >= e.maxRetries {
		return false
	}
	base := time.Duration(1<<uint(attempt)) * 2 * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(base + jitter):
		return true
	}
}

// scriptEnvelope wraps body in the strict-mode preamble 
// requires of every uploaded task script.
func scriptEnvelope(body string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -euo pipefail\n")
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}

func shellQuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
