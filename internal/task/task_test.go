package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScriptEnvelopeWrapsStrictMode(t *testing.T) {
	body := scriptEnvelope("echo hello")
	assert.Regexp(t, `^#!/bin/bash\nset -euo pipefail\necho hello\n$`, body)
}

func TestShellQuoteArgEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s a test'`, shellQuoteArg("it's a test"))
	assert.Equal(t, `'plain'`, shellQuoteArg("plain"))
}

type fakeLedger struct {
	recorded []LedgerEvidence
}

func (f *fakeLedger) RecordTask(ctx context.Context, ev LedgerEvidence) error {
	f.recorded = append(f.recorded, ev)
	return nil
}

func TestRecordEvidenceNoOpsWithoutLedger(t *testing.T) {
	e := &Executor{logger: zap.NewNop()}
	// Must not panic when no ledger is attached.
	e.recordEvidence(context.Background(), "range1", "desktop", "add_account", Result{}, time.Now())
}

func TestRecordEvidenceForwardsToLedger(t *testing.T) {
	fl := &fakeLedger{}
	e := &Executor{logger: zap.NewNop(), ledger: fl}

	started := time.Now()
	e.recordEvidence(context.Background(), "range1", "desktop", "add_account", Result{ExitCode: 1, Err: assertErr("boom")}, started)

	require.Len(t, fl.recorded, 1)
	ev := fl.recorded[0]
	assert.Equal(t, "range1", ev.RangeID)
	assert.Equal(t, "desktop", ev.GuestID)
	assert.Equal(t, "add_account", ev.TaskKind)
	assert.Equal(t, 1, ev.ExitCode)
	assert.Equal(t, "boom", ev.Error)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
