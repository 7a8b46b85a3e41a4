package transfer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filerelay/config"
	"filerelay/models"
)

func waitOutcome(t *testing.T, h *Handle) models.Outcome {
	t.Helper()
	require.NotNil(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome, err := h.Ended.Await(ctx, 0)
	require.NoError(t, err)
	return outcome
}

func waitFinished(t *testing.T, n *node, id string) models.TransferRecord {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := n.store.GetTransfer(id)
		return err == nil && rec.Finished() && !n.svc.LiveTransfer(id)
	}, 10*time.Second, 10*time.Millisecond)
	return n.record(t, id)
}

func TestSubmitPushDeliversFile(t *testing.T) {
	a, b := newPair(t, func(hostID string, rule *config.RuleConfig) {
		if hostID == "host-b" {
			rule.PostTasks = []models.Task{{Type: models.TaskCopy, Args: filepath.Join(filepath.Dir(rule.RecvPath), "archive")}}
		}
	})
	writeFile(t, a.path("out", "report.csv"), payload())

	h, err := a.svc.Submit(context.Background(), SubmitRequest{
		RuleID:   "default",
		Peer:     b.id,
		Filename: "report.csv",
		Mode:     models.ModeSend,
	})
	require.NoError(t, err)

	outcome := waitOutcome(t, h)
	require.NoError(t, outcome.Err())
	assert.Equal(t, 3, outcome.Rank)

	sent := a.record(t, h.ID)
	assert.Equal(t, models.StatusDone, sent.Status)
	assert.Equal(t, models.StepComplete, sent.GlobalStep)
	assert.Equal(t, 3, sent.Rank)

	received := waitFinished(t, b, h.ID)
	assert.Equal(t, 3, received.Rank)
	assert.Equal(t, int64(25), received.FileSize)
	assert.False(t, received.IsSender)
	assert.Equal(t, a.id, received.Requester)

	assert.Equal(t, payload(), readFile(t, b.path("in", "report.csv")))
	assert.Equal(t, payload(), readFile(t, b.path("archive", "report.csv")))
	assert.NoFileExists(t, partPath(b.rule.Rule(), received))
}

func TestSubmitPullLearnsSize(t *testing.T) {
	a, b := newPair(t, nil)
	writeFile(t, b.path("out", "image.bin"), payload())

	h, err := a.svc.Submit(context.Background(), SubmitRequest{
		RuleID:   "default",
		Peer:     b.id,
		Filename: "image.bin",
		Mode:     models.ModeRecv,
	})
	require.NoError(t, err)
	require.NoError(t, waitOutcome(t, h).Err())

	rec := a.record(t, h.ID)
	assert.True(t, rec.Finished())
	assert.Equal(t, int64(25), rec.FileSize)
	assert.Equal(t, 3, rec.Rank)
	assert.Equal(t, payload(), readFile(t, a.path("in", "image.bin")))

	served := waitFinished(t, b, h.ID)
	assert.True(t, served.IsSender)
}

func TestRestartResumesAtStoredRank(t *testing.T) {
	a, b := newPair(t, nil)
	writeFile(t, a.path("out", "ledger.dat"), payload())

	rec := models.TransferRecord{
		ID:         "resume-1",
		Requester:  a.id,
		Requested:  b.id,
		IsSender:   true,
		RuleID:     "default",
		Filename:   "ledger.dat",
		FileSize:   25,
		BlockSize:  testBlockSize,
		Rank:       1,
		GlobalStep: models.StepTransfer,
		Status:     models.StatusInterrupted,
		ErrorCode:  models.CodeConnectionLost,
	}
	require.NoError(t, a.store.CreateTransfer(rec))
	peerRec := rec
	peerRec.IsSender = false
	require.NoError(t, b.store.CreateTransfer(peerRec))
	// block 0 arrived before the interruption
	writeFile(t, partPath(b.rule.Rule(), peerRec), payload()[:testBlockSize])

	decision, h, err := a.svc.Restart(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResumeAtRank, decision.Kind)
	assert.Equal(t, 1, decision.Rank)
	require.NoError(t, waitOutcome(t, h).Err())

	done := a.record(t, rec.ID)
	assert.True(t, done.Finished())
	assert.Equal(t, 3, done.Rank)
	assert.Equal(t, 1, done.RetryCount)

	waitFinished(t, b, rec.ID)
	assert.Equal(t, payload(), readFile(t, b.path("in", "ledger.dat")))
}

func TestRestartOfDoneTransferIsNoop(t *testing.T) {
	a, b := newPair(t, nil)
	writeFile(t, a.path("out", "once.txt"), payload())

	h, err := a.svc.Submit(context.Background(), SubmitRequest{RuleID: "default", Peer: b.id, Filename: "once.txt"})
	require.NoError(t, err)
	require.NoError(t, waitOutcome(t, h).Err())
	before := a.record(t, h.ID)

	for i := 0; i < 2; i++ {
		decision, again, err := a.svc.Restart(context.Background(), h.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunPostTaskOnly, decision.Kind)
		assert.Nil(t, again)
	}

	after := a.record(t, h.ID)
	assert.Equal(t, before.Rank, after.Rank)
	assert.Equal(t, before.RetryCount, after.RetryCount)
	assert.True(t, after.Finished())
}

func TestRestartRequiresRequester(t *testing.T) {
	a, b := newPair(t, nil)
	require.NoError(t, a.store.CreateTransfer(models.TransferRecord{
		ID:        "foreign",
		Requester: b.id,
		Requested: a.id,
		RuleID:    "default",
		Filename:  "x",
		BlockSize: testBlockSize,
		Status:    models.StatusInterrupted,
	}))

	_, _, err := a.svc.Restart(context.Background(), "foreign")
	require.ErrorIs(t, err, ErrNotRequester)
}

func TestPreTaskFailureKeepsStep(t *testing.T) {
	a, b := newPair(t, func(hostID string, rule *config.RuleConfig) {
		if hostID == "host-a" {
			rule.PreTasks = []models.Task{{Type: "bogus"}}
			rule.ErrorTasks = []models.Task{{Type: models.TaskLog, Args: "cleanup {{.ID}}"}}
		}
	})
	writeFile(t, a.path("out", "data.txt"), payload())

	h, err := a.svc.Submit(context.Background(), SubmitRequest{RuleID: "default", Peer: b.id, Filename: "data.txt"})
	require.NoError(t, err)

	outcome := waitOutcome(t, h)
	assert.Equal(t, models.CodeTaskFailure, outcome.Code)

	rec := a.record(t, h.ID)
	assert.Equal(t, models.StatusInError, rec.Status)
	assert.Equal(t, models.CodeTaskFailure, rec.ErrorCode)
	assert.Equal(t, models.StepPreTask, rec.GlobalStep)
	assert.Equal(t, 0, rec.Rank)

	decision, _, err := a.svc.Restart(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RerunFromStart, decision.Kind)
}

func TestSubmitValidation(t *testing.T) {
	a, b := newPair(t, nil)
	ctx := context.Background()

	_, err := a.svc.Submit(ctx, SubmitRequest{RuleID: "default", Peer: a.id, Filename: "f"})
	assert.Equal(t, models.CodeInternal, models.CodeOf(err))

	_, err = a.svc.Submit(ctx, SubmitRequest{RuleID: "default", Peer: b.id, Filename: "../etc/passwd"})
	assert.Equal(t, models.CodeProtocolViolation, models.CodeOf(err))

	_, err = a.svc.Submit(ctx, SubmitRequest{RuleID: "missing", Peer: b.id, Filename: "f", Mode: models.ModeRecv})
	assert.ErrorIs(t, err, config.ErrUnknownRule)

	_, err = a.svc.Submit(ctx, SubmitRequest{RuleID: "default", Peer: b.id, Filename: "absent.txt"})
	assert.Error(t, err)
}

func TestSubmitUnknownPeerIsInterrupted(t *testing.T) {
	a, _ := newPair(t, nil)
	writeFile(t, a.path("out", "f.txt"), payload())

	h, err := a.svc.Submit(context.Background(), SubmitRequest{RuleID: "default", Peer: "host-z", Filename: "f.txt"})
	require.NoError(t, err)

	outcome := waitOutcome(t, h)
	assert.Equal(t, models.CodeConnectionImpossible, outcome.Code)
	rec := a.record(t, h.ID)
	assert.Equal(t, models.StatusInterrupted, rec.Status)
	assert.Equal(t, models.StepTransfer, rec.GlobalStep)
}

func TestCancelIdleAndDone(t *testing.T) {
	a, b := newPair(t, nil)
	base := models.TransferRecord{
		Requester: a.id,
		Requested: b.id,
		RuleID:    "default",
		Filename:  "f",
		BlockSize: testBlockSize,
	}

	idle := base
	idle.ID = "idle"
	idle.Status = models.StatusInterrupted
	require.NoError(t, a.store.CreateTransfer(idle))
	require.NoError(t, a.svc.Cancel("idle"))
	rec := a.record(t, "idle")
	assert.Equal(t, models.StatusInError, rec.Status)
	assert.Equal(t, models.CodeCanceled, rec.ErrorCode)

	done := base
	done.ID = "done"
	done.Status = models.StatusDone
	done.GlobalStep = models.StepComplete
	require.NoError(t, a.store.CreateTransfer(done))
	assert.ErrorIs(t, a.svc.Cancel("done"), ErrAlreadyDone)
}

func TestShutdownRefusesNewAttempts(t *testing.T) {
	a, b := newPair(t, nil)
	writeFile(t, a.path("out", "late.txt"), payload())
	a.svc.Shutdown()

	_, err := a.svc.Submit(context.Background(), SubmitRequest{RuleID: "default", Peer: b.id, Filename: "late.txt"})
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, models.CodeConnectionLost, models.CodeOf(err))
}
