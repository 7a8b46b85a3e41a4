package storage

import (
	"errors"
	"sync"
	"testing"

	"filerelay/models"
)

func TestCreateAndGetTransfer(t *testing.T) {
	store := newTestStore(t)
	rec := mustCreateTransfer(t, store, "t-1")

	if rec.Status != models.StatusToSubmit || rec.GlobalStep != models.StepInit {
		t.Fatalf("unexpected defaults: status=%s step=%s", rec.Status, rec.GlobalStep)
	}
	if !rec.IsSender || rec.BlockSize != 100 || rec.TotalBlocks() != 3 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CreatedAt == 0 || rec.UpdatedAt == 0 {
		t.Fatalf("expected timestamps to be set")
	}

	if err := store.CreateTransfer(rec); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := store.GetTransfer("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateTransferValidates(t *testing.T) {
	store := newTestStore(t)

	bad := []models.TransferRecord{
		{Requester: "a", Requested: "b", RuleID: "r", Filename: "f", BlockSize: 1},
		{ID: "x", Requester: "a", Requested: "b", RuleID: "r", Filename: "f"},
		{ID: "x", Requester: "a", Requested: "b", RuleID: "r", Filename: "f", BlockSize: 1, Status: models.StatusDone},
		{ID: "x", Requester: "a", Requested: "b", RuleID: "r", Filename: "f", BlockSize: 1, Status: "LOST"},
	}
	for i, rec := range bad {
		if err := store.CreateTransfer(rec); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestAtomicAdvanceRank(t *testing.T) {
	store := newTestStore(t)
	mustCreateTransfer(t, store, "t-1")

	for rank := 1; rank <= 3; rank++ {
		if err := store.AtomicAdvanceRank("t-1", rank); err != nil {
			t.Fatalf("AtomicAdvanceRank(%d) failed: %v", rank, err)
		}
	}
	if err := store.AtomicAdvanceRank("t-1", 3); !errors.Is(err, ErrRankConflict) {
		t.Fatalf("expected ErrRankConflict on replay, got %v", err)
	}
	if err := store.AtomicAdvanceRank("t-1", 5); !errors.Is(err, ErrRankConflict) {
		t.Fatalf("expected ErrRankConflict on skip, got %v", err)
	}
	if err := store.AtomicAdvanceRank("missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec, err := store.GetTransfer("t-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if rec.Rank != 3 {
		t.Fatalf("expected rank 3, got %d", rec.Rank)
	}
}

func TestAtomicAdvanceRankConcurrentCallersCountOnce(t *testing.T) {
	store := newTestStore(t)
	mustCreateTransfer(t, store, "t-1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.AtomicAdvanceRank("t-1", 1); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("expected exactly one successful advance, got %d", success)
	}
}

func TestRewindRankRefusedWhileRunning(t *testing.T) {
	store := newTestStore(t)
	mustCreateTransfer(t, store, "t-1")
	for rank := 1; rank <= 2; rank++ {
		if err := store.AtomicAdvanceRank("t-1", rank); err != nil {
			t.Fatalf("AtomicAdvanceRank failed: %v", err)
		}
	}

	if err := store.SetStatus("t-1", models.StatusRunning, models.CodeOK); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := store.RewindRank("t-1", 1); !errors.Is(err, ErrRankConflict) {
		t.Fatalf("expected ErrRankConflict while running, got %v", err)
	}

	if err := store.SetStatus("t-1", models.StatusInterrupted, models.CodeConnectionLost); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := store.RewindRank("t-1", 1); err != nil {
		t.Fatalf("RewindRank failed: %v", err)
	}
	if err := store.RewindRank("t-1", 2); !errors.Is(err, ErrRankConflict) {
		t.Fatalf("expected forward rewind to be refused, got %v", err)
	}
}

func TestSetStatusDoneRequiresComplete(t *testing.T) {
	store := newTestStore(t)
	mustCreateTransfer(t, store, "t-1")

	if err := store.SetStatus("t-1", models.StatusDone, models.CodeOK); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := store.SetStep("t-1", models.StepPostTask); err != nil {
		t.Fatalf("SetStep failed: %v", err)
	}
	if err := store.Complete("t-1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	rec, err := store.GetTransfer("t-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if !rec.Finished() {
		t.Fatalf("expected finished record, got %s/%s", rec.Status, rec.GlobalStep)
	}
	if err := store.SetStep("t-1", models.StepTransfer); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected DONE record to keep COMPLETE, got %v", err)
	}
	if err := store.SetStatus("missing", models.StatusRunning, models.CodeOK); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementRetryAndFileInfo(t *testing.T) {
	store := newTestStore(t)
	mustCreateTransfer(t, store, "t-1")

	for want := 1; want <= 2; want++ {
		got, err := store.IncrementRetry("t-1")
		if err != nil {
			t.Fatalf("IncrementRetry failed: %v", err)
		}
		if got != want {
			t.Fatalf("expected retry count %d, got %d", want, got)
		}
	}
	if _, err := store.IncrementRetry("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.UpdateFileInfo("t-1", 4096, "nightly export"); err != nil {
		t.Fatalf("UpdateFileInfo failed: %v", err)
	}
	rec, err := store.GetTransfer("t-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if rec.FileSize != 4096 || rec.FileInfo != "nightly export" {
		t.Fatalf("unexpected file info: %d %q", rec.FileSize, rec.FileInfo)
	}
}

func TestListTransfersAndMarkInterrupted(t *testing.T) {
	store := newTestStore(t)
	mustCreateTransfer(t, store, "t-1")
	mustCreateTransfer(t, store, "t-2")
	mustCreateTransfer(t, store, "t-3")

	for _, id := range []string{"t-1", "t-2"} {
		if err := store.SetStatus(id, models.StatusRunning, models.CodeOK); err != nil {
			t.Fatalf("SetStatus failed: %v", err)
		}
	}

	running, err := store.ListTransfers(TransferFilter{Status: models.StatusRunning})
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("expected 2 running transfers, got %d", len(running))
	}

	n, err := store.MarkInterrupted()
	if err != nil {
		t.Fatalf("MarkInterrupted failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 interrupted transfers, got %d", n)
	}

	rec, err := store.GetTransfer("t-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if rec.Status != models.StatusInterrupted || rec.ErrorCode != models.CodeConnectionLost {
		t.Fatalf("unexpected recovered record: %s/%s", rec.Status, rec.ErrorCode)
	}

	all, err := store.ListTransfers(TransferFilter{Peer: "host-b", Limit: 2})
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(all))
	}
	if _, err := store.ListTransfers(TransferFilter{Status: "BOGUS"}); err == nil {
		t.Fatalf("expected invalid status filter to fail")
	}
}
