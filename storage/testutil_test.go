package storage

import (
	"testing"

	"filerelay/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustCreateTransfer(t *testing.T, store *Store, id string) models.TransferRecord {
	t.Helper()

	rec := models.TransferRecord{
		ID:        id,
		Requester: "host-a",
		Requested: "host-b",
		IsSender:  true,
		RuleID:    "default",
		Filename:  "payload.bin",
		FileSize:  300,
		BlockSize: 100,
	}
	if err := store.CreateTransfer(rec); err != nil {
		t.Fatalf("create transfer %q: %v", id, err)
	}
	loaded, err := store.GetTransfer(id)
	if err != nil {
		t.Fatalf("load transfer %q: %v", id, err)
	}
	return loaded
}
