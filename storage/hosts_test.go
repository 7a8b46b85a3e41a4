package storage

import (
	"errors"
	"testing"

	"filerelay/models"
)

func TestHostCRUD(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertHost(models.Host{ID: "host-b", Address: "10.0.0.2:6666", PasswordHash: "hash-1"}); err != nil {
		t.Fatalf("UpsertHost failed: %v", err)
	}
	if err := store.UpsertHost(models.Host{ID: "host-b", Address: "10.0.0.3:6666", PublicKey: "pem"}); err != nil {
		t.Fatalf("UpsertHost update failed: %v", err)
	}

	host, err := store.GetHost("host-b")
	if err != nil {
		t.Fatalf("GetHost failed: %v", err)
	}
	if host.Address != "10.0.0.3:6666" || host.PublicKey != "pem" || host.PasswordHash != "" {
		t.Fatalf("unexpected host: %+v", host)
	}

	if err := store.UpsertHost(models.Host{ID: "host-a"}); err != nil {
		t.Fatalf("UpsertHost failed: %v", err)
	}
	hosts, err := store.ListHosts()
	if err != nil {
		t.Fatalf("ListHosts failed: %v", err)
	}
	if len(hosts) != 2 || hosts[0].ID != "host-a" {
		t.Fatalf("unexpected hosts: %+v", hosts)
	}

	if err := store.DeleteHost("host-b"); err != nil {
		t.Fatalf("DeleteHost failed: %v", err)
	}
	if _, err := store.GetHost("host-b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteHost("host-b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := store.UpsertHost(models.Host{}); err == nil {
		t.Fatalf("expected empty id to fail")
	}
}
