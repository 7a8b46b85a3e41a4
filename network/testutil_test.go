package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"filerelay/models"
	"filerelay/protocol"
)

// plainAuth trusts host ids sent in clear; tests only need the exchange shape.
type plainAuth struct {
	hostID string
	reject bool
}

func (a plainAuth) Credentials() ([]byte, error) { return []byte(a.hostID), nil }

func (a plainAuth) Verify(payload []byte) (string, error) {
	if a.reject {
		return "", models.NewError(models.CodeAuthenticationFailed, "unknown host %q", payload)
	}
	return string(payload), nil
}

func (a plainAuth) Accept() ([]byte, error) { return []byte(a.hostID), nil }

func (a plainAuth) CheckAcceptance(payload []byte) (string, error) { return string(payload), nil }

type memStore struct {
	mu      sync.Mutex
	records map[string]models.TransferRecord
}

func newMemStore(records ...models.TransferRecord) *memStore {
	s := &memStore{records: make(map[string]models.TransferRecord)}
	for _, rec := range records {
		s.records[rec.ID] = rec
	}
	return s
}

func (s *memStore) put(rec models.TransferRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
}

func (s *memStore) get(id string) models.TransferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *memStore) AtomicAdvanceRank(id string, newRank int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Rank != newRank-1 {
		return fmt.Errorf("advance %s to %d: conflict", id, newRank)
	}
	rec.Rank = newRank
	s.records[id] = rec
	return nil
}

func (s *memStore) RewindRank(id string, rank int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Rank < rank || rec.Status == models.StatusRunning {
		return fmt.Errorf("rewind %s to %d: conflict", id, rank)
	}
	rec.Rank = rank
	s.records[id] = rec
	return nil
}

func (s *memStore) SetStatus(id string, status models.Status, code models.ErrorCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return errors.New("not found")
	}
	rec.Status = status
	rec.ErrorCode = code
	s.records[id] = rec
	return nil
}

func (s *memStore) UpdateFileInfo(id string, size int64, info string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return errors.New("not found")
	}
	rec.FileSize = size
	rec.FileInfo = info
	s.records[id] = rec
	return nil
}

type memSink struct {
	mu       sync.Mutex
	blocks   map[int][]byte
	finished bool
	digest   []byte
}

func newMemSink() *memSink {
	return &memSink{blocks: make(map[int][]byte)}
}

func (s *memSink) WriteBlock(rank int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[rank] = append([]byte(nil), data...)
	return nil
}

func (s *memSink) Finish(rank int, digest []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.digest = digest
	return nil
}

func (s *memSink) content() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out bytes.Buffer
	for i := 0; i < len(s.blocks); i++ {
		out.Write(s.blocks[i])
	}
	return out.Bytes()
}

func testRecord(id string, isSender bool, rank int) models.TransferRecord {
	return models.TransferRecord{
		ID:         id,
		Requester:  "host-a",
		Requested:  "host-b",
		IsSender:   isSender,
		RuleID:     "default",
		Filename:   "data.bin",
		FileSize:   30,
		BlockSize:  10,
		Rank:       rank,
		GlobalStep: models.StepTransfer,
		Status:     models.StatusToSubmit,
	}
}

func testRequest(rec models.TransferRecord) protocol.Request {
	mode := models.ModeRecv
	if rec.IsSender {
		mode = models.ModeSend
	}
	return protocol.Request{
		TransferID: rec.ID,
		RuleID:     rec.RuleID,
		Filename:   rec.Filename,
		FileSize:   rec.FileSize,
		BlockSize:  rec.BlockSize,
		Mode:       mode,
		Requester:  rec.Requester,
	}
}

// gatedSink holds every block write until released, like a stalled disk.
type gatedSink struct {
	*memSink
	entered     chan struct{}
	release     chan struct{}
	enterOnce   sync.Once
	releaseOnce sync.Once
}

func newGatedSink(t *testing.T) *gatedSink {
	s := &gatedSink{
		memSink: newMemSink(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	t.Cleanup(s.open)
	return s
}

func (s *gatedSink) WriteBlock(rank int, data []byte) error {
	s.enterOnce.Do(func() { close(s.entered) })
	<-s.release
	return s.memSink.WriteBlock(rank, data)
}

func (s *gatedSink) open() {
	s.releaseOnce.Do(func() { close(s.release) })
}

func (s *gatedSink) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("no block write reached the sink")
	}
}

func newTestManager(t *testing.T, hostID string, store *memStore) *Manager {
	t.Helper()
	return newTestManagerWith(t, hostID, store, nil)
}

func newTestManagerWith(t *testing.T, hostID string, store *memStore, edit func(*ManagerOptions)) *Manager {
	t.Helper()
	options := ManagerOptions{
		Auth:           plainAuth{hostID: hostID},
		Store:          store,
		StartupTimeout: 2 * time.Second,
		SuppressClose:  true,
	}
	if edit != nil {
		edit(&options)
	}
	m, err := NewManager(options)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.ShutdownAll)
	return m
}

// requestedResult is what the inbound handler observed.
type requestedResult struct {
	outcome models.Outcome
	err     error
}

// serveRequested installs a handler that accepts every request against a
// record with the given rank and reports the session outcome.
func serveRequested(t *testing.T, m *Manager, store *memStore, sink BlockSink, rank int) (string, <-chan requestedResult) {
	t.Helper()
	return serveRequestedSinks(t, m, store, func(string) BlockSink { return sink }, rank)
}

// serveRequestedSinks is serveRequested with a sink chosen per transfer id.
func serveRequestedSinks(t *testing.T, m *Manager, store *memStore, sinkFor func(id string) BlockSink, rank int) (string, <-chan requestedResult) {
	t.Helper()
	results := make(chan requestedResult, 4)
	m.SetInboundHandler(func(s *Session) {
		ctx := context.Background()
		if _, err := s.Start(ctx); err != nil {
			results <- requestedResult{err: err}
			return
		}
		in, err := s.AwaitRequest(ctx)
		if err != nil {
			results <- requestedResult{err: err}
			return
		}
		rec := testRecord(in.Request.TransferID, in.Request.Mode == models.ModeRecv, rank)
		rec.FileSize = in.Request.FileSize
		store.put(rec)
		if _, err := s.Accept(rec, sinkFor(rec.ID), protocol.Response{FileSize: rec.FileSize}); err != nil {
			results <- requestedResult{err: err}
			return
		}
		outcome, err := s.Wait(ctx)
		results <- requestedResult{outcome: outcome, err: err}
	})

	addr, err := m.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	return addr.String(), results
}

func waitResult(t *testing.T, results <-chan requestedResult) requestedResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for requested side")
		return requestedResult{}
	}
}
