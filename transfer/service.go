// Package transfer runs file transfers on top of network sessions: the
// requester and requested flows, their task phases, and restarts.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"filerelay/completion"
	"filerelay/metrics"
	"filerelay/models"
	"filerelay/network"
	"filerelay/tasks"
)

var (
	// ErrNotRequester is returned when restarting a transfer another host requested.
	ErrNotRequester = errors.New("transfer: only the requester can restart a transfer")
	// ErrUnknownPeer is returned when a host id has no known address.
	ErrUnknownPeer = errors.New("transfer: unknown peer")
	// ErrAlreadyDone is returned when canceling a finished transfer.
	ErrAlreadyDone = errors.New("transfer: already done")
	// ErrClosed is returned once Shutdown has run.
	ErrClosed = errors.New("transfer: service shut down")
)

// Store is the persistence the service needs.
type Store interface {
	network.RecordStore
	RetryStore
	CreateTransfer(rec models.TransferRecord) error
	GetTransfer(id string) (models.TransferRecord, error)
	SetStep(id string, step models.GlobalStep) error
	Complete(id string) error
	MarkInterrupted() (int64, error)
}

// RuleProvider returns transfer rules by id.
type RuleProvider interface {
	GetRule(id string) (models.Rule, error)
}

// TaskRunner runs one task list.
type TaskRunner interface {
	Run(ctx context.Context, list []models.Task, tc tasks.Context) error
}

// Resolver maps a host id to a dialable address.
type Resolver interface {
	Resolve(ctx context.Context, hostID string) (string, error)
}

// HostTable is a static Resolver.
type HostTable map[string]string

// Resolve implements Resolver.
func (t HostTable) Resolve(_ context.Context, hostID string) (string, error) {
	if addr, ok := t[hostID]; ok && addr != "" {
		return addr, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownPeer, hostID)
}

// Resolvers tries each resolver in order.
type Resolvers []Resolver

// Resolve implements Resolver.
func (rs Resolvers) Resolve(ctx context.Context, hostID string) (string, error) {
	var errs []error
	for _, r := range rs {
		addr, err := r.Resolve(ctx, hostID)
		if err == nil {
			return addr, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w %q", ErrUnknownPeer, hostID)
	}
	return "", errors.Join(errs...)
}

// Options configures a Service.
type Options struct {
	HostID    string
	Store     Store
	Manager   *network.Manager
	Rules     RuleProvider
	Tasks     TaskRunner
	Resolver  Resolver
	BlockSize int
	MaxRetry  int
}

// SubmitRequest describes a new transfer.
type SubmitRequest struct {
	RuleID   string
	Peer     string
	Filename string
	Mode     models.Mode
}

// Handle follows one attempt of a transfer. Ended resolves once the attempt
// reached its final outcome, including post tasks.
type Handle struct {
	ID    string
	Ended *completion.Signal[models.Outcome]
}

// Wait blocks until the attempt ends and returns its classified failure.
func (h *Handle) Wait(ctx context.Context) (models.Outcome, error) {
	outcome, err := h.Ended.Await(ctx, 0)
	if err != nil {
		return models.Outcome{}, err
	}
	return outcome, outcome.Err()
}

type attempt struct {
	cancel context.CancelCauseFunc
	handle *Handle
}

// Service is the entry point of the transfer engine.
type Service struct {
	hostID      string
	store       Store
	manager     *network.Manager
	rules       RuleProvider
	tasks       TaskRunner
	resolver    Resolver
	coordinator *Coordinator
	blockSize   int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attempts map[string]*attempt
	closed   bool

	// restartMu serializes restart decisions with attempt registration.
	restartMu sync.Mutex
	wg        sync.WaitGroup
}

// New builds a Service, recovers records left RUNNING by a crash and
// installs the inbound session handler on the manager.
func New(opts Options) (*Service, error) {
	switch {
	case opts.HostID == "":
		return nil, errors.New("host id is required")
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Manager == nil:
		return nil, errors.New("manager is required")
	case opts.Rules == nil:
		return nil, errors.New("rules are required")
	}
	if opts.Tasks == nil {
		opts.Tasks = &tasks.Executor{Local: opts.HostID}
	}
	if opts.Resolver == nil {
		opts.Resolver = HostTable{}
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = 64 * 1024
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 5
	}

	recovered, err := opts.Store.MarkInterrupted()
	if err != nil {
		return nil, fmt.Errorf("recover running transfers: %w", err)
	}
	if recovered > 0 {
		log.WithField("count", recovered).Info("marked crashed transfers interrupted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		hostID:    opts.HostID,
		store:     opts.Store,
		manager:   opts.Manager,
		rules:     opts.Rules,
		tasks:     opts.Tasks,
		resolver:  opts.Resolver,
		blockSize: opts.BlockSize,
		ctx:       ctx,
		cancel:    cancel,
		attempts:  make(map[string]*attempt),
	}
	s.coordinator = NewCoordinator(s, opts.Store, opts.MaxRetry)
	opts.Manager.SetInboundHandler(s.handleInbound)
	return s, nil
}

// HostID returns the local host id.
func (s *Service) HostID() string {
	return s.hostID
}

// Submit records a new transfer and starts its first attempt in the background.
func (s *Service) Submit(_ context.Context, req SubmitRequest) (*Handle, error) {
	if req.Peer == s.hostID {
		return nil, models.NewError(models.CodeInternal, "transfer to self (%s) refused", req.Peer)
	}
	if req.Peer == "" {
		return nil, errors.New("peer is required")
	}
	if err := checkFilename(req.Filename); err != nil {
		return nil, err
	}
	if req.Mode == "" {
		req.Mode = models.ModeSend
	}
	if req.Mode != models.ModeSend && req.Mode != models.ModeRecv {
		return nil, fmt.Errorf("invalid mode %q", req.Mode)
	}
	rule, err := s.rules.GetRule(req.RuleID)
	if err != nil {
		return nil, err
	}

	rec := models.TransferRecord{
		ID:         uuid.NewString(),
		Requester:  s.hostID,
		Requested:  req.Peer,
		IsSender:   req.Mode == models.ModeSend,
		RuleID:     rule.ID,
		Filename:   req.Filename,
		BlockSize:  s.blockSize,
		GlobalStep: models.StepInit,
		Status:     models.StatusToSubmit,
	}
	if rec.IsSender {
		info, err := os.Stat(filepath.Join(rule.SendPath, req.Filename))
		if err != nil {
			return nil, fmt.Errorf("stat file to send: %w", err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%q is not a regular file", req.Filename)
		}
		rec.FileSize = info.Size()
	}

	if err := s.store.CreateTransfer(rec); err != nil {
		return nil, err
	}
	rec, err = s.store.GetTransfer(rec.ID)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"transfer_id": rec.ID,
		"peer":        rec.Requested,
		"rule":        rec.RuleID,
		"mode":        req.Mode,
	}).Info("transfer submitted")

	return s.launch(rec, false)
}

// Query returns the current record of transfer id.
func (s *Service) Query(id string) (models.TransferRecord, error) {
	return s.store.GetTransfer(id)
}

// Cancel stops transfer id. A live attempt is aborted with Canceled; an idle
// record is marked IN_ERROR/Canceled directly.
func (s *Service) Cancel(id string) error {
	canceled := models.NewError(models.CodeCanceled, "canceled by operator")

	s.mu.Lock()
	a, live := s.attempts[id]
	s.mu.Unlock()
	if live {
		if sess := s.manager.SessionFor(id); sess != nil {
			sess.Abort(canceled)
		}
		a.cancel(canceled)
		log.WithField("transfer_id", id).Info("transfer canceled")
		return nil
	}

	rec, err := s.store.GetTransfer(id)
	if err != nil {
		return err
	}
	if rec.Finished() {
		return fmt.Errorf("%w: %s", ErrAlreadyDone, id)
	}
	return s.store.SetStatus(id, models.StatusInError, models.CodeCanceled)
}

// Restart asks the coordinator whether transfer id may run again and, if so,
// launches the new attempt. A refused or bookkeeping-only decision returns a
// nil handle.
func (s *Service) Restart(_ context.Context, id string) (models.Decision, *Handle, error) {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	rec, err := s.store.GetTransfer(id)
	if err != nil {
		return models.Decision{}, nil, err
	}
	if !rec.IsRequester(s.hostID) {
		return models.Decision{}, nil, fmt.Errorf("%w: %s", ErrNotRequester, id)
	}

	decision, err := s.coordinator.EvaluateRestart(rec)
	if err != nil {
		return models.Decision{}, nil, err
	}
	metrics.Restarts.WithLabelValues(string(decision.Kind)).Inc()

	switch decision.Kind {
	case models.RefuseTerminal:
		return decision, nil, nil
	case models.RunPostTaskOnly:
		if rec.Finished() {
			return decision, nil, nil
		}
	}

	rec, err = s.store.GetTransfer(id)
	if err != nil {
		return decision, nil, err
	}
	h, err := s.launch(rec, decision.Kind == models.RunPostTaskOnly)
	return decision, h, err
}

// LiveTransfer reports whether transfer id has a running attempt or session.
func (s *Service) LiveTransfer(id string) bool {
	s.mu.Lock()
	_, ok := s.attempts[id]
	s.mu.Unlock()
	return ok || s.manager.LiveTransfer(id)
}

// Attempt returns the handle of the running attempt of transfer id.
func (s *Service) Attempt(id string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attempts[id]; ok {
		return a.handle
	}
	return nil
}

// Listen accepts inbound transfers on address.
func (s *Service) Listen(address string) (net.Addr, error) {
	return s.manager.Listen(address)
}

// Serve accepts inbound transfers on ln until it is closed.
func (s *Service) Serve(ln net.Listener) error {
	return s.manager.Serve(ln)
}

// Shutdown stops accepting, aborts every session with ConnectionLost, closes
// every connection and waits for attempts to record their outcome.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.manager.ShutdownAll()

	lost := models.NewError(models.CodeConnectionLost, "local shutdown")
	s.mu.Lock()
	for _, a := range s.attempts {
		a.cancel(lost)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
	log.Info("transfer service shut down")
}

// launch registers and starts an attempt for the requester side.
func (s *Service) launch(rec models.TransferRecord, postOnly bool) (*Handle, error) {
	ctx, cancel := context.WithCancelCause(s.ctx)
	h := &Handle{ID: rec.ID, Ended: completion.New[models.Outcome]()}
	if err := s.track(rec.ID, &attempt{cancel: cancel, handle: h}); err != nil {
		cancel(err)
		return nil, err
	}

	go func() {
		defer s.wg.Done()
		outcome := s.runRequester(ctx, rec, postOnly)
		cancel(nil)
		s.untrack(rec.ID)
		h.Ended.Resolve(outcome)
	}()
	return h, nil
}

// track registers an attempt; the caller must call untrack when it ends.
func (s *Service) track(id string, a *attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.Wrap(models.CodeConnectionLost, ErrClosed)
	}
	if _, ok := s.attempts[id]; ok {
		return models.NewError(models.CodeQueryStillRunning, "transfer %s is already running", id)
	}
	s.attempts[id] = a
	s.wg.Add(1)
	return nil
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, id)
}

func checkFilename(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return models.NewError(models.CodeProtocolViolation, "invalid file name %q", name)
	}
	return nil
}
