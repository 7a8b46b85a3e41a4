package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"filerelay/models"
	"filerelay/network"
	"filerelay/protocol"
	"filerelay/storage"
	"filerelay/tasks"
)

// runRequester drives one attempt on the host that initiated the transfer.
func (s *Service) runRequester(ctx context.Context, rec models.TransferRecord, postOnly bool) models.Outcome {
	logger := recordLogger(rec)
	rule, err := s.rules.GetRule(rec.RuleID)
	if err != nil {
		return s.fail(ctx, rec, models.Rule{}, models.Wrap(models.CodeInternal, err))
	}
	if err := s.store.SetStatus(rec.ID, models.StatusToSubmit, models.CodeOK); err != nil {
		return s.fail(ctx, rec, rule, models.Wrap(models.CodeInternal, err))
	}

	if !postOnly {
		if rec.GlobalStep == models.StepInit || rec.GlobalStep == models.StepPreTask {
			if err := s.runPhase(ctx, rec, models.StepPreTask, rule.PreTasks, rule); err != nil {
				return s.fail(ctx, rec, rule, err)
			}
		}
		if rec.GlobalStep != models.StepTransfer {
			if err := s.store.SetStep(rec.ID, models.StepTransfer); err != nil {
				return s.fail(ctx, rec, rule, models.Wrap(models.CodeInternal, err))
			}
			rec.GlobalStep = models.StepTransfer
		}

		logger.WithField("rank", rec.Rank).Info("starting data phase")
		if err := s.requestTransfer(ctx, rec, rule); err != nil {
			return s.fail(ctx, rec, rule, err)
		}
	}

	return s.completeTransfer(ctx, rec, rule)
}

// requestTransfer opens a session to the requested host and moves the data.
func (s *Service) requestTransfer(ctx context.Context, rec models.TransferRecord, rule models.Rule) error {
	addr, err := s.resolver.Resolve(ctx, rec.Requested)
	if err != nil {
		return models.Wrap(models.CodeConnectionImpossible, err)
	}

	var (
		src  *source
		sink network.BlockSink
	)
	if rec.IsSender {
		src, err = openSource(filepath.Join(rule.SendPath, rec.Filename), rec.BlockSize)
		if err != nil {
			return models.Wrap(models.CodeInternal, err)
		}
		defer src.Close()
		if src.size != rec.FileSize {
			return models.NewError(models.CodeInternal, "%s changed size since submission: %d, recorded %d", rec.Filename, src.size, rec.FileSize)
		}
	} else {
		fs := newFileSink(s.store, rec, rule)
		defer fs.Close()
		sink = fs
	}

	sess, err := s.manager.Open(ctx, addr)
	if err != nil {
		return classify(err, models.CodeConnectionImpossible)
	}
	if _, err := sess.Start(ctx); err != nil {
		return s.settle(ctx, sess, err)
	}

	mode := models.ModeRecv
	if rec.IsSender {
		mode = models.ModeSend
	}
	req := protocol.Request{
		TransferID: rec.ID,
		RuleID:     rec.RuleID,
		Filename:   rec.Filename,
		FileSize:   rec.FileSize,
		FileInfo:   rec.FileInfo,
		BlockSize:  rec.BlockSize,
		Mode:       mode,
		Requester:  s.hostID,
	}
	agreement, err := sess.Request(ctx, rec, req, sink)
	if err != nil {
		return s.settle(ctx, sess, err)
	}

	if rec.IsSender {
		return s.sendBlocks(ctx, sess, src, agreement.Rank)
	}
	if _, err := sess.Wait(ctx); err != nil {
		return s.settle(ctx, sess, err)
	}
	return nil
}

// handleInbound runs a session accepted by the connection manager.
func (s *Service) handleInbound(sess *network.Session) {
	ctx, cancel := context.WithCancelCause(s.ctx)
	defer cancel(nil)

	peer, err := sess.Start(ctx)
	if err != nil {
		log.WithError(err).WithField("peer", sess.Connection().PeerAddress()).Info("inbound session failed before authentication")
		return
	}
	in, err := sess.AwaitRequest(ctx)
	if err != nil {
		log.WithError(err).WithField("peer", peer).Info("inbound session ended before a request")
		return
	}

	rec, rule, err := s.admit(in)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"peer": peer, "transfer_id": in.Request.TransferID}).Warn("request refused")
		sess.Reject(classify(err, models.CodeInternal))
		return
	}

	if err := s.track(rec.ID, &attempt{cancel: cancel}); err != nil {
		sess.Reject(classify(err, models.CodeQueryStillRunning))
		return
	}
	defer s.wg.Done()
	defer s.untrack(rec.ID)

	outcome := s.serveRequest(ctx, sess, rec, rule)
	recordLogger(rec).WithField("code", outcome.Code).Info("requested transfer ended")
}

// admit loads or creates the local record for an incoming request.
func (s *Service) admit(in network.IncomingRequest) (models.TransferRecord, models.Rule, error) {
	req := in.Request
	if err := checkFilename(req.Filename); err != nil {
		return models.TransferRecord{}, models.Rule{}, err
	}
	if req.BlockSize <= 0 || req.BlockSize > protocol.DefaultMaxFrameSize-protocol.HeaderSize-4 {
		return models.TransferRecord{}, models.Rule{}, models.NewError(models.CodeProtocolViolation, "invalid block size %d", req.BlockSize)
	}
	rule, err := s.rules.GetRule(req.RuleID)
	if err != nil {
		return models.TransferRecord{}, models.Rule{}, models.Wrap(models.CodeInternal, err)
	}
	isSender := req.Mode == models.ModeRecv

	rec, err := s.store.GetTransfer(req.TransferID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rec = models.TransferRecord{
			ID:         req.TransferID,
			Requester:  in.Peer,
			Requested:  s.hostID,
			IsSender:   isSender,
			RuleID:     req.RuleID,
			Filename:   req.Filename,
			FileSize:   req.FileSize,
			FileInfo:   req.FileInfo,
			BlockSize:  req.BlockSize,
			GlobalStep: models.StepInit,
			Status:     models.StatusToSubmit,
		}
		if isSender {
			src, err := openSource(filepath.Join(rule.SendPath, req.Filename), req.BlockSize)
			if err != nil {
				return models.TransferRecord{}, models.Rule{}, models.Wrap(models.CodeInternal, err)
			}
			rec.FileSize = src.size
			_ = src.Close()
		}
		if err := s.store.CreateTransfer(rec); err != nil {
			return models.TransferRecord{}, models.Rule{}, models.Wrap(models.CodeInternal, err)
		}
		rec, err = s.store.GetTransfer(req.TransferID)
		if err != nil {
			return models.TransferRecord{}, models.Rule{}, models.Wrap(models.CodeInternal, err)
		}
	case err != nil:
		return models.TransferRecord{}, models.Rule{}, models.Wrap(models.CodeInternal, err)
	default:
		if rec.Requester != in.Peer || rec.Requested != s.hostID {
			return models.TransferRecord{}, models.Rule{}, models.NewError(models.CodeAuthenticationFailed, "transfer %s belongs to %s", rec.ID, rec.Requester)
		}
		if rec.IsSender != isSender || rec.RuleID != req.RuleID || rec.BlockSize != req.BlockSize {
			return models.TransferRecord{}, models.Rule{}, models.NewError(models.CodeProtocolViolation, "request does not match stored transfer %s", rec.ID)
		}
	}
	return rec, rule, nil
}

// serveRequest drives an admitted transfer on the requested host.
func (s *Service) serveRequest(ctx context.Context, sess *network.Session, rec models.TransferRecord, rule models.Rule) models.Outcome {
	finished := rec.Finished()

	if !finished && (rec.GlobalStep == models.StepInit || rec.GlobalStep == models.StepPreTask) {
		if err := s.runPhase(ctx, rec, models.StepPreTask, rule.PreTasks, rule); err != nil {
			sess.Reject(err)
			return s.fail(ctx, rec, rule, err)
		}
		if err := s.store.SetStep(rec.ID, models.StepTransfer); err != nil {
			err = models.Wrap(models.CodeInternal, err)
			sess.Reject(err)
			return s.fail(ctx, rec, rule, err)
		}
		rec.GlobalStep = models.StepTransfer
	}

	var (
		src  *source
		sink network.BlockSink
	)
	if rec.IsSender {
		var err error
		src, err = openSource(filepath.Join(rule.SendPath, rec.Filename), rec.BlockSize)
		if err == nil && src.size != rec.FileSize {
			_ = src.Close()
			err = fmt.Errorf("%s changed size: %d, recorded %d", rec.Filename, src.size, rec.FileSize)
		}
		if err != nil {
			err = models.Wrap(models.CodeInternal, err)
			sess.Reject(err)
			return s.fail(ctx, rec, rule, err)
		}
		defer src.Close()
	} else {
		fs := newFileSink(s.store, rec, rule)
		defer fs.Close()
		sink = fs
	}

	agreement, err := sess.Accept(rec, sink, protocol.Response{FileSize: rec.FileSize, FileInfo: rec.FileInfo})
	if err != nil {
		return s.fail(ctx, rec, rule, s.settle(ctx, sess, err))
	}
	if rec.IsSender {
		err = s.sendBlocks(ctx, sess, src, agreement.Rank)
	} else if _, err = sess.Wait(ctx); err != nil {
		err = s.settle(ctx, sess, err)
	}
	if err != nil {
		return s.fail(ctx, rec, rule, err)
	}

	if finished {
		if err := s.store.Complete(rec.ID); err != nil {
			return s.fail(ctx, rec, rule, models.Wrap(models.CodeInternal, err))
		}
		return models.Outcome{Code: models.CodeOK, Rank: sess.Rank()}
	}
	return s.completeTransfer(ctx, rec, rule)
}

// sendBlocks streams blocks from rank on. The send loop is registered with
// the manager so an abort of the session stops it.
func (s *Service) sendBlocks(ctx context.Context, sess *network.Session, src *source, from int) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.manager.RegisterSendLoop(sess, cancel)

	total := sess.Record().TotalBlocks()
	for rank := from; rank < total; rank++ {
		block, err := src.ReadBlock(rank)
		if err != nil {
			return s.settle(ctx, sess, models.Wrap(models.CodeInternal, err))
		}
		if err := sess.SendBlock(loopCtx, block); err != nil {
			return s.settle(ctx, sess, err)
		}
	}

	digest, err := src.Digest()
	if err != nil {
		return s.settle(ctx, sess, models.Wrap(models.CodeInternal, err))
	}
	if _, err := sess.EndTransfer(ctx, digest, nil); err != nil {
		return s.settle(ctx, sess, err)
	}
	return nil
}

// completeTransfer runs post tasks and marks the record DONE.
func (s *Service) completeTransfer(ctx context.Context, rec models.TransferRecord, rule models.Rule) models.Outcome {
	if err := s.runPhase(ctx, rec, models.StepPostTask, rule.PostTasks, rule); err != nil {
		return s.fail(ctx, rec, rule, err)
	}
	if err := s.store.Complete(rec.ID); err != nil {
		return s.fail(ctx, rec, rule, models.Wrap(models.CodeInternal, err))
	}

	final, err := s.store.GetTransfer(rec.ID)
	if err != nil {
		final = rec
	}
	recordLogger(final).Info("transfer done")
	return models.Outcome{Code: models.CodeOK, Rank: final.Rank}
}

// runPhase moves the record to step and runs list.
func (s *Service) runPhase(ctx context.Context, rec models.TransferRecord, step models.GlobalStep, list []models.Task, rule models.Rule) error {
	if err := s.store.SetStep(rec.ID, step); err != nil {
		return models.Wrap(models.CodeInternal, err)
	}
	if len(list) == 0 {
		return nil
	}
	current, err := s.store.GetTransfer(rec.ID)
	if err != nil {
		return models.Wrap(models.CodeInternal, err)
	}
	return s.tasks.Run(ctx, list, tasks.Context{Record: current, Path: localPath(current, rule)})
}

// fail records a failed attempt and runs the rule's error tasks. The step is
// left where the failure happened.
func (s *Service) fail(ctx context.Context, rec models.TransferRecord, rule models.Rule, err error) models.Outcome {
	err = causeOf(ctx, err)
	code := models.CodeOf(err)
	status := models.StatusInError
	if code == models.CodeConnectionLost || code == models.CodeConnectionImpossible {
		status = models.StatusInterrupted
	}

	logger := recordLogger(rec).WithError(err).WithField("code", code)
	if serr := s.store.SetStatus(rec.ID, status, code); serr != nil {
		logger.WithField("status_error", serr).Error("could not record failure")
	}
	logger.Warn("transfer failed")

	current, gerr := s.store.GetTransfer(rec.ID)
	if gerr != nil {
		current = rec
	}
	s.runErrorTasks(current, rule)
	return models.Outcome{Code: code, Rank: current.Rank, Message: err.Error()}
}

func (s *Service) runErrorTasks(rec models.TransferRecord, rule models.Rule) {
	if len(rule.ErrorTasks) == 0 || rec.Finished() {
		return
	}
	logger := recordLogger(rec)
	if err := s.store.SetStep(rec.ID, models.StepErrorTask); err != nil {
		logger.WithError(err).Error("could not enter error tasks")
		return
	}
	tc := tasks.Context{Record: rec, Path: localPath(rec, rule)}
	if err := s.tasks.Run(context.Background(), rule.ErrorTasks, tc); err != nil {
		logger.WithError(err).Warn("error tasks failed")
	}
	if err := s.store.SetStep(rec.ID, rec.GlobalStep); err != nil {
		logger.WithError(err).Error("could not restore step after error tasks")
	}
}

// settle returns the outcome the session recorded, aborting it with err
// first if it is still running.
func (s *Service) settle(ctx context.Context, sess *network.Session, err error) error {
	if !sess.TransferEnded().IsDone() {
		sess.Abort(causeOf(ctx, classify(err, models.CodeInternal)))
	}
	if _, werr := sess.Wait(context.Background()); werr != nil {
		return werr
	}
	return classify(err, models.CodeInternal)
}

// causeOf prefers the classified cause of a canceled attempt.
func causeOf(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	var te *models.TransferError
	if cause := context.Cause(ctx); errors.As(cause, &te) {
		return cause
	}
	return err
}

func classify(err error, fallback models.ErrorCode) error {
	var te *models.TransferError
	if errors.As(err, &te) {
		return err
	}
	return models.Wrap(fallback, err)
}

func localPath(rec models.TransferRecord, rule models.Rule) string {
	if rec.IsSender {
		return filepath.Join(rule.SendPath, rec.Filename)
	}
	return filepath.Join(rule.RecvPath, rec.Filename)
}

func recordLogger(rec models.TransferRecord) *log.Entry {
	return log.WithFields(log.Fields{
		"transfer_id": rec.ID,
		"peer_host":   rec.Requested,
		"requester":   rec.Requester,
		"rule":        rec.RuleID,
	})
}
