// Copyright © 2019 Annchain Authors <EMAIL ADDRESS>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package dbft

import (
	"context"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const inboxSize = 1024

// Engine drives the dBFT state machine of one validator. All mutation goes through a single
// lock, so HandleMessage, HandleTimeout and the Run loop may be mixed freely.
type Engine struct {
	Config     Config
	Validators *ValidatorSet
	MyIndex    ValidatorIndex

	Signer    Signer
	Mempool   Mempool
	Ledger    Ledger
	Committer BlockCommitter
	Outbound  Outbound
	Scheduler Scheduler
	Safety    SafetyStore

	Events *EventBus
	Stats  *Stats
	Logger *logrus.Logger

	Context *ConsensusContext
	Handler *MessageHandler

	// Now is the clock used for proposal timestamps.
	Now func() time.Time

	state atomic.Int32
	mu    sync.Mutex
	inbox chan *ConsensusMessage
	quit  chan struct{}
}

// InitDefault fills every optional collaborator that was left nil.
func (e *Engine) InitDefault() {
	if e.Events == nil {
		e.Events = NewEventBus()
	}
	if e.Stats == nil {
		e.Stats = &Stats{}
	}
	if e.Logger == nil {
		e.Logger = logrus.StandardLogger()
	}
	if e.Safety == nil {
		e.Safety = NewMemorySafetyStore()
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	e.inbox = make(chan *ConsensusMessage, inboxSize)
	e.state.Store(int32(StateStopped))
}

func (e *Engine) State() DbftState {
	return DbftState(e.state.Load())
}

func (e *Engine) transit(from, to DbftState) error {
	if !e.state.CAS(int32(from), int32(to)) {
		return &StateTransitionError{From: e.State(), To: to}
	}
	e.Logger.WithField("IM", e.MyIndex).WithField("from", from).WithField("to", to).Debug("engine state changed")
	e.Events.Publish(Event{Type: EventStateChanged, Validator: e.MyIndex, Data: StateChange{From: from, To: to}})
	return nil
}

// Start validates the configuration and brings the engine to Running. A failed
// validation leaves the engine Stopped.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.transit(StateStopped, StateStarting); err != nil {
		return err
	}
	if err := e.setup(); err != nil {
		e.state.Store(int32(StateStopped))
		e.Events.Publish(Event{Type: EventStateChanged, Validator: e.MyIndex, Data: StateChange{From: StateStarting, To: StateStopped}})
		e.Logger.WithError(err).WithField("IM", e.MyIndex).Error("engine failed to start")
		return err
	}
	e.quit = make(chan struct{})
	return e.transit(StateStarting, StateRunning)
}

func (e *Engine) setup() error {
	if err := e.Config.Validate(); err != nil {
		return err
	}
	if e.Validators == nil {
		return errors.Wrap(ErrInvalidConfig, "no validator set")
	}
	if !e.Validators.Contains(e.MyIndex) {
		return errors.Wrapf(ErrInvalidConfig, "my index %d outside a committee of %d", e.MyIndex, e.Validators.N())
	}
	if e.Signer == nil {
		return errors.Wrap(ErrInvalidConfig, "no signer")
	}
	if e.Outbound == nil {
		return errors.Wrap(ErrInvalidConfig, "no outbound channel")
	}
	if e.Context == nil {
		e.Context = NewConsensusContext(&e.Config, e.Validators, e.MyIndex, e.Scheduler)
		e.Context.Logger = e.Logger
	}
	e.Context.Evidence.OnEvidence = e.onEvidence
	if e.Handler == nil {
		handler, err := NewMessageHandler(e.Context, e.Signer)
		if err != nil {
			return err
		}
		handler.Now = e.Now
		e.Handler = handler
	}
	return nil
}

// Stop cancels every timer and brings the engine back to Stopped.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.transit(StateRunning, StateStopping); err != nil {
		return err
	}
	e.Context.StopAllTimers()
	close(e.quit)
	return e.transit(StateStopping, StateStopped)
}

func (e *Engine) running() bool {
	return e.State() == StateRunning
}

// StartConsensusRound enters view 0 of blockIndex. The primary proposes immediately,
// backups arm the PrepareRequest timer.
func (e *Engine) StartConsensusRound(blockIndex BlockIndex) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running() {
		return errors.Wrapf(ErrNotRunning, "state %s", e.State())
	}

	ctx := e.Context
	ctx.StartRound(blockIndex)
	if e.Ledger != nil && blockIndex > 0 {
		prev, ok := e.Ledger.GetBlock(blockIndex - 1)
		if !ok {
			return errors.Wrapf(ErrUnknownPreviousBlock, "height %d", blockIndex-1)
		}
		ctx.SetPrevious(prev.Hash, prev.Timestamp)
	}
	e.Stats.ConsensusRounds.Inc()
	e.Logger.WithField("IM", e.MyIndex).WithField("hr", ctx.Round()).WithField("primary", ctx.Primary()).
		Info("consensus round started")

	err := e.enterView()
	e.redeliver()
	return err
}

// enterView runs the duties of a freshly entered view.
func (e *Engine) enterView() error {
	ctx := e.Context
	if ctx.CurrentProposal() != nil {
		// the proposal got here before the view change quorum did
		ctx.StartTimer(TimerPrepareResponse)
		return nil
	}
	if ctx.AmIPrimary() {
		return e.propose()
	}
	ctx.SetPhase(PhaseAwaitingProposal)
	ctx.StartTimer(TimerPrepareRequest)
	return nil
}

func (e *Engine) propose() error {
	ctx := e.Context
	cfg := &e.Config

	var txs []Transaction
	if e.Mempool != nil {
		txs = e.Mempool.GetVerifiedTransactions(cfg.MaxTransactionsPerBlock, cfg.MaxBlockSize)
	}
	txs = SelectTransactions(txs, cfg.MaxTransactionsPerBlock, cfg.MaxBlockSize)
	hashes := make([]Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}

	timestamp := uint64(e.Now().UnixNano() / int64(time.Millisecond))
	if timestamp <= ctx.PrevTimestamp() {
		timestamp = ctx.PrevTimestamp() + 1
	}
	nonce, err := NewNonce()
	if err != nil {
		return errors.Wrap(err, "nonce")
	}

	msg := e.newMessage(&PrepareRequest{TransactionHashes: hashes})
	msg.Timestamp = timestamp
	msg.Nonce = nonce
	if err := e.signAndSend(msg); err != nil {
		return err
	}
	ctx.SetPhase(PhaseProposed)
	ctx.StartTimer(TimerPrepareResponse)

	block := NewPreparedBlock(msg)
	e.Logger.WithField("IM", e.MyIndex).WithField("hr", ctx.Round()).WithField("block", block.Hash.TerminalString()).
		WithField("txs", len(hashes)).Info("block proposed")
	e.Events.Publish(Event{Type: EventBlockProposed, Validator: e.MyIndex, Round: ctx.Round(), Data: block})
	return e.applyOwn(msg)
}

func (e *Engine) newMessage(body MessageBody) *ConsensusMessage {
	ctx := e.Context
	return &ConsensusMessage{
		ConsensusPayload: ConsensusPayload{
			Version:        e.Config.Version,
			PrevHash:       ctx.PrevHash(),
			BlockIndex:     ctx.BlockIndex(),
			ViewNumber:     ctx.View(),
			ValidatorIndex: e.MyIndex,
		},
		Body: body,
	}
}

func (e *Engine) signAndSend(msg *ConsensusMessage) error {
	if err := msg.Sign(e.Signer); err != nil {
		return errors.Wrap(err, "sign")
	}
	if err := e.Outbound.Send(msg); err != nil {
		return errors.Wrap(ErrMessageHandling, err.Error())
	}
	e.Logger.WithField("IM", e.MyIndex).WithField("msg", msg).Trace("message sent")
	return nil
}

// applyOwn runs a message this node just sent through the same path as a peer's.
func (e *Engine) applyOwn(msg *ConsensusMessage) error {
	directives, err := e.Handler.Handle(msg)
	if err != nil {
		if IsDrop(err) {
			e.Logger.WithError(err).WithField("IM", e.MyIndex).Debug("own message not recorded")
			return nil
		}
		return err
	}
	return e.execute(directives)
}

// HandleMessage feeds one inbound message through validation and executes the outcome.
// Invalid messages are dropped silently; only failures to send are returned.
func (e *Engine) HandleMessage(msg *ConsensusMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handleMessage(msg)
}

func (e *Engine) handleMessage(msg *ConsensusMessage) error {
	if !e.running() {
		return nil
	}
	e.Stats.MessagesReceived.Inc()
	if msg != nil {
		e.Events.Publish(Event{Type: EventMessageReceived, Validator: e.MyIndex, Round: msg.Round(),
			Data: MessageInfo{Type: msg.Type(), Validator: msg.ValidatorIndex}})
	}
	return e.dispatch(msg)
}

// dispatch runs an already counted message through the handler.
func (e *Engine) dispatch(msg *ConsensusMessage) error {
	directives, err := e.Handler.Handle(msg)
	if err != nil {
		e.Stats.MessagesDropped.Inc()
		info := MessageInfo{Reason: err.Error()}
		if msg != nil {
			info.Type = msg.Type()
			info.Validator = msg.ValidatorIndex
		}
		e.Events.Publish(Event{Type: EventMessageDropped, Validator: e.MyIndex, Round: e.Context.Round(), Data: info})
		e.Logger.WithError(err).WithField("IM", e.MyIndex).WithField("msg", msg).Debug("message dropped")
		return nil
	}
	return e.execute(directives)
}

func (e *Engine) execute(directives []Directive) error {
	for _, d := range directives {
		var err error
		switch d.Type {
		case DirectiveSendPrepareResponse:
			err = e.sendPrepareResponse(d.Block)
		case DirectiveSendCommit:
			err = e.sendCommit(d.Block)
		case DirectiveCommitBlock:
			err = e.commitBlock(d.Block, d.Commits)
		case DirectiveChangeView:
			err = e.onViewChanged(d)
		case DirectiveSendRecovery:
			err = e.sendRecovery(d.SessionId)
		case DirectiveRequestRecovery:
			err = e.requestRecovery()
		}
		if err != nil {
			e.Logger.WithError(err).WithField("IM", e.MyIndex).WithField("directive", d.Type).Warn("directive failed")
			return err
		}
	}
	return nil
}

func (e *Engine) sendPrepareResponse(block *PreparedBlock) error {
	ctx := e.Context
	if block.View != ctx.View() || ctx.ResponseSent(block.View) || ctx.CommitLocked() {
		return nil
	}
	msg := e.newMessage(&PrepareResponse{PreparationHash: block.Hash})
	if err := e.signAndSend(msg); err != nil {
		return err
	}
	ctx.MarkResponseSent(block.View)
	ctx.StartTimer(TimerPrepareResponse)
	return e.applyOwn(msg)
}

// sendCommit signs block. The block may come from an earlier view of this height when this
// node joins a commit quorum formed there; the commit then carries that view.
func (e *Engine) sendCommit(block *PreparedBlock) error {
	ctx := e.Context
	if block.View > ctx.View() || ctx.CommitLocked() {
		return nil
	}
	if err := e.Safety.RecordSignedCommit(block.Index, block.Hash); err != nil {
		e.Logger.WithError(err).WithField("IM", e.MyIndex).WithField("block", block.Hash.TerminalString()).Error("commit refused")
		return nil
	}
	blockSig, err := e.Signer.Sign(block.Hash[:])
	if err != nil {
		return errors.Wrap(err, "sign block")
	}
	msg := e.newMessage(&Commit{BlockHash: block.Hash, BlockSignature: blockSig})
	msg.ViewNumber = block.View
	if err := e.signAndSend(msg); err != nil {
		return err
	}
	ctx.MarkCommitSent(block.View, block.Hash)
	ctx.SetPhase(PhaseCommitCollecting)
	ctx.StartTimer(TimerCommit)
	e.Logger.WithField("IM", e.MyIndex).WithField("hr", ctx.Round()).WithField("block", block.Hash.TerminalString()).Debug("commit sent")
	return e.applyOwn(msg)
}

func (e *Engine) commitBlock(prepared *PreparedBlock, commits []*Vote) error {
	ctx := e.Context
	if _, done := ctx.Committed(); done {
		return nil
	}
	block := &Block{
		PreparedBlock: *prepared,
		Commits:       make(map[ValidatorIndex][]byte, len(commits)),
	}
	for _, v := range commits {
		block.Commits[v.Validator] = v.Signature
	}
	if err := e.Safety.RecordCommitted(block.Index, block.Hash); err != nil {
		e.Logger.WithError(err).WithField("IM", e.MyIndex).Error("conflicting commit refused")
		return nil
	}
	ctx.MarkCommitted(block.Hash)
	ctx.StopAllTimers()

	latency := time.Since(ctx.StartedAt())
	e.Stats.BlocksCommitted.Inc()
	e.Stats.LastBlockLatency.Store(latency)
	e.Logger.WithField("IM", e.MyIndex).WithField("hr", ctx.Round()).WithField("block", block.Hash.TerminalString()).
		WithField("txs", len(block.TransactionHashes)).WithField("latency", latency).Info("block committed")

	if e.Committer != nil {
		if err := e.Committer.CommitBlock(block); err != nil {
			return errors.Wrap(err, "commit block")
		}
	}
	e.Events.Publish(Event{Type: EventBlockCommitted, Validator: e.MyIndex, Round: ctx.Round(),
		Data: BlockCommit{Block: block, Latency: latency}})
	return nil
}

// HandleTimeout reacts to a fired timer. Timers of a round or view already left are ignored.
func (e *Engine) HandleTimeout(ev TimeoutEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handleTimeout(ev)
}

func (e *Engine) handleTimeout(ev TimeoutEvent) error {
	if !e.running() {
		return nil
	}
	ctx := e.Context
	if !ctx.IsCurrentTimer(ev.Token) {
		e.Logger.WithField("IM", e.MyIndex).WithField("token", ev.Token).WithField("hr", ctx.Round()).Trace("stale timer ignored")
		return nil
	}
	e.Stats.Timeouts.Inc()
	e.Events.Publish(Event{Type: EventConsensusTimeout, Validator: e.MyIndex, Round: ctx.Round(), Data: ev.Token})
	e.Logger.WithField("IM", e.MyIndex).WithField("token", ev.Token).Warn("consensus timeout")

	if _, done := ctx.Committed(); done {
		return nil
	}
	if ctx.CommitLocked() {
		return e.requestRecovery()
	}
	return e.initiateViewChange(ev.Token.Type.Reason())
}

// InitiateViewChange moves this node to view+1 and asks the committee to follow.
func (e *Engine) InitiateViewChange(reason ViewChangeReason) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running() {
		return errors.Wrapf(ErrNotRunning, "state %s", e.State())
	}
	return e.initiateViewChange(reason)
}

func (e *Engine) initiateViewChange(reason ViewChangeReason) error {
	ctx := e.Context
	if _, done := ctx.Committed(); done || ctx.CommitLocked() {
		e.Logger.WithField("IM", e.MyIndex).WithField("hr", ctx.Round()).Debug("view change skipped, commit already sent")
		return nil
	}
	oldView := ctx.View()
	newView := oldView + 1

	msg := e.newMessage(&ChangeView{NewView: newView, Reason: reason})
	if err := e.signAndSend(msg); err != nil {
		return err
	}
	if _, err := ctx.ChangeView(newView); err != nil {
		return err
	}
	ctx.StopAllTimers()
	ctx.SetPhase(PhaseChangeViewing)
	e.Stats.ViewChanges.Inc()
	e.Events.Publish(Event{Type: EventViewChanged, Validator: e.MyIndex, Round: ctx.Round(),
		Data: ViewChange{OldView: oldView, NewView: newView, Reason: reason}})

	if err := e.applyOwn(msg); err != nil {
		return err
	}
	// the own vote may have completed the quorum and already entered the view
	if ctx.Phase() == PhaseChangeViewing {
		if ctx.AmIPrimary() && ctx.CurrentProposal() == nil {
			if err := e.propose(); err != nil {
				return err
			}
		} else {
			// waits for the committee to follow; expiry asks for the view after this one
			ctx.StartTimer(TimerChangeView)
		}
	}
	e.redeliver()
	return nil
}

// onViewChanged runs after a ChangeView quorum.
func (e *Engine) onViewChanged(d Directive) error {
	ctx := e.Context
	if d.NewView != ctx.View() {
		return nil
	}
	if d.ViewAdvanced {
		e.Stats.ViewChanges.Inc()
		e.Events.Publish(Event{Type: EventViewChanged, Validator: e.MyIndex, Round: ctx.Round(),
			Data: ViewChange{OldView: d.OldView, NewView: d.NewView, Reason: ReasonPrimaryFailure}})
	}
	ctx.StopAllTimers()
	if err := e.enterView(); err != nil {
		return err
	}
	e.redeliver()
	return nil
}

func (e *Engine) requestRecovery() error {
	ctx := e.Context
	if !e.Config.RecoveryEnabled {
		return nil
	}
	msg := e.newMessage(&RecoveryRequest{SessionId: uuid.New().String()})
	if err := e.signAndSend(msg); err != nil {
		return err
	}
	ctx.StartTimer(TimerRecovery)
	e.Logger.WithField("IM", e.MyIndex).WithField("hr", ctx.Round()).Info("recovery requested")
	return nil
}

func (e *Engine) sendRecovery(sessionId string) error {
	payload := e.Context.RecoveryPayload(sessionId)
	if payload.PrepareRequest == nil && len(payload.ChangeViews) == 0 && len(payload.Commits) == 0 {
		return nil
	}
	return e.signAndSend(e.newMessage(payload))
}

// redeliver feeds buffered messages that became current back through the handler.
func (e *Engine) redeliver() {
	for _, msg := range e.Handler.TakeBuffered() {
		if err := e.dispatch(msg); err != nil {
			e.Logger.WithError(err).WithField("IM", e.MyIndex).Warn("redelivered message failed")
		}
	}
}

func (e *Engine) onEvidence(ev *Evidence) {
	e.Stats.EvidenceRecorded.Inc()
	e.Logger.WithField("IM", e.MyIndex).WithField("suspect", ev.Validator).WithField("type", ev.MessageType).
		WithField("round", ev.Round).Warn("byzantine evidence recorded")
	e.Events.Publish(Event{Type: EventEvidenceRecorded, Validator: e.MyIndex, Round: ev.Round, Data: ev})
}

// Submit queues msg for the Run loop.
func (e *Engine) Submit(msg *ConsensusMessage) bool {
	select {
	case e.inbox <- msg:
		return true
	default:
		e.Stats.MessagesDropped.Inc()
		return false
	}
}

// Run serializes inbound messages and timer firings until ctx ends or the engine stops.
func (e *Engine) Run(ctx context.Context, timeouts <-chan TimeoutEvent) {
	e.mu.Lock()
	quit := e.quit
	e.mu.Unlock()
	if quit == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case msg := <-e.inbox:
			if err := e.HandleMessage(msg); err != nil {
				e.Logger.WithError(err).WithField("IM", e.MyIndex).Warn("failed to handle message")
			}
		case ev := <-timeouts:
			if err := e.HandleTimeout(ev); err != nil {
				e.Logger.WithError(err).WithField("IM", e.MyIndex).Warn("failed to handle timeout")
			}
		}
	}
}

// Snapshot returns the round state for diagnostics.
func (e *Engine) Snapshot() ContextSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Context == nil {
		return ContextSnapshot{}
	}
	return e.Context.Snapshot()
}

// DumpState renders the full context, for debugging only.
func (e *Engine) DumpState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return spew.Sdump(e.Context)
}

// Evidence lists the equivocations seen over the last EvidenceRetention heights.
func (e *Engine) Evidence() []*Evidence {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Context == nil {
		return nil
	}
	return e.Context.Evidence.List()
}
