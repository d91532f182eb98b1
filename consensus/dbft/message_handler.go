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
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type DirectiveType int

const (
	DirectiveSendPrepareResponse DirectiveType = iota
	DirectiveSendCommit
	DirectiveCommitBlock
	DirectiveChangeView
	DirectiveSendRecovery
	DirectiveRequestRecovery
)

func (d DirectiveType) String() string {
	switch d {
	case DirectiveSendPrepareResponse:
		return "SendPrepareResponse"
	case DirectiveSendCommit:
		return "SendCommit"
	case DirectiveCommitBlock:
		return "CommitBlock"
	case DirectiveChangeView:
		return "ChangeView"
	case DirectiveSendRecovery:
		return "SendRecovery"
	case DirectiveRequestRecovery:
		return "RequestRecovery"
	default:
		return "Unknown"
	}
}

// Directive tells the engine what to do after a message was accepted.
type Directive struct {
	Type DirectiveType
	// Block is set for SendPrepareResponse, SendCommit and CommitBlock.
	Block *PreparedBlock
	// Commits are the quorum votes sealing Block on CommitBlock.
	Commits []*Vote
	// OldView and NewView are set on ChangeView. ViewAdvanced is false when the context was already there.
	OldView      ViewNumber
	NewView      ViewNumber
	ViewAdvanced bool
	SessionId    string
}

// MessageHandler validates inbound messages against the context, records them and
// turns quorum crossings into directives. It never signs anything.
type MessageHandler struct {
	Context *ConsensusContext
	Signer  Signer
	Logger  *logrus.Logger
	Now     func() time.Time

	future *lru.Cache
}

func NewMessageHandler(context *ConsensusContext, signer Signer) (*MessageHandler, error) {
	future, err := lru.New(context.Config.FutureBufferSize)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return &MessageHandler{
		Context: context,
		Signer:  signer,
		Logger:  context.Logger,
		Now:     time.Now,
		future:  future,
	}, nil
}

// Handle processes one message. A non-nil error means the message was dropped; the
// context is unchanged by dropped messages except for evidence on conflicting votes.
func (h *MessageHandler) Handle(msg *ConsensusMessage) ([]Directive, error) {
	return h.handle(msg, false)
}

func (h *MessageHandler) handle(msg *ConsensusMessage, replay bool) ([]Directive, error) {
	ctx := h.Context
	if msg == nil || msg.Body == nil {
		return nil, errors.Wrap(ErrDecode, "empty message")
	}
	pubKey, ok := ctx.Validators.PublicKey(msg.ValidatorIndex)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownValidator, "index %d", msg.ValidatorIndex)
	}
	if !msg.Verify(h.Signer, pubKey) {
		return nil, errors.Wrapf(ErrInvalidSignature, "%s", msg)
	}
	if msg.BlockIndex < ctx.BlockIndex() {
		return nil, errors.Wrapf(ErrWrongBlockIndex, "%s at height %d", msg, ctx.BlockIndex())
	}
	if msg.BlockIndex > ctx.BlockIndex() {
		h.buffer(msg)
		return nil, nil
	}

	switch body := msg.Body.(type) {
	case *PrepareRequest:
		return h.onPrepareRequest(msg, body, replay)
	case *PrepareResponse:
		return h.onPrepareResponse(msg, body, replay)
	case *Commit:
		return h.onCommit(msg, body, pubKey, replay)
	case *ChangeView:
		return h.onChangeView(msg, body)
	case *RecoveryRequest:
		return h.onRecoveryRequest(msg, body, replay)
	case *RecoveryMessage:
		return h.onRecoveryMessage(msg, body, replay)
	default:
		return nil, errors.Wrapf(ErrDecode, "unexpected body %T", body)
	}
}

// checkView buffers messages from a later view and rejects earlier ones outside replay.
func (h *MessageHandler) checkView(msg *ConsensusMessage, replay bool) (buffered bool, err error) {
	cur := h.Context.View()
	if msg.ViewNumber > cur {
		h.buffer(msg)
		return true, nil
	}
	if msg.ViewNumber < cur && !replay {
		return false, errors.Wrapf(ErrStaleView, "%s while in view %d", msg, cur)
	}
	return false, nil
}

func (h *MessageHandler) onPrepareRequest(msg *ConsensusMessage, body *PrepareRequest, replay bool) ([]Directive, error) {
	ctx := h.Context
	if buffered, err := h.checkView(msg, replay); buffered || err != nil {
		return nil, err
	}
	if expected := ctx.Validators.Primary(msg.Round()); msg.ValidatorIndex != expected {
		return nil, errors.Wrapf(ErrNotPrimary, "%s, expected %d", msg, expected)
	}
	if err := h.validateProposal(msg, body); err != nil {
		return nil, err
	}
	block, status, err := ctx.recordPrepareRequest(msg)
	if err != nil {
		return nil, err
	}
	h.Logger.WithField("IM", ctx.MyIndex).WithField("hr", msg.Round()).WithField("block", block.Hash.TerminalString()).
		WithField("txs", len(block.TransactionHashes)).Debug("proposal accepted")

	var directives []Directive
	view := msg.ViewNumber
	if view == ctx.View() {
		ctx.SetPhase(PhaseResponsesCollecting)
		if msg.ValidatorIndex != ctx.MyIndex && !ctx.ResponseSent(view) && !ctx.CommitLocked() {
			directives = append(directives, Directive{Type: DirectiveSendPrepareResponse, Block: block})
		}
		if status == QuorumReached && !ctx.CommitLocked() {
			directives = append(directives, Directive{Type: DirectiveSendCommit, Block: block})
		}
		for _, parked := range ctx.takeParked(view) {
			ds, err := h.handle(parked, replay)
			if err != nil {
				h.Logger.WithError(err).WithField("IM", ctx.MyIndex).Debug("parked response dropped")
				continue
			}
			directives = append(directives, ds...)
		}
	}
	// commits may have reached quorum before the proposal was known
	if ctx.commitsCollected(view, block.Hash) {
		directives = append(directives, h.commitDirective(view, block.Hash)...)
	}
	return directives, nil
}

func (h *MessageHandler) validateProposal(msg *ConsensusMessage, body *PrepareRequest) error {
	ctx := h.Context
	cfg := ctx.Config
	if msg.Version != cfg.Version {
		return errors.Wrapf(ErrInvalidProposal, "version %d, expected %d", msg.Version, cfg.Version)
	}
	if msg.PrevHash != ctx.PrevHash() {
		return errors.Wrapf(ErrInvalidProposal, "prev hash %s, expected %s", msg.PrevHash.TerminalString(), ctx.PrevHash().TerminalString())
	}
	if msg.Timestamp <= ctx.PrevTimestamp() {
		return errors.Wrapf(ErrInvalidProposal, "timestamp %d not after previous block %d", msg.Timestamp, ctx.PrevTimestamp())
	}
	limit := uint64(h.Now().Add(cfg.MaxFutureBlockTime).UnixNano() / int64(time.Millisecond))
	if msg.Timestamp > limit {
		return errors.Wrapf(ErrInvalidProposal, "timestamp %d too far in the future", msg.Timestamp)
	}
	if msg.Nonce == 0 {
		return errors.Wrap(ErrInvalidProposal, "missing nonce")
	}
	if len(body.TransactionHashes) > cfg.MaxTransactionsPerBlock {
		return errors.Wrapf(ErrInvalidProposal, "%d transactions exceed limit %d", len(body.TransactionHashes), cfg.MaxTransactionsPerBlock)
	}
	seen := make(map[Hash]struct{}, len(body.TransactionHashes))
	for _, tx := range body.TransactionHashes {
		if _, ok := seen[tx]; ok {
			return errors.Wrapf(ErrInvalidProposal, "duplicate transaction %s", tx.TerminalString())
		}
		seen[tx] = struct{}{}
	}
	return nil
}

func (h *MessageHandler) onPrepareResponse(msg *ConsensusMessage, body *PrepareResponse, replay bool) ([]Directive, error) {
	ctx := h.Context
	if buffered, err := h.checkView(msg, replay); buffered || err != nil {
		return nil, err
	}
	view := msg.ViewNumber
	block := ctx.Proposal(view)
	if block == nil {
		if view == ctx.View() {
			ctx.park(msg)
			h.Logger.WithField("IM", ctx.MyIndex).WithField("msg", msg).Trace("response parked until proposal arrives")
		}
		return nil, nil
	}
	if body.PreparationHash != block.Hash {
		return nil, errors.Wrapf(ErrHashMismatch, "%s references %s, proposal is %s", msg, body.PreparationHash.TerminalString(), block.Hash.TerminalString())
	}
	status, err := ctx.recordResponse(view, &Vote{
		Validator: msg.ValidatorIndex,
		Hash:      body.PreparationHash,
		Signature: msg.Signature,
		Message:   msg,
	})
	if err != nil {
		return nil, err
	}
	h.Logger.WithField("IM", ctx.MyIndex).WithField("hr", msg.Round()).WithField("from", msg.ValidatorIndex).
		WithField("count", ctx.ResponseCount(view)).Trace("prepare response recorded")
	if status == QuorumReached && view == ctx.View() && !ctx.CommitLocked() {
		return []Directive{{Type: DirectiveSendCommit, Block: block}}, nil
	}
	return nil, nil
}

// onCommit accepts commits from the current and every earlier view of this height. Nodes that
// committed before a view change keep sealing that block.
func (h *MessageHandler) onCommit(msg *ConsensusMessage, body *Commit, pubKey []byte, replay bool) ([]Directive, error) {
	ctx := h.Context
	if msg.ViewNumber > ctx.View() {
		h.buffer(msg)
		return nil, nil
	}
	if !h.Signer.Verify(body.BlockHash[:], body.BlockSignature, pubKey) {
		return nil, errors.Wrapf(ErrInvalidSignature, "block signature of %s", msg)
	}
	status, err := ctx.recordCommit(msg.ViewNumber, &Vote{
		Validator: msg.ValidatorIndex,
		Hash:      body.BlockHash,
		Signature: body.BlockSignature,
		Message:   msg,
	})
	if err != nil {
		return nil, err
	}
	h.Logger.WithField("IM", ctx.MyIndex).WithField("hr", msg.Round()).WithField("from", msg.ValidatorIndex).
		WithField("count", ctx.CommitCount(msg.ViewNumber, body.BlockHash)).Trace("commit recorded")
	if status != QuorumReached {
		if replay {
			return nil, nil
		}
		return h.lateCommitDirective(), nil
	}
	return h.commitDirective(msg.ViewNumber, body.BlockHash), nil
}

// lateCommitDirective joins a commit quorum forming in an earlier view of this height. The node
// must not be locked yet, must hold the preparations of the block and must see more than f commits
// for it, so at least one honest node is locked on that block and no other one can be sealed.
func (h *MessageHandler) lateCommitDirective() []Directive {
	ctx := h.Context
	if _, committed := ctx.Committed(); committed || ctx.CommitLocked() {
		return nil
	}
	for view := ctx.View(); view > 0; {
		view--
		block := ctx.Proposal(view)
		if block == nil || ctx.commitsCollected(view, block.Hash) {
			continue
		}
		if ctx.ResponsesCollected(view, block.Hash) && ctx.CommitCount(view, block.Hash) > ctx.Validators.F() {
			h.Logger.WithField("IM", ctx.MyIndex).WithField("hr", ctx.Round()).WithField("view", view).
				WithField("block", block.Hash.TerminalString()).Info("joining commit of an earlier view")
			return []Directive{{Type: DirectiveSendCommit, Block: block}}
		}
	}
	return nil
}

func (h *MessageHandler) commitDirective(view ViewNumber, hash Hash) []Directive {
	ctx := h.Context
	if _, committed := ctx.Committed(); committed {
		return nil
	}
	block := ctx.Proposal(view)
	if block == nil || block.Hash != hash {
		h.Logger.WithField("IM", ctx.MyIndex).WithField("view", view).WithField("block", hash.TerminalString()).
			Warn("commit quorum for a block we have not seen")
		if ctx.Config.RecoveryEnabled {
			return []Directive{{Type: DirectiveRequestRecovery}}
		}
		return nil
	}
	return []Directive{{Type: DirectiveCommitBlock, Block: block, Commits: ctx.commitVotes(view, hash)}}
}

func (h *MessageHandler) onChangeView(msg *ConsensusMessage, body *ChangeView) ([]Directive, error) {
	ctx := h.Context
	if body.NewView <= msg.ViewNumber {
		return nil, errors.Wrapf(ErrStaleView, "%s asks for view %d", msg, body.NewView)
	}
	status, err := ctx.recordChangeView(body.NewView, &Vote{Validator: msg.ValidatorIndex, Signature: msg.Signature, Message: msg})
	if err != nil {
		return nil, err
	}
	h.Logger.WithField("IM", ctx.MyIndex).WithField("from", msg.ValidatorIndex).WithField("target", body.NewView).
		WithField("reason", body.Reason).WithField("count", ctx.ChangeViewCount(body.NewView)).Debug("change view recorded")
	if status != QuorumReached {
		return nil, nil
	}
	if _, committed := ctx.Committed(); committed || ctx.CommitLocked() {
		h.Logger.WithField("IM", ctx.MyIndex).WithField("target", body.NewView).Info("change view quorum ignored, commit already sent")
		return nil, nil
	}
	oldView := ctx.View()
	advanced, err := ctx.ChangeView(body.NewView)
	if err != nil {
		return nil, err
	}
	return []Directive{{Type: DirectiveChangeView, OldView: oldView, NewView: body.NewView, ViewAdvanced: advanced}}, nil
}

func (h *MessageHandler) onRecoveryRequest(msg *ConsensusMessage, body *RecoveryRequest, replay bool) ([]Directive, error) {
	ctx := h.Context
	if replay || msg.ValidatorIndex == ctx.MyIndex || !ctx.Config.RecoveryEnabled {
		return nil, nil
	}
	return []Directive{{Type: DirectiveSendRecovery, SessionId: body.SessionId}}, nil
}

// onRecoveryMessage replays the embedded messages in protocol order through the regular
// paths. Each one is verified on its own; replay can corroborate or advance but never
// moves the view back.
func (h *MessageHandler) onRecoveryMessage(msg *ConsensusMessage, body *RecoveryMessage, replay bool) ([]Directive, error) {
	ctx := h.Context
	if replay || msg.ValidatorIndex == ctx.MyIndex {
		return nil, nil
	}
	var replayed []*ConsensusMessage
	replayed = append(replayed, body.ChangeViews...)
	if body.PrepareRequest != nil {
		replayed = append(replayed, body.PrepareRequest)
	}
	replayed = append(replayed, body.PrepareResponses...)
	replayed = append(replayed, body.Commits...)

	var directives []Directive
	accepted := 0
	for _, m := range replayed {
		if m == nil || m.Type() == MessageTypeRecoveryMessage || m.Type() == MessageTypeRecoveryRequest {
			continue
		}
		ds, err := h.handle(m, true)
		if err != nil {
			if errors.Cause(err) != ErrDuplicateVote && errors.Cause(err) != ErrDuplicatePrepareRequest {
				h.Logger.WithError(err).WithField("IM", ctx.MyIndex).Debug("replayed message dropped")
			}
			continue
		}
		accepted++
		directives = append(directives, ds...)
	}
	if !hasDirective(directives, DirectiveCommitBlock) && !hasDirective(directives, DirectiveSendCommit) {
		directives = append(directives, h.lateCommitDirective()...)
	}
	h.Logger.WithField("IM", ctx.MyIndex).WithField("from", msg.ValidatorIndex).WithField("session", body.SessionId).
		WithField("accepted", accepted).WithField("total", len(replayed)).Debug("recovery replayed")
	return compactDirectives(directives), nil
}

func hasDirective(directives []Directive, t DirectiveType) bool {
	for _, d := range directives {
		if d.Type == t {
			return true
		}
	}
	return false
}

// compactDirectives merges consecutive view changes into the last one, keeping the position of the first.
func compactDirectives(directives []Directive) []Directive {
	out := make([]Directive, 0, len(directives))
	cv := -1
	for _, d := range directives {
		if d.Type == DirectiveChangeView {
			if cv >= 0 {
				advanced := out[cv].ViewAdvanced || d.ViewAdvanced
				out[cv] = d
				out[cv].ViewAdvanced = advanced
				continue
			}
			cv = len(out)
		}
		out = append(out, d)
	}
	return out
}

func (h *MessageHandler) buffer(msg *ConsensusMessage) {
	key, err := msg.Hash()
	if err != nil {
		return
	}
	h.future.Add(key, msg)
	h.Logger.WithField("IM", h.Context.MyIndex).WithField("msg", msg).WithField("hr", h.Context.Round()).
		Trace("future message buffered")
}

// TakeBuffered removes and returns the buffered messages that became current, oldest first.
// Messages for heights already passed are discarded.
func (h *MessageHandler) TakeBuffered() []*ConsensusMessage {
	ctx := h.Context
	var ready []*ConsensusMessage
	for _, key := range h.future.Keys() {
		v, ok := h.future.Peek(key)
		if !ok {
			continue
		}
		msg := v.(*ConsensusMessage)
		switch {
		case msg.BlockIndex < ctx.BlockIndex():
			h.future.Remove(key)
		case msg.BlockIndex == ctx.BlockIndex() && (msg.ViewNumber <= ctx.View() || msg.Type() == MessageTypeChangeView):
			h.future.Remove(key)
			ready = append(ready, msg)
		}
	}
	return ready
}

func (h *MessageHandler) BufferedCount() int {
	return h.future.Len()
}
