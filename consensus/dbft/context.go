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
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// viewState is everything collected for one view of the current height.
// States of abandoned views are kept for diagnostics and recovery.
type viewState struct {
	prepareRequest *ConsensusMessage
	proposal       *PreparedBlock
	responses      *VoteCollector
	commits        *VoteCollector
	// responses that arrived before the proposal they reference
	parked       []*ConsensusMessage
	responseSent bool
}

// changeViewVote is the highest view a validator asked for at this height.
type changeViewVote struct {
	target ViewNumber
	vote   *Vote
}

// ConsensusContext holds the state of the round in progress. It is owned by a single
// engine and is not safe for concurrent use.
type ConsensusContext struct {
	Config     *Config
	Validators *ValidatorSet
	MyIndex    ValidatorIndex
	Scheduler  Scheduler
	Evidence   *EvidencePool
	Logger     *logrus.Logger

	round         Round
	primary       ValidatorIndex
	phase         Phase
	prevHash      Hash
	prevTimestamp uint64
	startedAt     time.Time

	views             map[ViewNumber]*viewState
	changeViews       map[ValidatorIndex]*changeViewVote
	changeViewQuorums map[ViewNumber]bool

	timerSeq uint64
	timer    *TimerToken

	commitLocked bool
	lockedHash   Hash
	lockedView   ViewNumber
	committed    bool
	commitHash   Hash
}

func NewConsensusContext(config *Config, validators *ValidatorSet, myIndex ValidatorIndex, scheduler Scheduler) *ConsensusContext {
	c := &ConsensusContext{
		Config:     config,
		Validators: validators,
		MyIndex:    myIndex,
		Scheduler:  scheduler,
		Evidence:   NewEvidencePool(),
		Logger:     logrus.StandardLogger(),
	}
	c.reset()
	return c
}

func (c *ConsensusContext) reset() {
	c.views = make(map[ViewNumber]*viewState)
	c.changeViews = make(map[ValidatorIndex]*changeViewVote)
	c.changeViewQuorums = make(map[ViewNumber]bool)
	c.commitLocked = false
	c.lockedHash = Hash{}
	c.lockedView = 0
	c.committed = false
	c.commitHash = Hash{}
}

// StartRound clears every per-round vote set and enters view 0 of blockIndex.
func (c *ConsensusContext) StartRound(blockIndex BlockIndex) {
	c.StopAllTimers()
	c.reset()
	c.round = Round{BlockIndex: blockIndex}
	c.primary = c.Validators.Primary(c.round)
	if blockIndex > EvidenceRetention {
		c.Evidence.Prune(blockIndex - EvidenceRetention)
	}
	c.phase = PhaseInitial
	c.startedAt = time.Now()
	c.Logger.WithField("IM", c.MyIndex).WithField("hr", c.round).
		WithField("primary", c.primary).Debug("round started")
}

// SetPrevious records the block the current height builds on.
func (c *ConsensusContext) SetPrevious(hash Hash, timestamp uint64) {
	c.prevHash = hash
	c.prevTimestamp = timestamp
}

func (c *ConsensusContext) PrevHash() Hash {
	return c.prevHash
}

func (c *ConsensusContext) PrevTimestamp() uint64 {
	return c.prevTimestamp
}

func (c *ConsensusContext) Round() Round {
	return c.round
}

func (c *ConsensusContext) BlockIndex() BlockIndex {
	return c.round.BlockIndex
}

func (c *ConsensusContext) View() ViewNumber {
	return c.round.ViewNumber
}

func (c *ConsensusContext) Primary() ValidatorIndex {
	return c.primary
}

func (c *ConsensusContext) AmIPrimary() bool {
	return c.primary == c.MyIndex
}

func (c *ConsensusContext) Phase() Phase {
	return c.phase
}

func (c *ConsensusContext) SetPhase(p Phase) {
	if c.phase == PhaseCommitted {
		return
	}
	c.phase = p
}

func (c *ConsensusContext) StartedAt() time.Time {
	return c.startedAt
}

// ChangeView moves to newView. Views never go backwards; moving to the current view is a no-op
// reported as false.
func (c *ConsensusContext) ChangeView(newView ViewNumber) (bool, error) {
	if newView < c.round.ViewNumber {
		return false, errors.Wrapf(ErrStaleView, "cannot go back from view %d to %d", c.round.ViewNumber, newView)
	}
	if newView == c.round.ViewNumber {
		return false, nil
	}
	old := c.round
	c.round.ViewNumber = newView
	c.primary = c.Validators.Primary(c.round)
	c.Logger.WithField("IM", c.MyIndex).WithField("from", old).WithField("to", c.round).
		WithField("primary", c.primary).Info("view changed")
	return true, nil
}

func (c *ConsensusContext) state(view ViewNumber) *viewState {
	s, ok := c.views[view]
	if !ok {
		s = &viewState{
			responses: NewVoteCollector(c.Validators.M()),
			commits:   NewVoteCollector(c.Validators.M()),
		}
		c.views[view] = s
	}
	return s
}

// RecordPrepareRequest accepts the proposal for the message's view exactly once.
// Any later proposal for that view is rejected without touching state.
func (c *ConsensusContext) RecordPrepareRequest(msg *ConsensusMessage) (*PreparedBlock, error) {
	block, _, err := c.recordPrepareRequest(msg)
	return block, err
}

func (c *ConsensusContext) recordPrepareRequest(msg *ConsensusMessage) (*PreparedBlock, QuorumStatus, error) {
	if msg.BlockIndex != c.round.BlockIndex {
		return nil, QuorumPending, errors.Wrapf(ErrWrongBlockIndex, "proposal for %d at height %d", msg.BlockIndex, c.round.BlockIndex)
	}
	block := NewPreparedBlock(msg)
	if block == nil {
		return nil, QuorumPending, errors.Wrap(ErrInvalidProposal, "not a prepare request")
	}
	s := c.state(msg.ViewNumber)
	if s.proposal != nil {
		if s.proposal.Hash != block.Hash {
			c.Evidence.Add(&Evidence{
				Validator:   msg.ValidatorIndex,
				Round:       msg.Round(),
				MessageType: MessageTypePrepareRequest,
				FirstHash:   s.proposal.Hash,
				SecondHash:  block.Hash,
				FirstSig:    s.prepareRequest.Signature,
				SecondSig:   msg.Signature,
			})
		}
		return nil, QuorumPending, errors.Wrapf(ErrDuplicatePrepareRequest, "view %d already has %s", msg.ViewNumber, s.proposal.Hash.TerminalString())
	}
	s.prepareRequest = msg
	s.proposal = block

	// the primary's proposal counts as its own preparation
	status, _, err := s.responses.Collect(&Vote{
		Validator: msg.ValidatorIndex,
		Hash:      block.Hash,
		Signature: msg.Signature,
	})
	if err != nil {
		status = QuorumPending
	}
	return block, status, nil
}

func (c *ConsensusContext) Proposal(view ViewNumber) *PreparedBlock {
	if s, ok := c.views[view]; ok {
		return s.proposal
	}
	return nil
}

func (c *ConsensusContext) CurrentProposal() *PreparedBlock {
	return c.Proposal(c.round.ViewNumber)
}

// RecordPrepareResponse adds one preparation vote for the current view.
func (c *ConsensusContext) RecordPrepareResponse(validator ValidatorIndex, signature []byte, preparationHash Hash) (QuorumStatus, error) {
	return c.recordResponse(c.round.ViewNumber, &Vote{Validator: validator, Hash: preparationHash, Signature: signature})
}

func (c *ConsensusContext) recordResponse(view ViewNumber, v *Vote) (QuorumStatus, error) {
	return c.collect(c.state(view).responses, view, MessageTypePrepareResponse, v)
}

// RecordCommit adds one commit vote for the current view. Quorum is per identical block hash.
func (c *ConsensusContext) RecordCommit(validator ValidatorIndex, signature []byte, blockHash Hash) (QuorumStatus, error) {
	return c.recordCommit(c.round.ViewNumber, &Vote{Validator: validator, Hash: blockHash, Signature: signature})
}

func (c *ConsensusContext) recordCommit(view ViewNumber, v *Vote) (QuorumStatus, error) {
	return c.collect(c.state(view).commits, view, MessageTypeCommit, v)
}

// RecordChangeView adds one vote for targetView. Quorum is per identical target and only
// targets at or above the current view are counted. Each validator holds a single vote: a
// higher target replaces the earlier one and lower targets are refused.
func (c *ConsensusContext) RecordChangeView(validator ValidatorIndex, targetView ViewNumber, reason ViewChangeReason) (QuorumStatus, error) {
	return c.recordChangeView(targetView, &Vote{Validator: validator})
}

func (c *ConsensusContext) recordChangeView(target ViewNumber, v *Vote) (QuorumStatus, error) {
	if target < c.round.ViewNumber {
		return QuorumPending, errors.Wrapf(ErrStaleView, "change view to %d while in view %d", target, c.round.ViewNumber)
	}
	if prev, ok := c.changeViews[v.Validator]; ok {
		if prev.target == target {
			return c.changeViewStatus(target), ErrDuplicateVote
		}
		if prev.target > target {
			return QuorumPending, errors.Wrapf(ErrStaleView, "validator %d already asked for view %d", v.Validator, prev.target)
		}
	}
	c.changeViews[v.Validator] = &changeViewVote{target: target, vote: v}
	if !c.changeViewQuorums[target] && c.ChangeViewCount(target) >= c.Validators.M() {
		c.changeViewQuorums[target] = true
		return QuorumReached, nil
	}
	return c.changeViewStatus(target), nil
}

func (c *ConsensusContext) changeViewStatus(target ViewNumber) QuorumStatus {
	if c.changeViewQuorums[target] {
		return QuorumHeld
	}
	return QuorumPending
}

func (c *ConsensusContext) collect(collector *VoteCollector, view ViewNumber, t MessageType, v *Vote) (QuorumStatus, error) {
	status, prev, err := collector.Collect(v)
	switch err {
	case nil:
		return status, nil
	case ErrConflictingVote:
		c.Evidence.Add(&Evidence{
			Validator:   v.Validator,
			Round:       Round{BlockIndex: c.round.BlockIndex, ViewNumber: view},
			MessageType: t,
			FirstHash:   prev.Hash,
			SecondHash:  v.Hash,
			FirstSig:    prev.Signature,
			SecondSig:   v.Signature,
		})
		return status, errors.Wrapf(err, "validator %d voted %s then %s", v.Validator, prev.Hash.TerminalString(), v.Hash.TerminalString())
	default:
		return status, err
	}
}

func (c *ConsensusContext) park(msg *ConsensusMessage) {
	s := c.state(msg.ViewNumber)
	s.parked = append(s.parked, msg)
}

func (c *ConsensusContext) takeParked(view ViewNumber) []*ConsensusMessage {
	s := c.state(view)
	parked := s.parked
	s.parked = nil
	return parked
}

func (c *ConsensusContext) ResponseSent(view ViewNumber) bool {
	if s, ok := c.views[view]; ok {
		return s.responseSent
	}
	return false
}

func (c *ConsensusContext) MarkResponseSent(view ViewNumber) {
	c.state(view).responseSent = true
}

// MarkCommitSent locks this node on the block hash of view for the rest of the height.
func (c *ConsensusContext) MarkCommitSent(view ViewNumber, hash Hash) {
	c.commitLocked = true
	c.lockedHash = hash
	c.lockedView = view
}

func (c *ConsensusContext) CommitLocked() bool {
	return c.commitLocked
}

// LockedBlock returns the block hash and view this node sent its commit for.
func (c *ConsensusContext) LockedBlock() (Hash, ViewNumber, bool) {
	return c.lockedHash, c.lockedView, c.commitLocked
}

func (c *ConsensusContext) MarkCommitted(hash Hash) {
	c.committed = true
	c.commitHash = hash
	c.phase = PhaseCommitted
}

func (c *ConsensusContext) Committed() (Hash, bool) {
	return c.commitHash, c.committed
}

// ResponseCount is the number of distinct validators that prepared in view.
func (c *ConsensusContext) ResponseCount(view ViewNumber) int {
	if s, ok := c.views[view]; ok {
		return s.responses.Total()
	}
	return 0
}

func (c *ConsensusContext) ResponsesCollected(view ViewNumber, hash Hash) bool {
	if s, ok := c.views[view]; ok {
		return s.responses.Collected(hash)
	}
	return false
}

func (c *ConsensusContext) CommitCount(view ViewNumber, hash Hash) int {
	if s, ok := c.views[view]; ok {
		return s.commits.Count(hash)
	}
	return 0
}

func (c *ConsensusContext) commitsCollected(view ViewNumber, hash Hash) bool {
	if s, ok := c.views[view]; ok {
		return s.commits.Collected(hash)
	}
	return false
}

func (c *ConsensusContext) commitVotes(view ViewNumber, hash Hash) []*Vote {
	if s, ok := c.views[view]; ok {
		return s.commits.Votes(hash)
	}
	return nil
}

// ChangeViewCount is the number of validators whose latest change view asks for target.
func (c *ConsensusContext) ChangeViewCount(target ViewNumber) int {
	n := 0
	for _, cv := range c.changeViews {
		if cv.target == target {
			n++
		}
	}
	return n
}

// StartTimer arms the single round timer. Any previously armed timer becomes stale.
func (c *ConsensusContext) StartTimer(t TimerType) TimerToken {
	c.timerSeq++
	token := TimerToken{Round: c.round, Type: t, Seq: c.timerSeq}
	c.timer = &token
	d := c.Config.Timeout(c.round.ViewNumber)
	if t == TimerRecovery {
		d = c.Config.RecoveryTimeout
	}
	if c.Scheduler != nil {
		c.Scheduler.Schedule(TimeoutEvent{Token: token, Duration: d})
	}
	c.Logger.WithField("IM", c.MyIndex).WithField("token", token).WithField("after", d).Trace("timer started")
	return token
}

func (c *ConsensusContext) StopAllTimers() {
	c.timerSeq++
	c.timer = nil
	if c.Scheduler != nil {
		c.Scheduler.Cancel()
	}
}

// IsCurrentTimer tells whether token is the timer armed for the present round and view.
func (c *ConsensusContext) IsCurrentTimer(token TimerToken) bool {
	return c.timer != nil && *c.timer == token && token.Round == c.round
}

// RecoveryPayload collects the signed messages of this height that a lagging peer needs.
func (c *ConsensusContext) RecoveryPayload(sessionId string) *RecoveryMessage {
	r := &RecoveryMessage{SessionId: sessionId}

	for _, cv := range c.changeViews {
		if cv.target >= c.round.ViewNumber && cv.vote.Message != nil {
			r.ChangeViews = append(r.ChangeViews, cv.vote.Message)
		}
	}
	sort.Slice(r.ChangeViews, func(i, j int) bool {
		return r.ChangeViews[i].ValidatorIndex < r.ChangeViews[j].ValidatorIndex
	})

	if s, ok := c.views[c.round.ViewNumber]; ok {
		r.PrepareRequest = s.prepareRequest
		r.PrepareResponses = s.responses.Messages()
	}

	var views []ViewNumber
	for view := range c.views {
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })
	for _, view := range views {
		r.Commits = append(r.Commits, c.views[view].commits.Messages()...)
	}
	return r
}

type ViewSnapshot struct {
	View           ViewNumber `json:"view"`
	Proposal       *Hash      `json:"proposal,omitempty"`
	Responses      int        `json:"responses"`
	Commits        int        `json:"commits"`
	ParkedMessages int        `json:"parked"`
}

type ContextSnapshot struct {
	Round        Round              `json:"-"`
	BlockIndex   BlockIndex         `json:"block_index"`
	View         ViewNumber         `json:"view"`
	Primary      ValidatorIndex     `json:"primary"`
	MyIndex      ValidatorIndex     `json:"my_index"`
	Phase        Phase              `json:"phase"`
	Validators   int                `json:"validators"`
	Quorum       int                `json:"quorum"`
	CommitLocked bool               `json:"commit_locked"`
	LockedHash   *Hash              `json:"locked_hash,omitempty"`
	Committed    bool               `json:"committed"`
	Views        []ViewSnapshot     `json:"views"`
	ChangeViews  map[ViewNumber]int `json:"change_views"`
	Timer        *TimerToken        `json:"-"`
}

func (c *ConsensusContext) Snapshot() ContextSnapshot {
	snap := ContextSnapshot{
		Round:        c.round,
		BlockIndex:   c.round.BlockIndex,
		View:         c.round.ViewNumber,
		Primary:      c.primary,
		MyIndex:      c.MyIndex,
		Phase:        c.phase,
		Validators:   c.Validators.N(),
		Quorum:       c.Validators.M(),
		CommitLocked: c.commitLocked,
		Committed:    c.committed,
		ChangeViews:  make(map[ViewNumber]int, len(c.changeViews)),
	}
	if c.commitLocked {
		h := c.lockedHash
		snap.LockedHash = &h
	}
	if c.timer != nil {
		t := *c.timer
		snap.Timer = &t
	}
	for view, s := range c.views {
		vs := ViewSnapshot{
			View:           view,
			Responses:      s.responses.Total(),
			Commits:        s.commits.Total(),
			ParkedMessages: len(s.parked),
		}
		if s.proposal != nil {
			h := s.proposal.Hash
			vs.Proposal = &h
		}
		snap.Views = append(snap.Views, vs)
	}
	sort.Slice(snap.Views, func(i, j int) bool { return snap.Views[i].View < snap.Views[j].View })
	for _, cv := range c.changeViews {
		snap.ChangeViews[cv.target]++
	}
	return snap
}
