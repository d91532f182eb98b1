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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextStartRound(t *testing.T) {
	c := newTestCommittee(t, 4)
	sched := &manualScheduler{}
	ctx := c.context(5, 2, sched)

	assert.Equal(t, Round{BlockIndex: 5}, ctx.Round())
	assert.Equal(t, ValidatorIndex(1), ctx.Primary())
	assert.False(t, ctx.AmIPrimary())
	assert.Equal(t, PhaseInitial, ctx.Phase())

	advanced, err := ctx.ChangeView(3)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, ValidatorIndex(0), ctx.Primary())

	advanced, err = ctx.ChangeView(3)
	require.NoError(t, err)
	assert.False(t, advanced)

	_, err = ctx.ChangeView(2)
	assert.True(t, errors.Is(err, ErrStaleView))
	assert.Equal(t, ViewNumber(3), ctx.View())

	ctx.StartRound(6)
	assert.Equal(t, Round{BlockIndex: 6}, ctx.Round())
	assert.Equal(t, ValidatorIndex(2), ctx.Primary())
	assert.True(t, ctx.AmIPrimary())
}

func TestContextPrepareRequestOnce(t *testing.T) {
	c := newTestCommittee(t, 4)
	ctx := c.context(1, 0, &manualScheduler{})

	block, err := ctx.RecordPrepareRequest(c.prepareRequest(t, 1, 1, 0, Hash{1}))
	require.NoError(t, err)
	assert.Equal(t, block, ctx.CurrentProposal())
	// the primary prepared implicitly
	assert.Equal(t, 1, ctx.ResponseCount(0))

	// the same proposal again is a plain duplicate
	_, err = ctx.RecordPrepareRequest(c.prepareRequest(t, 1, 1, 0, Hash{1}))
	assert.True(t, errors.Is(err, ErrDuplicatePrepareRequest))
	assert.Equal(t, 0, ctx.Evidence.Len())

	// a different proposal for the same view is equivocation
	_, err = ctx.RecordPrepareRequest(c.prepareRequest(t, 1, 1, 0, Hash{2}))
	assert.True(t, errors.Is(err, ErrDuplicatePrepareRequest))
	assert.Equal(t, block.Hash, ctx.CurrentProposal().Hash)
	require.Equal(t, 1, ctx.Evidence.Len())
	assert.Equal(t, ValidatorIndex(1), ctx.Evidence.List()[0].Validator)

	_, err = ctx.RecordPrepareRequest(c.prepareRequest(t, 1, 2, 0))
	assert.True(t, errors.Is(err, ErrWrongBlockIndex))
}

func TestContextCommitQuorum(t *testing.T) {
	c := newTestCommittee(t, 4)
	ctx := c.context(1, 0, &manualScheduler{})
	h := Hash{5}

	for i, want := range []QuorumStatus{QuorumPending, QuorumPending, QuorumReached, QuorumHeld} {
		status, err := ctx.RecordCommit(ValidatorIndex(i), []byte{byte(i)}, h)
		require.NoError(t, err)
		assert.Equal(t, want, status, "vote %d", i)
	}
	assert.Equal(t, 4, ctx.CommitCount(0, h))

	_, err := ctx.RecordCommit(1, []byte{1}, h)
	assert.Equal(t, ErrDuplicateVote, errors.Cause(err))
	_, err = ctx.RecordCommit(1, []byte{9}, Hash{6})
	assert.Equal(t, ErrConflictingVote, errors.Cause(err))
	assert.True(t, ctx.Evidence.IsSuspect(1))
}

func TestContextChangeViewTargets(t *testing.T) {
	c := newTestCommittee(t, 4)
	ctx := c.context(1, 0, &manualScheduler{})

	// votes for different targets never add up
	status, err := ctx.RecordChangeView(1, 1, ReasonPrepareRequestTimeout)
	require.NoError(t, err)
	assert.Equal(t, QuorumPending, status)
	status, err = ctx.RecordChangeView(2, 2, ReasonPrepareRequestTimeout)
	require.NoError(t, err)
	assert.Equal(t, QuorumPending, status)
	status, err = ctx.RecordChangeView(3, 1, ReasonPrepareRequestTimeout)
	require.NoError(t, err)
	assert.Equal(t, QuorumPending, status)
	assert.Equal(t, 2, ctx.ChangeViewCount(1))

	status, err = ctx.RecordChangeView(0, 1, ReasonPrepareRequestTimeout)
	require.NoError(t, err)
	assert.Equal(t, QuorumReached, status)

	_, err = ctx.ChangeView(2)
	require.NoError(t, err)
	_, err = ctx.RecordChangeView(1, 1, ReasonPrepareRequestTimeout)
	assert.True(t, errors.Is(err, ErrStaleView))
}

func TestContextTimers(t *testing.T) {
	c := newTestCommittee(t, 4)
	sched := &manualScheduler{}
	ctx := c.context(1, 0, sched)

	first := ctx.StartTimer(TimerPrepareRequest)
	assert.True(t, ctx.IsCurrentTimer(first))
	assert.Equal(t, 2*time.Second, sched.last().Duration)

	second := ctx.StartTimer(TimerCommit)
	assert.False(t, ctx.IsCurrentTimer(first))
	assert.True(t, ctx.IsCurrentTimer(second))

	_, err := ctx.ChangeView(2)
	require.NoError(t, err)
	assert.False(t, ctx.IsCurrentTimer(second), "a timer of an abandoned view is stale")

	third := ctx.StartTimer(TimerPrepareRequest)
	assert.Equal(t, 8*time.Second, sched.last().Duration)
	ctx.StopAllTimers()
	assert.False(t, ctx.IsCurrentTimer(third))

	ctx.StartTimer(TimerRecovery)
	assert.Equal(t, 3*time.Second, sched.last().Duration)
}

func TestContextCommitLock(t *testing.T) {
	c := newTestCommittee(t, 4)
	ctx := c.context(1, 0, &manualScheduler{})
	assert.False(t, ctx.CommitLocked())

	ctx.MarkCommitSent(0, Hash{3})
	hash, view, locked := ctx.LockedBlock()
	assert.True(t, locked)
	assert.Equal(t, Hash{3}, hash)
	assert.Equal(t, ViewNumber(0), view)

	ctx.MarkCommitted(Hash{3})
	ctx.SetPhase(PhaseChangeViewing)
	assert.Equal(t, PhaseCommitted, ctx.Phase())

	ctx.StartRound(2)
	assert.False(t, ctx.CommitLocked())
	_, committed := ctx.Committed()
	assert.False(t, committed)
}

func TestRecoveryPayload(t *testing.T) {
	c := newTestCommittee(t, 4)
	h := c.handler(t, 1, 0)
	ctx := h.Context

	req := c.prepareRequest(t, 1, 1, 0)
	_, err := h.Handle(req)
	require.NoError(t, err)
	block := ctx.CurrentProposal()
	_, err = h.Handle(c.response(t, 2, block))
	require.NoError(t, err)
	_, err = h.Handle(c.commit(t, 2, 1, 0, block.Hash))
	require.NoError(t, err)
	_, err = h.Handle(c.changeView(t, 3, 1, 0))
	require.NoError(t, err)

	payload := ctx.RecoveryPayload("abc")
	assert.Equal(t, "abc", payload.SessionId)
	assert.Equal(t, req, payload.PrepareRequest)
	require.Len(t, payload.PrepareResponses, 1)
	assert.Equal(t, ValidatorIndex(2), payload.PrepareResponses[0].ValidatorIndex)
	assert.Len(t, payload.Commits, 1)
	assert.Len(t, payload.ChangeViews, 1)

	snap := ctx.Snapshot()
	assert.Equal(t, 3, snap.Quorum)
	require.Len(t, snap.Views, 1)
	assert.Equal(t, 2, snap.Views[0].Responses)
	assert.Equal(t, 1, snap.ChangeViews[1])
}

func TestContextKeepsOneChangeViewPerValidator(t *testing.T) {
	c := newTestCommittee(t, 4)
	h := c.handler(t, 1, 0)
	ctx := h.Context

	for target := ViewNumber(1); target <= 200; target++ {
		msg := c.changeView(t, 3, 1, target-1)
		_, err := h.Handle(msg)
		require.NoError(t, err)
	}
	payload := ctx.RecoveryPayload("s")
	require.Len(t, payload.ChangeViews, 1)
	assert.Equal(t, ViewNumber(200), payload.ChangeViews[0].Body.(*ChangeView).NewView)
	assert.Equal(t, 1, ctx.ChangeViewCount(200))
	assert.Zero(t, ctx.ChangeViewCount(1))
	assert.Zero(t, ctx.ChangeViewCount(199))
	assert.Equal(t, map[ViewNumber]int{200: 1}, ctx.Snapshot().ChangeViews)

	_, err := ctx.recordChangeView(5, &Vote{Validator: 3})
	assert.True(t, errors.Is(err, ErrStaleView))
	_, err = ctx.recordChangeView(200, &Vote{Validator: 3})
	assert.Equal(t, ErrDuplicateVote, err)
	assert.Equal(t, 1, ctx.ChangeViewCount(200))
}
