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
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type BlockIndex uint32

type ViewNumber uint32

type ValidatorIndex uint16

// Round identifies one consensus attempt: a block height and the view within it.
type Round struct {
	BlockIndex BlockIndex
	ViewNumber ViewNumber
}

func (r Round) String() string {
	return fmt.Sprintf("[%d-%d]", r.BlockIndex, r.ViewNumber)
}

func (r Round) IsAfter(o Round) bool {
	return r.BlockIndex > o.BlockIndex || (r.BlockIndex == o.BlockIndex && r.ViewNumber > o.ViewNumber)
}

func (r Round) IsAfterOrEqual(o Round) bool {
	return r.IsAfter(o) || r == o
}

func (r Round) IsBefore(o Round) bool {
	return o.IsAfter(r)
}

const HashLength = 32

type Hash [HashLength]byte

func BytesToHash(b []byte) (h Hash) {
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// TerminalString returns a shortened form for logs.
func (h Hash) TerminalString() string {
	return fmt.Sprintf("%x…%x", h[:3], h[29:])
}

func (h Hash) String() string {
	return h.Hex()
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

type DbftState int32

const (
	StateStopped DbftState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s DbftState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

func (s DbftState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Phase is the per-round protocol position, independent from the engine lifecycle.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseProposed
	PhaseAwaitingProposal
	PhaseResponsesCollecting
	PhaseCommitCollecting
	PhaseCommitted
	PhaseChangeViewing
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "Initial"
	case PhaseProposed:
		return "Proposed"
	case PhaseAwaitingProposal:
		return "AwaitingProposal"
	case PhaseResponsesCollecting:
		return "ResponsesCollecting"
	case PhaseCommitCollecting:
		return "CommitCollecting"
	case PhaseCommitted:
		return "Committed"
	case PhaseChangeViewing:
		return "ChangeViewing"
	default:
		return "Unknown"
	}
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

type ViewChangeReason uint8

const (
	ReasonPrepareRequestTimeout ViewChangeReason = iota
	ReasonPrepareResponseTimeout
	ReasonCommitTimeout
	ReasonInvalidPrepareRequest
	ReasonPrimaryFailure
	ReasonNetworkPartition
	ReasonManual
)

func (r ViewChangeReason) String() string {
	switch r {
	case ReasonPrepareRequestTimeout:
		return "PrepareRequestTimeout"
	case ReasonPrepareResponseTimeout:
		return "PrepareResponseTimeout"
	case ReasonCommitTimeout:
		return "CommitTimeout"
	case ReasonInvalidPrepareRequest:
		return "InvalidPrepareRequest"
	case ReasonPrimaryFailure:
		return "PrimaryFailure"
	case ReasonNetworkPartition:
		return "NetworkPartition"
	case ReasonManual:
		return "Manual"
	default:
		return "Unknown"
	}
}

func (r ViewChangeReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

type TimerType int

const (
	TimerPrepareRequest TimerType = iota
	TimerPrepareResponse
	TimerCommit
	TimerChangeView
	TimerRecovery
)

func (t TimerType) String() string {
	switch t {
	case TimerPrepareRequest:
		return "PrepareRequest"
	case TimerPrepareResponse:
		return "PrepareResponse"
	case TimerCommit:
		return "Commit"
	case TimerChangeView:
		return "ChangeView"
	case TimerRecovery:
		return "Recovery"
	default:
		return "Unknown"
	}
}

// Reason maps an expired timer to the view change it causes.
func (t TimerType) Reason() ViewChangeReason {
	switch t {
	case TimerPrepareResponse:
		return ReasonPrepareResponseTimeout
	case TimerCommit:
		return ReasonCommitTimeout
	case TimerChangeView:
		return ReasonNetworkPartition
	default:
		return ReasonPrepareRequestTimeout
	}
}

// QuorumStatus reports what a single vote did to its tally.
type QuorumStatus int

const (
	// QuorumPending: threshold not met yet.
	QuorumPending QuorumStatus = iota
	// QuorumReached: this vote crossed the threshold.
	QuorumReached
	// QuorumHeld: threshold was already met by earlier votes.
	QuorumHeld
)

func (q QuorumStatus) String() string {
	switch q {
	case QuorumPending:
		return "Pending"
	case QuorumReached:
		return "Reached"
	case QuorumHeld:
		return "Held"
	default:
		return "Unknown"
	}
}

// PreparedBlock is the primary's proposal for one (block index, view).
type PreparedBlock struct {
	Hash              Hash           `json:"hash"`
	Index             BlockIndex     `json:"index"`
	View              ViewNumber     `json:"view"`
	Proposer          ValidatorIndex `json:"proposer"`
	Version           uint32         `json:"version"`
	PrevHash          Hash           `json:"prev_hash"`
	MerkleRoot        Hash           `json:"merkle_root"`
	Timestamp         uint64         `json:"timestamp"`
	Nonce             uint64         `json:"nonce"`
	TransactionHashes []Hash         `json:"transaction_hashes"`
}

// Block is a finalized block: the accepted proposal plus the commit signatures that sealed it.
type Block struct {
	PreparedBlock
	Commits map[ValidatorIndex][]byte `json:"-"`
}
