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
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidConfig          = errors.New("invalid config")
	ErrMessageHandling        = errors.New("message handling failed")
	ErrNotRunning             = errors.New("engine is not running")

	ErrInvalidSignature        = errors.New("invalid signature")
	ErrUnknownValidator        = errors.New("unknown validator")
	ErrWrongBlockIndex         = errors.New("wrong block index")
	ErrStaleView               = errors.New("stale view")
	ErrNotPrimary              = errors.New("sender is not the primary")
	ErrInvalidProposal         = errors.New("invalid proposal")
	ErrDuplicatePrepareRequest = errors.New("duplicate prepare request")
	ErrDuplicateVote           = errors.New("duplicate vote")
	ErrConflictingVote         = errors.New("conflicting vote")
	ErrHashMismatch            = errors.New("preparation hash does not match proposal")
	ErrOutboundClosed          = errors.New("outbound channel closed")
	ErrDoubleSign              = errors.New("refusing to sign a second commit at this height")
	ErrUnknownPreviousBlock    = errors.New("previous block not found in ledger")
	ErrDecode                  = errors.New("malformed message")
)

// StateTransitionError is returned when a lifecycle call is made from the wrong state.
type StateTransitionError struct {
	From DbftState
	To   DbftState
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// IsDrop tells whether err only means the message was discarded.
func IsDrop(err error) bool {
	switch errors.Cause(err) {
	case ErrInvalidSignature, ErrUnknownValidator, ErrWrongBlockIndex, ErrStaleView, ErrNotPrimary,
		ErrInvalidProposal, ErrDuplicatePrepareRequest, ErrDuplicateVote, ErrConflictingVote,
		ErrHashMismatch, ErrDecode:
		return true
	}
	return false
}
