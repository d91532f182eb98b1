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

type Transaction interface {
	Hash() Hash
	Size() int
	NetworkFee() uint64
}

// Mempool hands out transactions that already passed verification.
type Mempool interface {
	GetVerifiedTransactions(maxCount int, maxSize int) []Transaction
}

type Ledger interface {
	GetBlock(index BlockIndex) (*Block, bool)
	CurrentHeight() BlockIndex
}

// BlockCommitter receives every block this node finalizes.
type BlockCommitter interface {
	CommitBlock(block *Block) error
}

// Signer signs with the local validator key and verifies with any public key.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data []byte, signature []byte, pubKey []byte) bool
}

// Outbound is the non-blocking hand-off towards the network collaborator.
type Outbound interface {
	Send(msg *ConsensusMessage) error
}

// Scheduler fires TimeoutEvents. Scheduling replaces whatever was pending.
type Scheduler interface {
	Schedule(event TimeoutEvent)
	Cancel()
}

// SafetyStore remembers what this validator committed and signed so a restart cannot double sign.
type SafetyStore interface {
	// RecordSignedCommit fails with ErrDoubleSign when another hash was signed at index.
	RecordSignedCommit(index BlockIndex, hash Hash) error
	RecordCommitted(index BlockIndex, hash Hash) error
	Committed(index BlockIndex) (Hash, bool)
	Close() error
}
