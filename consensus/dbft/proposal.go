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
	"crypto/rand"
	"encoding/binary"
	"sort"

	"github.com/minio/sha256-simd"
)

func Sha256(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

func DoubleSha256(b []byte) Hash {
	first := sha256.Sum256(b)
	return Hash(sha256.Sum256(first[:]))
}

// MerkleRoot folds the hashes pairwise with double sha256, duplicating the last node of odd levels.
// An empty list yields the zero hash and a single hash is its own root.
func MerkleRoot(hashes []Hash) Hash {
	if len(hashes) == 0 {
		return Hash{}
	}
	level := make([]Hash, len(hashes))
	copy(level, hashes)
	buf := make([]byte, 2*HashLength)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := level[:0:0]
		for i := 0; i < len(level); i += 2 {
			copy(buf, level[i][:])
			copy(buf[HashLength:], level[i+1][:])
			next = append(next, DoubleSha256(buf))
		}
		level = next
	}
	return level[0]
}

// BlockHash is the identity of a proposal, covering the header fields only.
func BlockHash(b *PreparedBlock) Hash {
	buf := make([]byte, 0, 4+2*HashLength+8+8+4+2)
	buf = binary.LittleEndian.AppendUint32(buf, b.Version)
	buf = append(buf, b.PrevHash[:]...)
	buf = append(buf, b.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, b.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, b.Nonce)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Index))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(b.Proposer))
	return DoubleSha256(buf)
}

// NewPreparedBlock rebuilds the proposal carried by a PrepareRequest message.
func NewPreparedBlock(msg *ConsensusMessage) *PreparedBlock {
	req, ok := msg.Body.(*PrepareRequest)
	if !ok {
		return nil
	}
	hashes := make([]Hash, len(req.TransactionHashes))
	copy(hashes, req.TransactionHashes)
	b := &PreparedBlock{
		Index:             msg.BlockIndex,
		View:              msg.ViewNumber,
		Proposer:          msg.ValidatorIndex,
		Version:           msg.Version,
		PrevHash:          msg.PrevHash,
		MerkleRoot:        MerkleRoot(hashes),
		Timestamp:         msg.Timestamp,
		Nonce:             msg.Nonce,
		TransactionHashes: hashes,
	}
	b.Hash = BlockHash(b)
	return b
}

// SelectTransactions orders txs by fee per byte, highest first, and keeps the longest
// prefix that fits both limits. Duplicated hashes are skipped.
func SelectTransactions(txs []Transaction, maxCount int, maxSize int) []Transaction {
	sorted := make([]Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return feePerByteGreater(sorted[i], sorted[j])
	})

	selected := make([]Transaction, 0, len(sorted))
	seen := make(map[Hash]struct{}, len(sorted))
	size := 0
	for _, tx := range sorted {
		if len(selected) >= maxCount {
			break
		}
		if size+tx.Size() > maxSize {
			break
		}
		if _, ok := seen[tx.Hash()]; ok {
			continue
		}
		seen[tx.Hash()] = struct{}{}
		selected = append(selected, tx)
		size += tx.Size()
	}
	return selected
}

// compares a.fee/a.size > b.fee/b.size without division
func feePerByteGreater(a, b Transaction) bool {
	as, bs := uint64(a.Size()), uint64(b.Size())
	if as == 0 || bs == 0 {
		return as == 0 && bs != 0
	}
	return a.NetworkFee()*bs > b.NetworkFee()*as
}

// NewNonce draws a non-zero random nonce.
func NewNonce() (uint64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if n := binary.LittleEndian.Uint64(b[:]); n != 0 {
			return n, nil
		}
	}
}
