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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerkleRoot(t *testing.T) {
	assert.Equal(t, Hash{}, MerkleRoot(nil))

	a, b, c := Sha256([]byte("a")), Sha256([]byte("b")), Sha256([]byte("c"))
	assert.Equal(t, a, MerkleRoot([]Hash{a}))

	ab := DoubleSha256(append(a.Bytes(), b.Bytes()...))
	assert.Equal(t, ab, MerkleRoot([]Hash{a, b}))

	cc := DoubleSha256(append(c.Bytes(), c.Bytes()...))
	abc := DoubleSha256(append(ab.Bytes(), cc.Bytes()...))
	assert.Equal(t, abc, MerkleRoot([]Hash{a, b, c}))

	// input is left untouched
	in := []Hash{a, b, c}
	MerkleRoot(in)
	assert.Equal(t, []Hash{a, b, c}, in)
}

func TestBlockHashCoversHeader(t *testing.T) {
	c := newTestCommittee(t, 4)
	req := c.prepareRequest(t, 1, 1, 0, Hash{1}, Hash{2})
	b1 := NewPreparedBlock(req)
	require.NotNil(t, b1)
	assert.Equal(t, b1.Hash, BlockHash(b1))
	assert.Equal(t, MerkleRoot([]Hash{{1}, {2}}), b1.MerkleRoot)

	req2 := c.prepareRequest(t, 1, 1, 0, Hash{2}, Hash{1})
	assert.NotEqual(t, b1.Hash, NewPreparedBlock(req2).Hash)

	req3 := c.prepareRequest(t, 1, 1, 0, Hash{1}, Hash{2})
	req3.Nonce++
	assert.NotEqual(t, b1.Hash, NewPreparedBlock(req3).Hash)

	assert.Nil(t, NewPreparedBlock(c.changeView(t, 1, 1, 0)))
}

func TestSelectTransactions(t *testing.T) {
	txs := []Transaction{
		&testTx{hash: Hash{1}, size: 100, fee: 100},  // 1 per byte
		&testTx{hash: Hash{2}, size: 50, fee: 200},   // 4 per byte
		&testTx{hash: Hash{3}, size: 200, fee: 400},  // 2 per byte
		&testTx{hash: Hash{2}, size: 50, fee: 200},   // duplicate
		&testTx{hash: Hash{4}, size: 1000, fee: 100}, // 0.1 per byte
	}
	picked := SelectTransactions(txs, 10, 400)
	require.Len(t, picked, 3)
	assert.Equal(t, Hash{2}, picked[0].Hash())
	assert.Equal(t, Hash{3}, picked[1].Hash())
	assert.Equal(t, Hash{1}, picked[2].Hash())

	picked = SelectTransactions(txs, 2, 1<<20)
	require.Len(t, picked, 2)
	assert.Equal(t, Hash{3}, picked[1].Hash())

	assert.Empty(t, SelectTransactions(nil, 10, 10))
}

func TestNewNonce(t *testing.T) {
	n1, err := NewNonce()
	require.NoError(t, err)
	n2, err := NewNonce()
	require.NoError(t, err)
	assert.NotZero(t, n1)
	assert.NotEqual(t, n1, n2)
}
