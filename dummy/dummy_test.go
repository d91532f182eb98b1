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
package dummy

import (
	"sync"
	"testing"
	"time"

	"github.com/annchain/dbft/common/crypto"
	"github.com/annchain/dbft/consensus/dbft"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMempoolOrdersByFeePerByte(t *testing.T) {
	m := NewMempool(3)
	require.NoError(t, m.Add(&Tx{TxHash: dbft.Hash{1}, TxSize: 100, Fee: 100}))
	require.NoError(t, m.Add(&Tx{TxHash: dbft.Hash{2}, TxSize: 10, Fee: 100}))
	require.NoError(t, m.Add(&Tx{TxHash: dbft.Hash{3}, TxSize: 100, Fee: 100}))
	assert.Equal(t, ErrTxAlreadyExists, m.Add(&Tx{TxHash: dbft.Hash{1}, TxSize: 1, Fee: 1}))
	assert.Equal(t, ErrMempoolFull, m.Add(&Tx{TxHash: dbft.Hash{4}, TxSize: 1, Fee: 1}))

	txs := m.GetVerifiedTransactions(10, 1000)
	require.Len(t, txs, 3)
	assert.Equal(t, dbft.Hash{2}, txs[0].Hash())
	assert.Equal(t, dbft.Hash{1}, txs[1].Hash(), "ties keep arrival order")
	assert.Equal(t, dbft.Hash{3}, txs[2].Hash())
	assert.Equal(t, 3, m.Len(), "reading leaves the pool intact")

	assert.Len(t, m.GetVerifiedTransactions(1, 1000), 1)
	assert.Len(t, m.GetVerifiedTransactions(10, 150), 2)

	m.Remove([]dbft.Hash{{2}, {9}})
	txs = m.GetVerifiedTransactions(10, 1000)
	require.Len(t, txs, 2)
	assert.Equal(t, dbft.Hash{1}, txs[0].Hash())
}

func TestLedgerCommit(t *testing.T) {
	genesis := Genesis(1000)
	pool := NewMempool(0)
	require.NoError(t, pool.Add(&Tx{TxHash: dbft.Hash{7}, TxSize: 1, Fee: 1}))
	l := NewLedger(genesis)
	l.Mempool = pool
	var seen []*dbft.Block
	l.OnCommit = func(b *dbft.Block) { seen = append(seen, b) }

	b1 := &dbft.Block{PreparedBlock: dbft.PreparedBlock{Index: 1, PrevHash: genesis.Hash, TransactionHashes: []dbft.Hash{{7}}}}
	b1.Hash = dbft.BlockHash(&b1.PreparedBlock)
	require.NoError(t, l.CommitBlock(b1))
	assert.Equal(t, dbft.BlockIndex(1), l.CurrentHeight())
	assert.Equal(t, b1, l.Head())
	assert.Equal(t, 0, pool.Len())
	assert.Len(t, seen, 1)

	err := l.CommitBlock(b1)
	assert.True(t, errors.Is(err, ErrBlockOutOfOrder))
	_, ok := l.GetBlock(2)
	assert.False(t, ok)
}

type collectingReceiver struct {
	mu   sync.Mutex
	msgs []*dbft.ConsensusMessage
}

func (r *collectingReceiver) Submit(msg *dbft.ConsensusMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return true
}

func (r *collectingReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestLocalNetworkBroadcast(t *testing.T) {
	ed := &crypto.SignerEd25519{}
	_, priv, err := ed.RandomKeyPair()
	require.NoError(t, err)
	signer := crypto.NewKeyedSigner(ed, priv)

	n := NewLocalNetwork()
	defer n.Close()
	receivers := []*collectingReceiver{{}, {}, {}}
	var outs []*dbft.Outbox
	for i, r := range receivers {
		outs = append(outs, n.Join(dbft.ValidatorIndex(i), r))
	}
	n.SetSilent(2, true)

	msg := &dbft.ConsensusMessage{
		ConsensusPayload: dbft.ConsensusPayload{BlockIndex: 1, ValidatorIndex: 0},
		Body:             &dbft.ChangeView{NewView: 1},
	}
	require.NoError(t, msg.Sign(signer))
	require.NoError(t, outs[0].Send(msg))
	require.NoError(t, outs[2].Send(msg))

	assert.Eventually(t, func() bool { return receivers[1].count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return n.Dropped() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, receivers[0].count())
	assert.Equal(t, 0, receivers[2].count())

	got := receivers[1].msgs[0]
	assert.NotSame(t, msg, got)
	assert.True(t, got.Verify(signer, signer.PubKey.Bytes))
}
