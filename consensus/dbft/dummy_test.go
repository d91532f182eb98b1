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

	"github.com/annchain/dbft/common/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func init() {
	Formatter := new(logrus.TextFormatter)
	Formatter.TimestampFormat = "15:04:05.000000"
	Formatter.FullTimestamp = true
	Formatter.ForceColors = true
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(Formatter)
}

var testNow = time.Unix(1600000000, 0)

func ms(t time.Time) uint64 {
	return uint64(t.UnixNano() / int64(time.Millisecond))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BlockTime = time.Second
	cfg.TimeoutBase = 2 * time.Second
	cfg.TimeoutMax = 16 * time.Second
	cfg.RecoveryTimeout = 3 * time.Second
	cfg.MaxFutureBlockTime = 8 * time.Second
	cfg.FutureBufferSize = 64
	return cfg
}

// testCommittee holds the keys of every validator so tests can forge peer messages.
type testCommittee struct {
	signers    []*crypto.KeyedSigner
	validators *ValidatorSet
	genesis    *Block
}

func newTestCommittee(t *testing.T, n int) *testCommittee {
	c := &testCommittee{}
	ed := &crypto.SignerEd25519{}
	var pubs [][]byte
	for i := 0; i < n; i++ {
		_, priv, err := ed.RandomKeyPair()
		require.NoError(t, err)
		ks := crypto.NewKeyedSigner(ed, priv)
		c.signers = append(c.signers, ks)
		pubs = append(pubs, ks.PubKey.Bytes)
	}
	vs, err := NewValidatorSet(pubs)
	require.NoError(t, err)
	c.validators = vs
	c.genesis = &Block{PreparedBlock: PreparedBlock{Index: 0, Timestamp: ms(testNow) - 15000}}
	c.genesis.Hash = BlockHash(&c.genesis.PreparedBlock)
	return c
}

func (c *testCommittee) message(t *testing.T, from ValidatorIndex, index BlockIndex, view ViewNumber, body MessageBody) *ConsensusMessage {
	msg := &ConsensusMessage{
		ConsensusPayload: ConsensusPayload{
			PrevHash:       c.genesis.Hash,
			BlockIndex:     index,
			ViewNumber:     view,
			ValidatorIndex: from,
		},
		Body: body,
	}
	require.NoError(t, msg.Sign(c.signers[from]))
	return msg
}

func (c *testCommittee) prepareRequest(t *testing.T, from ValidatorIndex, index BlockIndex, view ViewNumber, txs ...Hash) *ConsensusMessage {
	msg := &ConsensusMessage{
		ConsensusPayload: ConsensusPayload{
			PrevHash:       c.genesis.Hash,
			Timestamp:      ms(testNow),
			Nonce:          uint64(view) + 42,
			BlockIndex:     index,
			ViewNumber:     view,
			ValidatorIndex: from,
		},
		Body: &PrepareRequest{TransactionHashes: txs},
	}
	require.NoError(t, msg.Sign(c.signers[from]))
	return msg
}

func (c *testCommittee) response(t *testing.T, from ValidatorIndex, block *PreparedBlock) *ConsensusMessage {
	return c.message(t, from, block.Index, block.View, &PrepareResponse{PreparationHash: block.Hash})
}

func (c *testCommittee) commit(t *testing.T, from ValidatorIndex, index BlockIndex, view ViewNumber, hash Hash) *ConsensusMessage {
	sig, err := c.signers[from].Sign(hash[:])
	require.NoError(t, err)
	return c.message(t, from, index, view, &Commit{BlockHash: hash, BlockSignature: sig})
}

func (c *testCommittee) changeView(t *testing.T, from ValidatorIndex, index BlockIndex, view ViewNumber) *ConsensusMessage {
	return c.message(t, from, index, view, &ChangeView{NewView: view + 1, Reason: ReasonPrepareRequestTimeout})
}

func (c *testCommittee) context(index BlockIndex, my ValidatorIndex, sched Scheduler) *ConsensusContext {
	cfg := testConfig()
	ctx := NewConsensusContext(&cfg, c.validators, my, sched)
	ctx.StartRound(index)
	ctx.SetPrevious(c.genesis.Hash, c.genesis.Timestamp)
	return ctx
}

func (c *testCommittee) handler(t *testing.T, index BlockIndex, my ValidatorIndex) *MessageHandler {
	h, err := NewMessageHandler(c.context(index, my, &manualScheduler{}), c.signers[my])
	require.NoError(t, err)
	h.Now = func() time.Time { return testNow }
	return h
}

type manualScheduler struct {
	scheduled []TimeoutEvent
	cancels   int
}

func (s *manualScheduler) Schedule(ev TimeoutEvent) {
	s.scheduled = append(s.scheduled, ev)
}

func (s *manualScheduler) Cancel() {
	s.cancels++
}

func (s *manualScheduler) last() TimeoutEvent {
	return s.scheduled[len(s.scheduled)-1]
}

type recordingOutbound struct {
	sent   []*ConsensusMessage
	closed bool
}

func (o *recordingOutbound) Send(msg *ConsensusMessage) error {
	if o.closed {
		return ErrOutboundClosed
	}
	o.sent = append(o.sent, msg)
	return nil
}

func (o *recordingOutbound) ofType(t MessageType) []*ConsensusMessage {
	var out []*ConsensusMessage
	for _, m := range o.sent {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

type countingSigner struct {
	Signer
	signs atomic.Int64
}

func (s *countingSigner) Sign(data []byte) ([]byte, error) {
	s.signs.Inc()
	return s.Signer.Sign(data)
}

type testTx struct {
	hash Hash
	size int
	fee  uint64
}

func (tx *testTx) Hash() Hash         { return tx.hash }
func (tx *testTx) Size() int          { return tx.size }
func (tx *testTx) NetworkFee() uint64 { return tx.fee }

type dummyMempool struct {
	txs []Transaction
}

func (m *dummyMempool) GetVerifiedTransactions(maxCount int, maxSize int) []Transaction {
	return m.txs
}

type dummyLedger struct {
	blocks    map[BlockIndex]*Block
	committed []*Block
}

func newDummyLedger(genesis *Block) *dummyLedger {
	return &dummyLedger{blocks: map[BlockIndex]*Block{0: genesis}}
}

func (l *dummyLedger) GetBlock(index BlockIndex) (*Block, bool) {
	b, ok := l.blocks[index]
	return b, ok
}

func (l *dummyLedger) CurrentHeight() BlockIndex {
	return BlockIndex(len(l.blocks) - 1)
}

func (l *dummyLedger) CommitBlock(block *Block) error {
	l.blocks[block.Index] = block
	l.committed = append(l.committed, block)
	return nil
}

type testEngine struct {
	*Engine
	sched  *manualScheduler
	out    *recordingOutbound
	ledger *dummyLedger
	signer *countingSigner
	events *Subscriber
}

func (c *testCommittee) engine(t *testing.T, my ValidatorIndex) *testEngine {
	te := &testEngine{
		sched:  &manualScheduler{},
		out:    &recordingOutbound{},
		ledger: newDummyLedger(c.genesis),
		signer: &countingSigner{Signer: c.signers[my]},
	}
	te.Engine = &Engine{
		Config:     testConfig(),
		Validators: c.validators,
		MyIndex:    my,
		Signer:     te.signer,
		Mempool:    &dummyMempool{},
		Ledger:     te.ledger,
		Committer:  te.ledger,
		Outbound:   te.out,
		Scheduler:  te.sched,
		Now:        func() time.Time { return testNow },
	}
	te.InitDefault()
	te.events = te.Events.Subscribe("test", 1024)
	require.NoError(t, te.Start())
	return te
}

func (te *testEngine) drainEvents(t EventType) []Event {
	var out []Event
	for {
		select {
		case ev := <-te.events.C:
			if ev.Type == t {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

// testNetwork moves what each engine sent to its peers. Messages filtered out by allow are lost.
type testNetwork struct {
	engines []*testEngine
	cursor  []int
	allow   func(msg *ConsensusMessage, to ValidatorIndex) bool
}

func (c *testCommittee) network(t *testing.T) *testNetwork {
	n := &testNetwork{cursor: make([]int, len(c.signers))}
	for i := range c.signers {
		n.engines = append(n.engines, c.engine(t, ValidatorIndex(i)))
	}
	return n
}

// flush delivers until no engine has anything left to send.
func (n *testNetwork) flush(t *testing.T) {
	for progress := true; progress; {
		progress = false
		for i, te := range n.engines {
			for n.cursor[i] < len(te.out.sent) {
				msg := te.out.sent[n.cursor[i]]
				n.cursor[i]++
				progress = true
				for j, peer := range n.engines {
					to := ValidatorIndex(j)
					if j == i || (n.allow != nil && !n.allow(msg, to)) {
						continue
					}
					require.NoError(t, peer.HandleMessage(msg))
				}
			}
		}
	}
}

// fire expires the timer each engine armed last. Stale ones are ignored by the engine.
func (n *testNetwork) fire(t *testing.T) {
	for _, te := range n.engines {
		if len(te.sched.scheduled) > 0 {
			require.NoError(t, te.HandleTimeout(te.sched.last()))
		}
	}
}
