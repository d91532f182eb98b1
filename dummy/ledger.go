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

	"github.com/annchain/dbft/consensus/dbft"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrBlockOutOfOrder = errors.New("block does not extend the ledger")

// Ledger is an in-memory chain that also acts as the block committer of one validator.
type Ledger struct {
	Mempool *Mempool
	// OnCommit is called after a block is appended, outside the ledger lock.
	OnCommit func(block *dbft.Block)
	Logger   *logrus.Logger

	mu     sync.RWMutex
	blocks []*dbft.Block
}

// Genesis is the block every solo cluster starts from.
func Genesis(timestamp uint64) *dbft.Block {
	b := &dbft.Block{PreparedBlock: dbft.PreparedBlock{Index: 0, Timestamp: timestamp}}
	b.Hash = dbft.BlockHash(&b.PreparedBlock)
	return b
}

func NewLedger(genesis *dbft.Block) *Ledger {
	return &Ledger{
		Logger: logrus.StandardLogger(),
		blocks: []*dbft.Block{genesis},
	}
}

func (l *Ledger) GetBlock(index dbft.BlockIndex) (*dbft.Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if int(index) >= len(l.blocks) {
		return nil, false
	}
	return l.blocks[index], true
}

func (l *Ledger) CurrentHeight() dbft.BlockIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return dbft.BlockIndex(len(l.blocks) - 1)
}

func (l *Ledger) Head() *dbft.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[len(l.blocks)-1]
}

func (l *Ledger) CommitBlock(block *dbft.Block) error {
	l.mu.Lock()
	head := l.blocks[len(l.blocks)-1]
	if block.Index != head.Index+1 || block.PrevHash != head.Hash {
		l.mu.Unlock()
		return errors.Wrapf(ErrBlockOutOfOrder, "block %d on %s, head is %d %s",
			block.Index, block.PrevHash.TerminalString(), head.Index, head.Hash.TerminalString())
	}
	l.blocks = append(l.blocks, block)
	l.mu.Unlock()

	if l.Mempool != nil {
		l.Mempool.Remove(block.TransactionHashes)
	}
	l.Logger.WithField("height", block.Index).WithField("hash", block.Hash.TerminalString()).
		WithField("txs", len(block.TransactionHashes)).Debug("block appended")
	if l.OnCommit != nil {
		l.OnCommit(block)
	}
	return nil
}
