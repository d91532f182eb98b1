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
	"container/heap"
	"sync"

	"github.com/annchain/dbft/consensus/dbft"
	"github.com/pkg/errors"
)

var (
	ErrMempoolFull     = errors.New("mempool is full")
	ErrTxAlreadyExists = errors.New("transaction already exists")
)

// Tx is a verified transaction reduced to what block building needs.
type Tx struct {
	TxHash dbft.Hash
	TxSize int
	Fee    uint64
	seq    uint64
	index  int
}

func (t *Tx) Hash() dbft.Hash    { return t.TxHash }
func (t *Tx) Size() int          { return t.TxSize }
func (t *Tx) NetworkFee() uint64 { return t.Fee }

// priorityQueue orders by fee per byte, then by arrival.
type priorityQueue []*Tx

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	l, r := a.Fee*uint64(b.TxSize), b.Fee*uint64(a.TxSize)
	if l != r {
		return l > r
	}
	return a.seq < b.seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	tx := x.(*Tx)
	tx.index = len(*pq)
	*pq = append(*pq, tx)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	tx := old[n-1]
	old[n-1] = nil
	tx.index = -1
	*pq = old[:n-1]
	return tx
}

// Mempool is a bounded in-memory pool shared by the validators of a solo cluster.
type Mempool struct {
	MaxSize int

	mu    sync.RWMutex
	queue priorityQueue
	txs   map[dbft.Hash]*Tx
	seq   uint64
}

func NewMempool(maxSize int) *Mempool {
	return &Mempool{
		MaxSize: maxSize,
		txs:     make(map[dbft.Hash]*Tx),
	}
}

func (m *Mempool) Add(tx *Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.TxHash]; ok {
		return ErrTxAlreadyExists
	}
	if m.MaxSize > 0 && len(m.txs) >= m.MaxSize {
		return ErrMempoolFull
	}
	m.seq++
	tx.seq = m.seq
	m.txs[tx.TxHash] = tx
	heap.Push(&m.queue, tx)
	return nil
}

// Remove drops the given transactions, typically those of a committed block.
func (m *Mempool) Remove(hashes []dbft.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		tx, ok := m.txs[h]
		if !ok {
			continue
		}
		delete(m.txs, h)
		heap.Remove(&m.queue, tx.index)
	}
}

func (m *Mempool) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}

// GetVerifiedTransactions returns the best transactions first without removing them.
func (m *Mempool) GetVerifiedTransactions(maxCount int, maxSize int) []dbft.Transaction {
	m.mu.RLock()
	snapshot := make(priorityQueue, len(m.queue))
	for i, tx := range m.queue {
		cp := *tx
		cp.index = i
		snapshot[i] = &cp
	}
	m.mu.RUnlock()

	var out []dbft.Transaction
	size := 0
	for snapshot.Len() > 0 && len(out) < maxCount {
		tx := heap.Pop(&snapshot).(*Tx)
		if size+tx.TxSize > maxSize {
			break
		}
		size += tx.TxSize
		out = append(out, tx)
	}
	return out
}

func (m *Mempool) Name() string {
	return "Mempool"
}

func (m *Mempool) GetBenchmarks() map[string]interface{} {
	return map[string]interface{}{
		"pending": m.Len(),
	}
}
