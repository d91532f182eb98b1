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
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
)

// Evidence is proof that one validator signed two different things for the same slot.
type Evidence struct {
	Validator   ValidatorIndex `json:"validator"`
	Round       Round          `json:"-"`
	BlockIndex  BlockIndex     `json:"block_index"`
	View        ViewNumber     `json:"view"`
	MessageType MessageType    `json:"message_type"`
	FirstHash   Hash           `json:"first_hash"`
	SecondHash  Hash           `json:"second_hash"`
	FirstSig    []byte         `json:"first_sig"`
	SecondSig   []byte         `json:"second_sig"`
	DetectedAt  time.Time      `json:"detected_at"`
}

// EvidenceRetention is how many heights of evidence a context keeps behind the round in progress.
const EvidenceRetention = 256

type EvidencePool struct {
	// OnEvidence is called outside the pool lock for every new record.
	OnEvidence func(ev *Evidence)

	mu       sync.RWMutex
	records  []*Evidence
	seen     map[evidenceKey]struct{}
	suspects mapset.Set
}

type evidenceKey struct {
	validator ValidatorIndex
	round     Round
	msgType   MessageType
}

func NewEvidencePool() *EvidencePool {
	return &EvidencePool{
		seen:     make(map[evidenceKey]struct{}),
		suspects: mapset.NewSet(),
	}
}

// Add stores ev unless the same validator was already caught for the same slot.
func (p *EvidencePool) Add(ev *Evidence) bool {
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = time.Now()
	}
	ev.BlockIndex = ev.Round.BlockIndex
	ev.View = ev.Round.ViewNumber
	key := evidenceKey{validator: ev.Validator, round: ev.Round, msgType: ev.MessageType}

	p.mu.Lock()
	if _, ok := p.seen[key]; ok {
		p.mu.Unlock()
		return false
	}
	p.seen[key] = struct{}{}
	p.records = append(p.records, ev)
	p.suspects.Add(ev.Validator)
	cb := p.OnEvidence
	p.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
	return true
}

func (p *EvidencePool) List() []*Evidence {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Evidence, len(p.records))
	copy(out, p.records)
	return out
}

func (p *EvidencePool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

func (p *EvidencePool) IsSuspect(index ValidatorIndex) bool {
	return p.suspects.Contains(index)
}

// Suspects lists every validator with at least one record, ascending.
func (p *EvidencePool) Suspects() []ValidatorIndex {
	var out []ValidatorIndex
	for _, v := range p.suspects.ToSlice() {
		out = append(out, v.(ValidatorIndex))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Prune drops every record below height and forgets suspects left without a record.
// It returns the number of records removed.
func (p *EvidencePool) Prune(height BlockIndex) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.records[:0]
	for _, ev := range p.records {
		if ev.BlockIndex >= height {
			kept = append(kept, ev)
		}
	}
	removed := len(p.records) - len(kept)
	if removed == 0 {
		return 0
	}
	for i := len(kept); i < len(p.records); i++ {
		p.records[i] = nil
	}
	p.records = kept
	for key := range p.seen {
		if key.round.BlockIndex < height {
			delete(p.seen, key)
		}
	}
	p.suspects.Clear()
	for _, ev := range kept {
		p.suspects.Add(ev.Validator)
	}
	return removed
}
