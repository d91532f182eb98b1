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
	"time"

	"go.uber.org/atomic"
)

type Stats struct {
	ConsensusRounds  atomic.Uint64
	ViewChanges      atomic.Uint64
	MessagesReceived atomic.Uint64
	MessagesDropped  atomic.Uint64
	Timeouts         atomic.Uint64
	BlocksCommitted  atomic.Uint64
	EvidenceRecorded atomic.Uint64
	LastBlockLatency atomic.Duration
}

type StatsSnapshot struct {
	ConsensusRounds  uint64        `json:"consensus_rounds"`
	ViewChanges      uint64        `json:"view_change_count"`
	MessagesReceived uint64        `json:"messages_received"`
	MessagesDropped  uint64        `json:"messages_dropped"`
	Timeouts         uint64        `json:"timeouts"`
	BlocksCommitted  uint64        `json:"blocks_committed"`
	EvidenceRecorded uint64        `json:"evidence_count"`
	LastBlockLatency time.Duration `json:"last_block_latency"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ConsensusRounds:  s.ConsensusRounds.Load(),
		ViewChanges:      s.ViewChanges.Load(),
		MessagesReceived: s.MessagesReceived.Load(),
		MessagesDropped:  s.MessagesDropped.Load(),
		Timeouts:         s.Timeouts.Load(),
		BlocksCommitted:  s.BlocksCommitted.Load(),
		EvidenceRecorded: s.EvidenceRecorded.Load(),
		LastBlockLatency: s.LastBlockLatency.Load(),
	}
}
