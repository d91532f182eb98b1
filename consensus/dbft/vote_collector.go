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
)

type Vote struct {
	Validator ValidatorIndex
	Hash      Hash
	Signature []byte
	// Message is the signed message the vote came from, nil for votes recorded directly.
	Message *ConsensusMessage
}

// VoteCollector tallies one vote per validator and counts them per voted hash.
// Not safe for concurrent use; the owning context serializes access.
type VoteCollector struct {
	Threshold int

	votes   map[ValidatorIndex]*Vote
	tallies map[Hash]int
	reached map[Hash]bool
}

func NewVoteCollector(threshold int) *VoteCollector {
	return &VoteCollector{
		Threshold: threshold,
		votes:     make(map[ValidatorIndex]*Vote),
		tallies:   make(map[Hash]int),
		reached:   make(map[Hash]bool),
	}
}

// Collect adds v. A repeated identical vote returns ErrDuplicateVote and counts nothing.
// A vote for another hash by the same validator returns ErrConflictingVote together with the
// vote already held, and counts nothing.
func (s *VoteCollector) Collect(v *Vote) (QuorumStatus, *Vote, error) {
	if prev, ok := s.votes[v.Validator]; ok {
		if prev.Hash != v.Hash {
			return s.status(v.Hash), prev, ErrConflictingVote
		}
		return s.status(v.Hash), prev, ErrDuplicateVote
	}
	s.votes[v.Validator] = v
	s.tallies[v.Hash]++
	if s.tallies[v.Hash] >= s.Threshold && !s.reached[v.Hash] {
		s.reached[v.Hash] = true
		return QuorumReached, nil, nil
	}
	return s.status(v.Hash), nil, nil
}

func (s *VoteCollector) status(h Hash) QuorumStatus {
	if s.reached[h] {
		return QuorumHeld
	}
	return QuorumPending
}

func (s *VoteCollector) Count(h Hash) int {
	return s.tallies[h]
}

func (s *VoteCollector) Total() int {
	return len(s.votes)
}

func (s *VoteCollector) Collected(h Hash) bool {
	return s.reached[h]
}

func (s *VoteCollector) Has(index ValidatorIndex) bool {
	_, ok := s.votes[index]
	return ok
}

func (s *VoteCollector) Get(index ValidatorIndex) (*Vote, bool) {
	v, ok := s.votes[index]
	return v, ok
}

// Votes returns the votes for h ordered by validator index.
func (s *VoteCollector) Votes(h Hash) []*Vote {
	var votes []*Vote
	for _, v := range s.votes {
		if v.Hash == h {
			votes = append(votes, v)
		}
	}
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].Validator < votes[j].Validator
	})
	return votes
}

// Messages returns every signed message held, ordered by validator index.
func (s *VoteCollector) Messages() []*ConsensusMessage {
	var votes []*Vote
	for _, v := range s.votes {
		if v.Message != nil {
			votes = append(votes, v)
		}
	}
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].Validator < votes[j].Validator
	})
	msgs := make([]*ConsensusMessage, len(votes))
	for i, v := range votes {
		msgs[i] = v.Message
	}
	return msgs
}
