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
	"sync"

	"github.com/pkg/errors"
)

// MemorySafetyStore is the SafetyStore used when nothing has to survive a restart.
type MemorySafetyStore struct {
	mu        sync.RWMutex
	signed    map[BlockIndex]Hash
	committed map[BlockIndex]Hash
}

func NewMemorySafetyStore() *MemorySafetyStore {
	return &MemorySafetyStore{
		signed:    make(map[BlockIndex]Hash),
		committed: make(map[BlockIndex]Hash),
	}
}

func (s *MemorySafetyStore) RecordSignedCommit(index BlockIndex, hash Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.signed[index]; ok && prev != hash {
		return errors.Wrapf(ErrDoubleSign, "height %d already signed %s", index, prev.TerminalString())
	}
	s.signed[index] = hash
	return nil
}

func (s *MemorySafetyStore) RecordCommitted(index BlockIndex, hash Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.committed[index]; ok && prev != hash {
		return errors.Errorf("height %d already committed %s, refusing %s", index, prev.TerminalString(), hash.TerminalString())
	}
	s.committed[index] = hash
	return nil
}

func (s *MemorySafetyStore) Committed(index BlockIndex) (Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.committed[index]
	return h, ok
}

func (s *MemorySafetyStore) Close() error {
	return nil
}
