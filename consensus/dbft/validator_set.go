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
	"bytes"
	"math"

	"github.com/pkg/errors"
)

// ValidatorSet is the fixed, ordered committee for an epoch. It is never mutated after creation
// and may be shared between goroutines.
type ValidatorSet struct {
	pubKeys [][]byte
	f       int
	m       int
}

func NewValidatorSet(pubKeys [][]byte) (*ValidatorSet, error) {
	if len(pubKeys) == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "empty validator set")
	}
	if len(pubKeys) > math.MaxUint16 {
		return nil, errors.Wrapf(ErrInvalidConfig, "too many validators: %d", len(pubKeys))
	}
	keys := make([][]byte, len(pubKeys))
	for i, k := range pubKeys {
		if len(k) == 0 {
			return nil, errors.Wrapf(ErrInvalidConfig, "validator %d has an empty public key", i)
		}
		for j := 0; j < i; j++ {
			if bytes.Equal(keys[j], k) {
				return nil, errors.Wrapf(ErrInvalidConfig, "validator %d duplicates validator %d", i, j)
			}
		}
		keys[i] = append([]byte(nil), k...)
	}
	n := len(keys)
	f := (n - 1) / 3
	return &ValidatorSet{
		pubKeys: keys,
		f:       f,
		m:       n - f,
	}, nil
}

// N is the committee size.
func (v *ValidatorSet) N() int {
	return len(v.pubKeys)
}

// F is the number of tolerated Byzantine members.
func (v *ValidatorSet) F() int {
	return v.f
}

// M is the quorum.
func (v *ValidatorSet) M() int {
	return v.m
}

func (v *ValidatorSet) Contains(index ValidatorIndex) bool {
	return int(index) < len(v.pubKeys)
}

func (v *ValidatorSet) PublicKey(index ValidatorIndex) ([]byte, bool) {
	if !v.Contains(index) {
		return nil, false
	}
	return v.pubKeys[index], true
}

func (v *ValidatorSet) IndexOf(pubKey []byte) (ValidatorIndex, bool) {
	for i, k := range v.pubKeys {
		if bytes.Equal(k, pubKey) {
			return ValidatorIndex(i), true
		}
	}
	return 0, false
}

// Primary is roster[(block_index + view) mod n].
func (v *ValidatorSet) Primary(round Round) ValidatorIndex {
	n := uint64(len(v.pubKeys))
	return ValidatorIndex((uint64(round.BlockIndex) + uint64(round.ViewNumber)) % n)
}
