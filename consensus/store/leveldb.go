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
package store

import (
	"encoding/binary"

	"github.com/annchain/dbft/consensus/dbft"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	prefixSigned    = []byte("s")
	prefixCommitted = []byte("c")
)

// LevelSafetyStore keeps the signed and committed block hashes of a validator on disk,
// so a restarted node cannot sign a second block at a height it already signed.
type LevelSafetyStore struct {
	db     *leveldb.DB
	Logger *logrus.Logger
}

func NewLevelSafetyStore(path string) (*LevelSafetyStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open safety store %s", path)
	}
	return &LevelSafetyStore{db: db, Logger: logrus.StandardLogger()}, nil
}

func key(prefix []byte, index dbft.BlockIndex) []byte {
	k := make([]byte, len(prefix)+4)
	copy(k, prefix)
	// big endian keeps iteration in height order
	binary.BigEndian.PutUint32(k[len(prefix):], uint32(index))
	return k
}

func (s *LevelSafetyStore) get(k []byte) (dbft.Hash, bool, error) {
	v, err := s.db.Get(k, nil)
	if err == leveldb.ErrNotFound {
		return dbft.Hash{}, false, nil
	}
	if err != nil {
		return dbft.Hash{}, false, err
	}
	return dbft.BytesToHash(v), true, nil
}

func (s *LevelSafetyStore) record(k []byte, hash dbft.Hash, conflict error) error {
	prev, ok, err := s.get(k)
	if err != nil {
		return err
	}
	if ok {
		if prev != hash {
			return errors.Wrapf(conflict, "already recorded %s, refusing %s", prev.TerminalString(), hash.TerminalString())
		}
		return nil
	}
	return s.db.Put(k, hash.Bytes(), &opt.WriteOptions{Sync: true})
}

func (s *LevelSafetyStore) RecordSignedCommit(index dbft.BlockIndex, hash dbft.Hash) error {
	return s.record(key(prefixSigned, index), hash, dbft.ErrDoubleSign)
}

var errCommittedConflict = errors.New("conflicting committed block")

func (s *LevelSafetyStore) RecordCommitted(index dbft.BlockIndex, hash dbft.Hash) error {
	return s.record(key(prefixCommitted, index), hash, errCommittedConflict)
}

func (s *LevelSafetyStore) Committed(index dbft.BlockIndex) (dbft.Hash, bool) {
	h, ok, err := s.get(key(prefixCommitted, index))
	if err != nil {
		s.Logger.WithError(err).WithField("height", index).Warn("failed to read safety store")
		return dbft.Hash{}, false
	}
	return h, ok
}

// LastCommitted returns the highest committed height, used to resume after a restart.
func (s *LevelSafetyStore) LastCommitted() (dbft.BlockIndex, dbft.Hash, bool) {
	iter := s.db.NewIterator(util.BytesPrefix(prefixCommitted), nil)
	defer iter.Release()
	if !iter.Last() {
		return 0, dbft.Hash{}, false
	}
	k := iter.Key()
	index := dbft.BlockIndex(binary.BigEndian.Uint32(k[len(prefixCommitted):]))
	return index, dbft.BytesToHash(iter.Value()), true
}

// Prune drops the records below height.
func (s *LevelSafetyStore) Prune(height dbft.BlockIndex) error {
	batch := new(leveldb.Batch)
	for _, prefix := range [][]byte{prefixSigned, prefixCommitted} {
		iter := s.db.NewIterator(&util.Range{Start: key(prefix, 0), Limit: key(prefix, height)}, nil)
		for iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return err
		}
	}
	return s.db.Write(batch, nil)
}

func (s *LevelSafetyStore) Close() error {
	return s.db.Close()
}
