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

	"github.com/annchain/dbft/common/goroutine"
	"github.com/annchain/dbft/consensus/dbft"
	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Receiver accepts inbound consensus messages without blocking.
type Receiver interface {
	Submit(msg *dbft.ConsensusMessage) bool
}

// LocalNetwork connects the validators of one process. Every message goes through the wire
// codec so peers never share pointers. Silent validators neither send nor receive.
type LocalNetwork struct {
	Logger *logrus.Logger

	mu       sync.RWMutex
	peers    map[dbft.ValidatorIndex]Receiver
	outboxes []*dbft.Outbox
	silent   mapset.Set
	quit     chan struct{}
	closed   bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		Logger: logrus.StandardLogger(),
		peers:  make(map[dbft.ValidatorIndex]Receiver),
		silent: mapset.NewSet(),
		quit:   make(chan struct{}),
	}
}

// Join registers receiver as validator index and returns the outbound channel it must send on.
func (n *LocalNetwork) Join(index dbft.ValidatorIndex, receiver Receiver) *dbft.Outbox {
	outbox := dbft.NewOutbox()
	n.mu.Lock()
	n.peers[index] = receiver
	n.outboxes = append(n.outboxes, outbox)
	n.mu.Unlock()

	goroutine.New(func() {
		for {
			select {
			case <-n.quit:
				return
			case msg := <-outbox.Out():
				n.broadcast(index, msg)
			}
		}
	})
	return outbox
}

func (n *LocalNetwork) SetSilent(index dbft.ValidatorIndex, silent bool) {
	if silent {
		n.silent.Add(index)
	} else {
		n.silent.Remove(index)
	}
}

func (n *LocalNetwork) IsSilent(index dbft.ValidatorIndex) bool {
	return n.silent.Contains(index)
}

func (n *LocalNetwork) broadcast(from dbft.ValidatorIndex, msg *dbft.ConsensusMessage) {
	if n.IsSilent(from) {
		n.dropped.Inc()
		return
	}
	b, err := dbft.EncodeMessage(msg)
	if err != nil {
		n.Logger.WithError(err).WithField("msg", msg).Error("failed to encode message")
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for index, receiver := range n.peers {
		if index == from || n.IsSilent(index) {
			continue
		}
		decoded, err := dbft.DecodeMessage(b)
		if err != nil {
			n.Logger.WithError(err).Error("failed to decode message")
			return
		}
		if receiver.Submit(decoded) {
			n.delivered.Inc()
		} else {
			n.dropped.Inc()
			n.Logger.WithField("to", index).WithField("msg", decoded).Warn("receiver full, message dropped")
		}
	}
}

func (n *LocalNetwork) Delivered() uint64 {
	return n.delivered.Load()
}

func (n *LocalNetwork) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *LocalNetwork) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.quit)
	for _, o := range n.outboxes {
		o.Close()
	}
}

func (n *LocalNetwork) Name() string {
	return "LocalNetwork"
}

func (n *LocalNetwork) GetBenchmarks() map[string]interface{} {
	return map[string]interface{}{
		"delivered": n.Delivered(),
		"dropped":   n.Dropped(),
		"silent":    n.silent.Cardinality(),
	}
}
