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
)

// Outbox is an unbounded queue between the engine and the network. Send never blocks;
// a pump goroutine feeds Out() in order.
type Outbox struct {
	mu     sync.Mutex
	queue  []*ConsensusMessage
	closed bool
	signal chan struct{}
	out    chan *ConsensusMessage
	quit   chan struct{}
}

func NewOutbox() *Outbox {
	o := &Outbox{
		signal: make(chan struct{}, 1),
		out:    make(chan *ConsensusMessage),
		quit:   make(chan struct{}),
	}
	go o.pump()
	return o
}

func (o *Outbox) Send(msg *ConsensusMessage) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOutboundClosed
	}
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
	return nil
}

func (o *Outbox) Out() <-chan *ConsensusMessage {
	return o.out
}

func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Close rejects further sends. Messages not yet consumed are discarded.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.queue = nil
	close(o.quit)
}

func (o *Outbox) pump() {
	for {
		select {
		case <-o.quit:
			return
		case <-o.signal:
		}
		for {
			o.mu.Lock()
			if len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			msg := o.queue[0]
			o.queue[0] = nil
			o.queue = o.queue[1:]
			o.mu.Unlock()

			select {
			case o.out <- msg:
			case <-o.quit:
				return
			}
		}
	}
}
