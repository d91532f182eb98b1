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
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

type EventType int

const (
	EventStateChanged EventType = iota
	EventMessageReceived
	EventBlockProposed
	EventBlockCommitted
	EventViewChanged
	EventConsensusTimeout
	EventMessageDropped
	EventEvidenceRecorded
)

func (e EventType) String() string {
	switch e {
	case EventStateChanged:
		return "StateChanged"
	case EventMessageReceived:
		return "MessageReceived"
	case EventBlockProposed:
		return "BlockProposed"
	case EventBlockCommitted:
		return "BlockCommitted"
	case EventViewChanged:
		return "ViewChanged"
	case EventConsensusTimeout:
		return "ConsensusTimeout"
	case EventMessageDropped:
		return "MessageDropped"
	case EventEvidenceRecorded:
		return "EvidenceRecorded"
	default:
		return "Unknown"
	}
}

func (e EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

type StateChange struct {
	From DbftState `json:"from"`
	To   DbftState `json:"to"`
}

type ViewChange struct {
	OldView ViewNumber       `json:"old_view"`
	NewView ViewNumber       `json:"new_view"`
	Reason  ViewChangeReason `json:"reason"`
}

type BlockCommit struct {
	Block   *Block        `json:"block"`
	Latency time.Duration `json:"latency"`
}

type MessageInfo struct {
	Type      MessageType    `json:"type"`
	Validator ValidatorIndex `json:"validator"`
	Reason    string         `json:"reason,omitempty"`
}

// Event is published by the engine. Data holds one of StateChange, ViewChange, BlockCommit,
// MessageInfo, *PreparedBlock, TimerToken or *Evidence depending on Type.
type Event struct {
	Type      EventType      `json:"type"`
	Validator ValidatorIndex `json:"validator"`
	Round     Round          `json:"-"`
	Index     BlockIndex     `json:"index"`
	View      ViewNumber     `json:"view"`
	Time      time.Time      `json:"time"`
	Data      interface{}    `json:"data,omitempty"`
}

type Subscriber struct {
	Name string
	C    <-chan Event

	c chan Event
}

// EventBus fans events out to subscribers. A subscriber whose buffer is full misses the event.
type EventBus struct {
	Logger *logrus.Logger

	mu          sync.RWMutex
	subscribers []*Subscriber
	dropped     atomic.Uint64
}

func NewEventBus() *EventBus {
	return &EventBus{
		Logger: logrus.StandardLogger(),
	}
}

func (b *EventBus) Subscribe(name string, buffer int) *Subscriber {
	c := make(chan Event, buffer)
	s := &Subscriber{Name: name, C: c, c: c}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()
	return s
}

func (b *EventBus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == s {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub.c)
			return
		}
	}
}

// Publish never blocks.
func (b *EventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Index = ev.Round.BlockIndex
	ev.View = ev.Round.ViewNumber
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.c <- ev:
		default:
			b.dropped.Inc()
			b.Logger.WithField("to", sub.Name).WithField("type", ev.Type).Trace("subscriber full, event dropped")
		}
	}
}

func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}
