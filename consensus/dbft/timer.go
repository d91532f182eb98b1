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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const timeoutChannelSize = 100

// TimerToken identifies one armed timer. A firing whose token no longer matches the
// context is stale and must be ignored.
type TimerToken struct {
	Round Round
	Type  TimerType
	Seq   uint64
}

func (t TimerToken) String() string {
	return fmt.Sprintf("%s%s#%d", t.Type, t.Round, t.Seq)
}

type TimeoutEvent struct {
	Token    TimerToken
	Duration time.Duration
}

// TimeoutTicker is the wall clock Scheduler. It keeps one pending timer and delivers
// firings on Chan().
type TimeoutTicker struct {
	Logger *logrus.Logger

	mu      sync.Mutex
	timer   *time.Timer
	tockCh  chan TimeoutEvent
	stopCh  chan struct{}
	stopped bool

	droppedTimeouts atomic.Uint64
}

func NewTimeoutTicker() *TimeoutTicker {
	return &TimeoutTicker{
		Logger: logrus.StandardLogger(),
		tockCh: make(chan TimeoutEvent, timeoutChannelSize),
		stopCh: make(chan struct{}),
	}
}

// Chan returns the channel that delivers timeout events
func (tt *TimeoutTicker) Chan() <-chan TimeoutEvent {
	return tt.tockCh
}

func (tt *TimeoutTicker) Schedule(ev TimeoutEvent) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.stopped {
		return
	}
	if tt.timer != nil {
		tt.timer.Stop()
	}
	tt.timer = time.AfterFunc(ev.Duration, func() {
		select {
		case tt.tockCh <- ev:
		case <-tt.stopCh:
		default:
			count := tt.droppedTimeouts.Inc()
			tt.Logger.WithField("token", ev.Token).WithField("dropped", count).
				Warn("dropped timeout due to full channel")
		}
	})
}

func (tt *TimeoutTicker) Cancel() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.timer != nil {
		tt.timer.Stop()
		tt.timer = nil
	}
}

func (tt *TimeoutTicker) Stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.stopped {
		return
	}
	tt.stopped = true
	close(tt.stopCh)
	if tt.timer != nil {
		tt.timer.Stop()
	}
}

// DroppedTimeouts returns the number of timeouts dropped due to full channel
func (tt *TimeoutTicker) DroppedTimeouts() uint64 {
	return tt.droppedTimeouts.Load()
}
