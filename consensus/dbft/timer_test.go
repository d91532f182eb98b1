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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutTickerFires(t *testing.T) {
	tt := NewTimeoutTicker()
	defer tt.Stop()

	token := TimerToken{Round: Round{BlockIndex: 1}, Type: TimerPrepareRequest, Seq: 1}
	tt.Schedule(TimeoutEvent{Token: token, Duration: 10 * time.Millisecond})

	select {
	case ev := <-tt.Chan():
		assert.Equal(t, token, ev.Token)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestTimeoutTickerReplaces(t *testing.T) {
	tt := NewTimeoutTicker()
	defer tt.Stop()

	first := TimerToken{Type: TimerPrepareRequest, Seq: 1}
	second := TimerToken{Type: TimerCommit, Seq: 2}
	tt.Schedule(TimeoutEvent{Token: first, Duration: 20 * time.Millisecond})
	tt.Schedule(TimeoutEvent{Token: second, Duration: 30 * time.Millisecond})

	select {
	case ev := <-tt.Chan():
		assert.Equal(t, second, ev.Token)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	select {
	case ev := <-tt.Chan():
		t.Fatalf("replaced timer fired: %s", ev.Token)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimeoutTickerCancel(t *testing.T) {
	tt := NewTimeoutTicker()
	defer tt.Stop()

	tt.Schedule(TimeoutEvent{Token: TimerToken{Seq: 1}, Duration: 10 * time.Millisecond})
	tt.Cancel()
	select {
	case <-tt.Chan():
		t.Fatal("cancelled timer fired")
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, tt.DroppedTimeouts())
}
