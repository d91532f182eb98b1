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
package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/annchain/dbft/consensus/dbft"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveEvents(t *testing.T) {
	m := NewMetrics("dbft")
	block := &dbft.Block{PreparedBlock: dbft.PreparedBlock{Index: 12, TransactionHashes: []dbft.Hash{{1}, {2}}}}

	m.Observe(dbft.Event{Type: dbft.EventBlockCommitted, Validator: 2, Data: dbft.BlockCommit{Block: block, Latency: time.Second}})
	m.Observe(dbft.Event{Type: dbft.EventViewChanged, Validator: 2, Data: dbft.ViewChange{OldView: 0, NewView: 1, Reason: dbft.ReasonPrepareRequestTimeout}})
	m.Observe(dbft.Event{Type: dbft.EventConsensusTimeout, Validator: 2, Data: dbft.TimerToken{Type: dbft.TimerCommit}})
	m.Observe(dbft.Event{Type: dbft.EventMessageDropped, Validator: 2, Data: dbft.MessageInfo{Type: dbft.MessageTypeCommit}})
	m.Observe(dbft.Event{Type: dbft.EventEvidenceRecorded, Validator: 2, Data: &dbft.Evidence{Validator: 5}})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.BlocksCommitted.WithLabelValues("2")))
	assert.Equal(t, float64(12), testutil.ToFloat64(m.BlockHeight.WithLabelValues("2")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.View.WithLabelValues("2")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ViewChanges.WithLabelValues("2", "PrepareRequestTimeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Timeouts.WithLabelValues("2", dbft.TimerCommit.String())))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesDropped.WithLabelValues("2", dbft.MessageTypeCommit.String())))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Evidence.WithLabelValues("2", "5")))
}

func TestFollowAndExpose(t *testing.T) {
	m := NewMetrics("dbft")
	bus := dbft.NewEventBus()
	sub := bus.Subscribe("metrics", 16)
	m.Follow(sub)

	bus.Publish(dbft.Event{Type: dbft.EventViewChanged, Validator: 0, Data: dbft.ViewChange{NewView: 3, Reason: dbft.ReasonManual}})
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.View.WithLabelValues("0")) == 3
	}, time.Second, 5*time.Millisecond)
	bus.Unsubscribe(sub)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dbft_view_changes_total"))
}
