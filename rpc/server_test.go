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
package rpc

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/annchain/dbft/common/crypto"
	"github.com/annchain/dbft/consensus/dbft"
	"github.com/annchain/dbft/dummy"
	"github.com/annchain/dbft/metrics"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	engine  *dbft.Engine
	ledger  *dummy.Ledger
	ticker  *dbft.TimeoutTicker
	bus     *dbft.EventBus
	mempool *dummy.Mempool
	server  *httptest.Server
	ctrl    *RpcController
}

// newTestServer runs a single validator committee, which commits synchronously on StartConsensusRound.
func newTestServer(t *testing.T) *testServer {
	ed := &crypto.SignerEd25519{}
	_, priv, err := ed.RandomKeyPair()
	require.NoError(t, err)
	signer := crypto.NewKeyedSigner(ed, priv)
	validators, err := dbft.NewValidatorSet([][]byte{signer.PubKey.Bytes})
	require.NoError(t, err)

	ts := &testServer{
		ticker:  dbft.NewTimeoutTicker(),
		bus:     dbft.NewEventBus(),
		mempool: dummy.NewMempool(100),
	}
	ts.ledger = dummy.NewLedger(dummy.Genesis(uint64(time.Now().Add(-time.Second).UnixNano() / int64(time.Millisecond))))
	ts.ledger.Mempool = ts.mempool
	ts.engine = &dbft.Engine{
		Config:     dbft.DefaultConfig(),
		Validators: validators,
		Signer:     signer,
		Mempool:    ts.mempool,
		Ledger:     ts.ledger,
		Committer:  ts.ledger,
		Outbound:   dbft.NewOutbox(),
		Scheduler:  ts.ticker,
		Events:     ts.bus,
	}
	ts.engine.InitDefault()
	require.NoError(t, ts.engine.Start())

	m := metrics.NewMetrics("test")
	m.Follow(ts.bus.Subscribe("metrics", 64))
	ts.ctrl = &RpcController{
		Engines: []*dbft.Engine{ts.engine},
		Mempool: ts.mempool,
		Metrics: m,
		Hub:     NewHub(ts.bus),
	}
	ts.ctrl.Hub.Start()
	ts.server = httptest.NewServer(ts.ctrl.NewRouter())
	t.Cleanup(func() {
		ts.server.Close()
		ts.ctrl.Hub.Stop()
		ts.engine.Stop()
		ts.ticker.Stop()
	})
	return ts
}

func (ts *testServer) get(t *testing.T, path string, out interface{}) int {
	resp, err := http.Get(ts.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type statusResponse struct {
	Err  string `json:"err"`
	Data []struct {
		Validator int    `json:"validator"`
		State     string `json:"state"`
		Context   struct {
			BlockIndex int  `json:"block_index"`
			Committed  bool `json:"committed"`
		} `json:"context"`
		Stats struct {
			BlocksCommitted uint64 `json:"blocks_committed"`
		} `json:"stats"`
	} `json:"data"`
}

func TestStatusAfterCommit(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.engine.StartConsensusRound(1))
	require.Equal(t, dbft.BlockIndex(1), ts.ledger.CurrentHeight())

	var resp statusResponse
	assert.Equal(t, http.StatusOK, ts.get(t, "/status", &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "Running", resp.Data[0].State)
	assert.Equal(t, 1, resp.Data[0].Context.BlockIndex)
	assert.True(t, resp.Data[0].Context.Committed)
	assert.Equal(t, uint64(1), resp.Data[0].Stats.BlocksCommitted)

	var evidence struct {
		Data []interface{} `json:"data"`
	}
	assert.Equal(t, http.StatusOK, ts.get(t, "/evidence", &evidence))
	assert.Empty(t, evidence.Data)
}

func TestUnknownValidator(t *testing.T) {
	ts := newTestServer(t)
	var resp struct {
		Err string `json:"err"`
	}
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/status/3", &resp))
	assert.Contains(t, resp.Err, "unknown validator")
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/debug/x", nil))
	assert.Equal(t, http.StatusOK, ts.get(t, "/status/0", nil))
}

func TestNewTransaction(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.server.URL+"/new_transaction?fee=77", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, ts.mempool.Len())

	resp, err = http.Post(ts.server.URL+"/new_transaction?fee=abc", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.NoError(t, ts.engine.StartConsensusRound(1))
	head := ts.ledger.Head()
	assert.Len(t, head.TransactionHashes, 1)
	assert.Zero(t, ts.mempool.Len())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.engine.StartConsensusRound(1))

	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.server.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		buf := new(strings.Builder)
		if _, err := io.Copy(buf, resp.Body); err != nil {
			return false
		}
		return strings.Contains(buf.String(), `test_blocks_committed_total{validator="0"} 1`)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return ts.ctrl.Hub.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ws.WriteJSON(RegisterMessage{Event: dbft.EventBlockCommitted.String()}))
	require.Eventually(t, func() bool {
		return len(ts.ctrl.Hub.e2c.Get(dbft.EventBlockCommitted.String())) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ts.engine.StartConsensusRound(1))

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
	}
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, "BlockCommitted", ev.Type)
	assert.Equal(t, 1, ev.Index)
}
