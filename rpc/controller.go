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
	"net/http"
	"strconv"

	"github.com/annchain/dbft/consensus/dbft"
	"github.com/annchain/dbft/dummy"
	"github.com/annchain/dbft/metrics"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// RpcController exposes the local validators over http.
type RpcController struct {
	Engines []*dbft.Engine
	Mempool *dummy.Mempool
	Metrics *metrics.Metrics
	Hub     *Hub
}

type NodeStatus struct {
	Validator dbft.ValidatorIndex  `json:"validator"`
	State     dbft.DbftState       `json:"state"`
	Context   dbft.ContextSnapshot `json:"context"`
	Stats     dbft.StatsSnapshot   `json:"stats"`
}

func cors(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
}

func Response(c *gin.Context, status int, err error, data interface{}) {
	var msg string
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, gin.H{
		"err":  msg,
		"data": data,
	})
}

func (r *RpcController) engine(c *gin.Context) (*dbft.Engine, bool) {
	idx, err := strconv.Atoi(c.Param("validator"))
	if err != nil || idx < 0 || idx >= len(r.Engines) {
		Response(c, http.StatusBadRequest, errors.Errorf("unknown validator %q", c.Param("validator")), nil)
		return nil, false
	}
	return r.Engines[idx], true
}

func status(e *dbft.Engine) NodeStatus {
	return NodeStatus{
		Validator: e.MyIndex,
		State:     e.State(),
		Context:   e.Snapshot(),
		Stats:     e.Stats.Snapshot(),
	}
}

func (r *RpcController) Status(c *gin.Context) {
	cors(c)
	statuses := make([]NodeStatus, 0, len(r.Engines))
	for _, e := range r.Engines {
		statuses = append(statuses, status(e))
	}
	Response(c, http.StatusOK, nil, statuses)
}

func (r *RpcController) ValidatorStatus(c *gin.Context) {
	cors(c)
	e, ok := r.engine(c)
	if !ok {
		return
	}
	Response(c, http.StatusOK, nil, status(e))
}

func (r *RpcController) Stats(c *gin.Context) {
	cors(c)
	stats := make(map[string]dbft.StatsSnapshot, len(r.Engines))
	for _, e := range r.Engines {
		stats[strconv.Itoa(int(e.MyIndex))] = e.Stats.Snapshot()
	}
	Response(c, http.StatusOK, nil, stats)
}

func (r *RpcController) Evidence(c *gin.Context) {
	cors(c)
	evidence := []*dbft.Evidence{}
	for _, e := range r.Engines {
		evidence = append(evidence, e.Evidence()...)
	}
	Response(c, http.StatusOK, nil, evidence)
}

// NewTransaction pushes a random transaction into the shared mempool.
func (r *RpcController) NewTransaction(c *gin.Context) {
	cors(c)
	if r.Mempool == nil {
		Response(c, http.StatusServiceUnavailable, errors.New("no mempool attached"), nil)
		return
	}
	tx := dummy.RandomTx()
	if fee := c.Query("fee"); fee != "" {
		v, err := strconv.ParseUint(fee, 10, 64)
		if err != nil {
			Response(c, http.StatusBadRequest, errors.Wrap(err, "bad fee"), nil)
			return
		}
		tx.Fee = v
	}
	if err := r.Mempool.Add(tx); err != nil {
		Response(c, http.StatusConflict, err, nil)
		return
	}
	Response(c, http.StatusOK, nil, gin.H{"hash": tx.TxHash.String(), "pending": r.Mempool.Len()})
}

func (r *RpcController) Debug(c *gin.Context) {
	e, ok := r.engine(c)
	if !ok {
		return
	}
	c.String(http.StatusOK, e.DumpState())
}

func (r *RpcController) Metric(c *gin.Context) {
	if r.Metrics == nil {
		c.Status(http.StatusNotFound)
		return
	}
	r.Metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
