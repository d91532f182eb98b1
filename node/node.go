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
package node

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/annchain/dbft/consensus/dbft"
	"github.com/annchain/dbft/consensus/store"
	"github.com/annchain/dbft/dummy"
	"github.com/annchain/dbft/metrics"
	"github.com/annchain/dbft/performance"
	"github.com/annchain/dbft/rpc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Node runs a whole validator committee in one process over a local network.
type Node struct {
	Components []Component

	Config     ClusterConfig
	Validators []*Validator
	Network    *dummy.LocalNetwork
	Mempool    *dummy.Mempool
	TxGen      *dummy.TxGenerator
	Events     *dbft.EventBus
	Metrics    *metrics.Metrics
	Rpc        *rpc.RpcServer
	Monitor    *performance.PerformanceMonitor
	Logger     *logrus.Logger

	metricsSub *dbft.Subscriber
}

func NewNode(config ClusterConfig) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	signers, err := config.keys()
	if err != nil {
		return nil, err
	}
	pubs := make([][]byte, len(signers))
	for i, s := range signers {
		pubs[i] = s.PubKey.Bytes
	}
	validators, err := dbft.NewValidatorSet(pubs)
	if err != nil {
		return nil, err
	}

	n := &Node{
		Config:  config,
		Network: dummy.NewLocalNetwork(),
		Mempool: dummy.NewMempool(config.MempoolSize),
		Events:  dbft.NewEventBus(),
		Logger:  logrus.StandardLogger(),
	}
	n.TxGen = &dummy.TxGenerator{
		Mempool:  n.Mempool,
		Interval: config.TxInterval,
		Batch:    config.TxBatch,
	}
	n.TxGen.InitDefault()

	genesis := dummy.Genesis(uint64(time.Now().UnixNano() / int64(time.Millisecond)))
	engines := make([]*dbft.Engine, 0, len(signers))
	for i, signer := range signers {
		v, err := n.newValidator(dbft.ValidatorIndex(i), validators, signer, genesis)
		if err != nil {
			n.closeStores()
			return nil, errors.Wrapf(err, "validator %d", i)
		}
		n.Validators = append(n.Validators, v)
		engines = append(engines, v.Engine)
	}
	for _, s := range config.Silent {
		n.Network.SetSilent(dbft.ValidatorIndex(s), true)
	}

	if config.MetricsEnabled {
		n.Metrics = metrics.NewMetrics(config.MetricsNamespace)
	}
	if config.RpcEnabled {
		n.Rpc = rpc.NewRpcServer(config.RpcPort, &rpc.RpcController{
			Engines: engines,
			Mempool: n.Mempool,
			Metrics: n.Metrics,
			Hub:     rpc.NewHub(n.Events),
		})
		n.Components = append(n.Components, n.Rpc)
	}
	n.Components = append(n.Components, n.TxGen)
	for _, v := range n.Validators {
		n.Components = append(n.Components, v)
	}
	if config.PerformanceInterval > 0 {
		n.Monitor = &performance.PerformanceMonitor{Interval: config.PerformanceInterval}
		n.Monitor.InitDefault()
		n.Monitor.Register(n.Mempool)
		n.Monitor.Register(n.Network)
		for _, v := range n.Validators {
			n.Monitor.Register(v)
		}
		n.Components = append(n.Components, n.Monitor)
	}
	return n, nil
}

func (n *Node) newValidator(index dbft.ValidatorIndex, validators *dbft.ValidatorSet, signer dbft.Signer, genesis *dbft.Block) (*Validator, error) {
	ledger := dummy.NewLedger(genesis)
	ledger.Mempool = n.Mempool
	ticker := dbft.NewTimeoutTicker()
	engine := &dbft.Engine{
		Config:     n.Config.Consensus,
		Validators: validators,
		MyIndex:    index,
		Signer:     signer,
		Mempool:    n.Mempool,
		Ledger:     ledger,
		Committer:  ledger,
		Scheduler:  ticker,
		Events:     n.Events,
		Logger:     n.Logger,
	}
	if n.Config.DataDir != "" {
		safety, err := store.NewLevelSafetyStore(filepath.Join(n.Config.DataDir, fmt.Sprintf("validator_%d", index)))
		if err != nil {
			return nil, err
		}
		engine.Safety = safety
	}
	engine.InitDefault()
	engine.Outbound = n.Network.Join(index, engine)
	return NewValidator(engine, ledger, ticker), nil
}

func (n *Node) closeStores() {
	for _, v := range n.Validators {
		v.Engine.Safety.Close()
	}
}

func (n *Node) Start() {
	if n.Metrics != nil {
		n.metricsSub = n.Events.Subscribe("metrics", 4096)
		n.Metrics.Follow(n.metricsSub)
	}
	for _, component := range n.Components {
		n.Logger.Infof("Starting %s", component.Name())
		component.Start()
		n.Logger.Infof("Started: %s", component.Name())
	}
	for _, v := range n.Validators {
		v.Begin()
	}
	n.Logger.WithField("validators", len(n.Validators)).WithField("silent", n.Config.Silent).Info("Node Started")
}

func (n *Node) Stop() {
	for i := len(n.Components) - 1; i >= 0; i-- {
		comp := n.Components[i]
		n.Logger.Infof("Stopping %s", comp.Name())
		comp.Stop()
		n.Logger.Infof("Stopped: %s", comp.Name())
	}
	if n.metricsSub != nil {
		n.Events.Unsubscribe(n.metricsSub)
	}
	n.Network.Close()
	n.Logger.Info("Node Stopped")
}

// Heights returns the ledger height of every validator.
func (n *Node) Heights() []dbft.BlockIndex {
	heights := make([]dbft.BlockIndex, len(n.Validators))
	for i, v := range n.Validators {
		heights[i] = v.Ledger.CurrentHeight()
	}
	return heights
}
