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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/annchain/dbft/common/goroutine"
	"github.com/annchain/dbft/consensus/dbft"
	"github.com/annchain/dbft/dummy"
	"github.com/sirupsen/logrus"
)

const commitQueueSize = 16

// Validator runs one engine and moves it to the next height after every commit.
type Validator struct {
	Engine *dbft.Engine
	Ledger *dummy.Ledger
	Ticker *dbft.TimeoutTicker
	Logger *logrus.Logger

	commits  chan *dbft.Block
	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once
}

func NewValidator(engine *dbft.Engine, ledger *dummy.Ledger, ticker *dbft.TimeoutTicker) *Validator {
	v := &Validator{
		Engine:  engine,
		Ledger:  ledger,
		Ticker:  ticker,
		Logger:  engine.Logger,
		commits: make(chan *dbft.Block, commitQueueSize),
		quit:    make(chan struct{}),
	}
	ledger.OnCommit = v.onCommit
	return v
}

// onCommit runs under the engine lock, so the next round starts from another goroutine.
func (v *Validator) onCommit(block *dbft.Block) {
	select {
	case v.commits <- block:
	default:
		v.Logger.WithField("IM", v.Engine.MyIndex).WithField("height", block.Index).Warn("commit queue full")
	}
}

func (v *Validator) Start() {
	if err := v.Engine.Start(); err != nil {
		v.Logger.WithError(err).WithField("IM", v.Engine.MyIndex).Error("failed to start engine")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	goroutine.New(func() {
		v.Engine.Run(ctx, v.Ticker.Chan())
	})
	goroutine.New(v.loop)
}

// Begin enters the round above the ledger head. Peers should be running by then,
// otherwise the first proposal is lost to them.
func (v *Validator) Begin() {
	v.startRound(v.Ledger.CurrentHeight() + 1)
}

// Stop is idempotent; only the first call tears anything down.
func (v *Validator) Stop() {
	v.stopOnce.Do(v.stop)
}

func (v *Validator) stop() {
	close(v.quit)
	if v.cancel != nil {
		v.cancel()
	}
	if err := v.Engine.Stop(); err != nil {
		v.Logger.WithError(err).WithField("IM", v.Engine.MyIndex).Debug("engine stop")
	}
	v.Ticker.Stop()
	if err := v.Engine.Safety.Close(); err != nil {
		v.Logger.WithError(err).WithField("IM", v.Engine.MyIndex).Warn("failed to close safety store")
	}
}

func (v *Validator) Name() string {
	return fmt.Sprintf("Validator %d", v.Engine.MyIndex)
}

// loop waits out the block time measured from the committed block timestamp before the next round.
func (v *Validator) loop() {
	for {
		select {
		case <-v.quit:
			return
		case block := <-v.commits:
			next := time.Unix(0, int64(block.Timestamp)*int64(time.Millisecond)).Add(v.Engine.Config.BlockTime)
			if wait := time.Until(next); wait > 0 {
				select {
				case <-time.After(wait):
				case <-v.quit:
					return
				}
			}
			v.startRound(block.Index + 1)
		}
	}
}

func (v *Validator) startRound(index dbft.BlockIndex) {
	if err := v.Engine.StartConsensusRound(index); err != nil {
		v.Logger.WithError(err).WithField("IM", v.Engine.MyIndex).WithField("height", index).Warn("failed to start round")
	}
}

func (v *Validator) GetBenchmarks() map[string]interface{} {
	snap := v.Engine.Snapshot()
	return map[string]interface{}{
		"height":        v.Ledger.CurrentHeight(),
		"view":          snap.View,
		"phase":         snap.Phase.String(),
		"inbound":       v.Engine.Stats.MessagesReceived.Load(),
		"dropped":       v.Engine.Stats.MessagesDropped.Load(),
		"commits":       v.Engine.Stats.BlocksCommitted.Load(),
		"lost_timeouts": v.Ticker.DroppedTimeouts(),
	}
}
