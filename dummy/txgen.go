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
	"math/rand"
	"time"

	"github.com/annchain/dbft/common/goroutine"
	"github.com/annchain/dbft/consensus/dbft"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TxGenerator keeps a mempool fed with random transactions.
type TxGenerator struct {
	Mempool  *Mempool
	Interval time.Duration
	Batch    int
	Logger   *logrus.Logger

	quit chan struct{}
}

func (g *TxGenerator) InitDefault() {
	if g.Interval == 0 {
		g.Interval = 200 * time.Millisecond
	}
	if g.Batch == 0 {
		g.Batch = 10
	}
	if g.Logger == nil {
		g.Logger = logrus.StandardLogger()
	}
	g.quit = make(chan struct{})
}

func RandomTx() *Tx {
	return &Tx{
		TxHash: dbft.Sha256([]byte(uuid.New().String())),
		TxSize: 100 + rand.Intn(900),
		Fee:    uint64(rand.Intn(10000)),
	}
}

func (g *TxGenerator) Start() {
	goroutine.New(func() {
		ticker := time.NewTicker(g.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.quit:
				return
			case <-ticker.C:
				for i := 0; i < g.Batch; i++ {
					if err := g.Mempool.Add(RandomTx()); err != nil {
						g.Logger.WithError(err).Trace("generated tx rejected")
						break
					}
				}
			}
		}
	})
}

func (g *TxGenerator) Stop() {
	close(g.quit)
}

func (g *TxGenerator) Name() string {
	return "TxGenerator"
}
