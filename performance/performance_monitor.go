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
package performance

import (
	"runtime"
	"sync"
	"time"

	"github.com/annchain/dbft/common/goroutine"
	"github.com/sirupsen/logrus"
)

const defaultInterval = 5 * time.Second

type PerformanceReporter interface {
	Name() string
	GetBenchmarks() map[string]interface{}
}

// PerformanceMonitor logs the benchmarks of every registered reporter periodically.
type PerformanceMonitor struct {
	Interval time.Duration
	Logger   *logrus.Logger

	mu        sync.Mutex
	reporters []PerformanceReporter
	quit      chan struct{}
}

func (p *PerformanceMonitor) InitDefault() {
	if p.Interval == 0 {
		p.Interval = defaultInterval
	}
	if p.Logger == nil {
		p.Logger = logrus.StandardLogger()
	}
	p.quit = make(chan struct{})
}

func (p *PerformanceMonitor) Register(holder PerformanceReporter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reporters = append(p.reporters, holder)
}

func (p *PerformanceMonitor) Start() {
	goroutine.New(func() {
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.quit:
				return
			case <-ticker.C:
				p.Logger.WithFields(logrus.Fields(p.CollectData())).Info("Performance")
			}
		}
	})
}

func (p *PerformanceMonitor) Stop() {
	close(p.quit)
}

func (p *PerformanceMonitor) Name() string {
	return "PerformanceMonitor"
}

func (p *PerformanceMonitor) CollectData() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := make(map[string]interface{})
	for _, r := range p.reporters {
		data[r.Name()] = r.GetBenchmarks()
	}
	data["goroutines"] = runtime.NumGoroutine()
	data["tracked_goroutines"] = goroutine.GetGoRoutineNum()
	return data
}
