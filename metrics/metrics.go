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
	"net/http"
	"strconv"

	"github.com/annchain/dbft/common/goroutine"
	"github.com/annchain/dbft/consensus/dbft"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics turns engine events into prometheus series labelled by validator.
type Metrics struct {
	Registry *prometheus.Registry

	BlocksCommitted  *prometheus.CounterVec
	BlockHeight      *prometheus.GaugeVec
	View             *prometheus.GaugeVec
	ViewChanges      *prometheus.CounterVec
	Timeouts         *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	Evidence         *prometheus.CounterVec
	BlockTxs         prometheus.Histogram
	CommitLatency    *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	validator := []string{"validator"}
	return &Metrics{
		Registry: registry,
		BlocksCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_committed_total",
			Help:      "Blocks committed by each validator",
		}, validator),
		BlockHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_height",
			Help:      "Height of the last committed block",
		}, validator),
		View: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "view",
			Help:      "Current view number",
		}, validator),
		ViewChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_changes_total",
			Help:      "View changes by reason",
		}, []string{"validator", "reason"}),
		Timeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Consensus timers that fired",
		}, []string{"validator", "timer"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Consensus messages received by type",
		}, []string{"validator", "type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Consensus messages rejected by type",
		}, []string{"validator", "type"}),
		Evidence: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_total",
			Help:      "Equivocations detected, by offending validator",
		}, []string{"validator", "suspect"}),
		BlockTxs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_transactions",
			Help:      "Transactions per committed block",
			Buckets:   []float64{0, 1, 10, 50, 100, 250, 512, 1000},
		}),
		CommitLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_latency_seconds",
			Help:      "Time from round start to commit",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15, 30, 60},
		}, validator),
	}
}

func label(v dbft.ValidatorIndex) string {
	return strconv.Itoa(int(v))
}

// Observe records one event.
func (m *Metrics) Observe(ev dbft.Event) {
	v := label(ev.Validator)
	switch ev.Type {
	case dbft.EventBlockCommitted:
		data, ok := ev.Data.(dbft.BlockCommit)
		if !ok {
			return
		}
		m.BlocksCommitted.WithLabelValues(v).Inc()
		m.BlockHeight.WithLabelValues(v).Set(float64(data.Block.Index))
		m.CommitLatency.WithLabelValues(v).Observe(data.Latency.Seconds())
		m.BlockTxs.Observe(float64(len(data.Block.TransactionHashes)))
	case dbft.EventViewChanged:
		data, ok := ev.Data.(dbft.ViewChange)
		if !ok {
			return
		}
		m.ViewChanges.WithLabelValues(v, data.Reason.String()).Inc()
		m.View.WithLabelValues(v).Set(float64(data.NewView))
	case dbft.EventConsensusTimeout:
		timer := "unknown"
		if token, ok := ev.Data.(dbft.TimerToken); ok {
			timer = token.Type.String()
		}
		m.Timeouts.WithLabelValues(v, timer).Inc()
	case dbft.EventMessageReceived:
		if data, ok := ev.Data.(dbft.MessageInfo); ok {
			m.MessagesReceived.WithLabelValues(v, data.Type.String()).Inc()
		}
	case dbft.EventMessageDropped:
		if data, ok := ev.Data.(dbft.MessageInfo); ok {
			m.MessagesDropped.WithLabelValues(v, data.Type.String()).Inc()
		}
	case dbft.EventEvidenceRecorded:
		if data, ok := ev.Data.(*dbft.Evidence); ok {
			m.Evidence.WithLabelValues(v, label(data.Validator)).Inc()
		}
	}
}

// Follow consumes sub until it is unsubscribed.
func (m *Metrics) Follow(sub *dbft.Subscriber) {
	goroutine.New(func() {
		for ev := range sub.C {
			m.Observe(ev)
		}
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
