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
	"sync"
	"time"

	"github.com/annchain/dbft/common/goroutine"
	"github.com/annchain/dbft/consensus/dbft"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// EventAll receives every event type.
	EventAll = "all"

	writeWait      = 5 * time.Second
	hubEventBuffer = 1024
)

var defaultUpgrader = &websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// RegisterMessage narrows the stream of a connection to one event type, e.g. {"event":"BlockCommitted"}.
type RegisterMessage struct {
	Event string `json:"event"`
}

// Hub streams engine events to websocket clients.
type Hub struct {
	Upgrader *websocket.Upgrader
	Bus      *dbft.EventBus
	Logger   *logrus.Logger

	e2c  *event2Cons
	sub  *dbft.Subscriber
	mu   sync.Mutex
	quit chan struct{}
}

func NewHub(bus *dbft.EventBus) *Hub {
	return &Hub{
		Upgrader: defaultUpgrader,
		Bus:      bus,
		Logger:   logrus.StandardLogger(),
		e2c:      newEvent2Cons(),
	}
}

func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub != nil || h.Bus == nil {
		return
	}
	h.sub = h.Bus.Subscribe("ws", hubEventBuffer)
	h.quit = make(chan struct{})
	sub, quit := h.sub, h.quit
	goroutine.New(func() {
		for {
			select {
			case <-quit:
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				h.Push(ev)
			}
		}
	})
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub == nil {
		return
	}
	close(h.quit)
	h.Bus.Unsubscribe(h.sub)
	h.sub = nil
}

// Connections counts open websocket clients.
func (h *Hub) Connections() int {
	return h.e2c.Count()
}

// Push writes ev to every connection listening on its type or on EventAll.
func (h *Hub) Push(ev dbft.Event) int {
	bs, err := json.Marshal(ev)
	if err != nil {
		h.Logger.WithError(err).Error("failed to marshal ws event")
		return 0
	}
	sent := 0
	for _, key := range []string{ev.Type.String(), EventAll} {
		for _, conn := range h.e2c.Get(key) {
			if _, err := conn.Write(bs); err != nil {
				h.Logger.WithError(err).WithField("conn", conn.GetID()).Debug("dropping ws connection")
				h.e2c.Remove(key, conn)
				conn.Close()
				continue
			}
			sent++
		}
	}
	return sent
}

func (h *Hub) Handle(ctx *gin.Context) {
	h.ServeHTTP(ctx.Writer, ctx.Request)
}

// ServeHTTP upgrades the request and keeps the connection until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer wsConn.Close()

	conn := NewConn(wsConn)
	var lock sync.Mutex
	eventType := EventAll
	conn.AfterReadFunc = func(messageType int, r io.Reader) {
		var rm RegisterMessage
		if err := json.NewDecoder(r).Decode(&rm); err != nil || rm.Event == "" {
			h.Logger.WithError(err).Debug("ignoring ws register message")
			return
		}
		lock.Lock()
		defer lock.Unlock()
		h.e2c.Remove(eventType, conn)
		eventType = rm.Event
		h.e2c.Add(eventType, conn)
	}
	conn.BeforeCloseFunc = func() {
		lock.Lock()
		defer lock.Unlock()
		h.e2c.Remove(eventType, conn)
	}
	h.e2c.Add(EventAll, conn)
	h.Logger.WithField("conn", conn.GetID()).Debug("ws client connected")
	conn.Listen()
}
