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
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn wraps websocket.Conn. It listens and reads data from the connection.
type Conn struct {
	Conn *websocket.Conn

	AfterReadFunc   func(messageType int, r io.Reader)
	BeforeCloseFunc func()

	once   sync.Once
	id     string
	wmu    sync.Mutex
	cmu    sync.Mutex
	stopCh chan struct{}
}

// Write sends p as a text frame.
func (c *Conn) Write(p []byte) (n int, err error) {
	select {
	case <-c.stopCh:
		return 0, errors.New("Conn is closed, can't be written")
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err = c.Conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// GetID returns the id generated using UUID algorithm.
func (c *Conn) GetID() string {
	c.once.Do(func() {
		c.id = uuid.New().String()
	})
	return c.id
}

// Listen blocks until the connection is closed by either side.
func (c *Conn) Listen() {
	c.Conn.SetCloseHandler(func(code int, text string) error {
		if c.BeforeCloseFunc != nil {
			c.BeforeCloseFunc()
		}
		c.Close()
		message := websocket.FormatCloseMessage(code, "")
		c.Conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		return nil
	})

ReadLoop:
	for {
		select {
		case <-c.stopCh:
			break ReadLoop
		default:
			messageType, r, err := c.Conn.NextReader()
			if err != nil {
				if c.BeforeCloseFunc != nil {
					c.BeforeCloseFunc()
				}
				break ReadLoop
			}
			if c.AfterReadFunc != nil {
				c.AfterReadFunc(messageType, r)
			}
		}
	}
}

func (c *Conn) Close() error {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	select {
	case <-c.stopCh:
		return errors.New("Conn already been closed")
	default:
		c.Conn.Close()
		close(c.stopCh)
		return nil
	}
}

func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{
		Conn:   conn,
		stopCh: make(chan struct{}),
	}
}

// event2Cons maps an event filter to the connections listening on it, keyed by connection id.
type event2Cons struct {
	conns map[string]map[string]*Conn
	mu    sync.RWMutex
}

func newEvent2Cons() *event2Cons {
	return &event2Cons{
		conns: make(map[string]map[string]*Conn),
	}
}

func (e *event2Cons) Add(event string, conn *Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conns, ok := e.conns[event]
	if !ok {
		conns = make(map[string]*Conn)
		e.conns[event] = conns
	}
	conns[conn.GetID()] = conn
}

func (e *event2Cons) Remove(event string, conn *Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conns, ok := e.conns[event]
	if !ok {
		return
	}
	delete(conns, conn.GetID())
	if len(conns) == 0 {
		delete(e.conns, event)
	}
}

func (e *event2Cons) Get(event string) []*Conn {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conns := make([]*Conn, 0, len(e.conns[event]))
	for _, c := range e.conns[event] {
		conns = append(conns, c)
	}
	return conns
}

func (e *event2Cons) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, conns := range e.conns {
		n += len(conns)
	}
	return n
}
