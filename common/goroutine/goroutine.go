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
package goroutine

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var globalGoRoutineNum atomic.Int32

// GetGoRoutineNum is the number of goroutines started through New that are still running.
func GetGoRoutineNum() int32 {
	return globalGoRoutineNum.Load()
}

// New runs function in a counted goroutine. A panic is dumped to disk and re-raised.
func New(function func()) {
	globalGoRoutineNum.Inc()
	go func() {
		defer globalGoRoutineNum.Dec()
		defer DumpStack(true)
		function()
	}()
}

// WithRecover runs handler in a goroutine that survives its panic.
func WithRecover(handler func()) {
	go func() {
		defer DumpStack(false)
		handler()
	}()
}

func DumpStack(exitIFPanic bool) {
	if err := recover(); err != nil {
		logrus.WithField("obj", err).Error("Fatal error occurred. Program will exit")
		var buf bytes.Buffer
		stack := debug.Stack()
		buf.WriteString(fmt.Sprintf("Panic: %v\n", err))
		buf.Write(stack)
		dumpName := "dump_" + time.Now().Format("20060102-150405")
		nerr := ioutil.WriteFile(dumpName, buf.Bytes(), 0644)
		if nerr != nil {
			fmt.Println("write dump file error", nerr)
			fmt.Println(buf.String())
		}
		logrus.Errorf("panic %v ", buf.String())
		if exitIFPanic {
			panic(err)
		}
	}
}
