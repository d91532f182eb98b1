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
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var requestId uint32

func getRequestId() uint32 {
	if atomic.LoadUint32(&requestId) > math.MaxUint32-1000 {
		atomic.StoreUint32(&requestId, 10)
	}
	return atomic.AddUint32(&requestId, 1)
}

// ginLogFormatter routes gin access logs into logrus at trace level.
var ginLogFormatter = func(param gin.LogFormatterParams) string {
	if logrus.GetLevel() < logrus.TraceLevel {
		return ""
	}
	if param.Latency > time.Minute {
		param.Latency = param.Latency - param.Latency%time.Second
	}
	logrus.Tracef("gin log %s", fmt.Sprintf("GIN %v %3d %13v %15s %-7s %s %s id_%d",
		param.TimeStamp.Format("2006/01/02 - 15:04:05"),
		param.StatusCode,
		param.Latency,
		param.ClientIP,
		param.Method,
		param.Path,
		param.ErrorMessage,
		getRequestId(),
	))
	return ""
}
