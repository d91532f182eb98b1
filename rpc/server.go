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
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const ShutdownTimeoutSeconds = 5

type RpcServer struct {
	router *gin.Engine
	server *http.Server
	port   string
	C      *RpcController
}

func NewRpcServer(port string, c *RpcController) *RpcServer {
	router := c.NewRouter()
	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}
	return &RpcServer{
		port:   port,
		router: router,
		server: server,
		C:      c,
	}
}

func (srv *RpcServer) Handler() http.Handler {
	return srv.router
}

func (srv *RpcServer) Start() {
	logrus.Infof("Listening Http on %s", srv.port)
	srv.C.Hub.Start()
	go func() {
		if err := srv.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatalf("Error in Http server")
		}
	}()
}

func (srv *RpcServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeoutSeconds*time.Second)
	defer cancel()
	if err := srv.server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Error while shutting down the Http server")
	}
	srv.C.Hub.Stop()
	logrus.Infof("Http server Stopped")
}

func (srv *RpcServer) Name() string {
	return fmt.Sprintf("RpcServer at port %s", srv.port)
}
