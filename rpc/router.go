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
	"bytes"
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

func (r *RpcController) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.LoggerWithFormatter(ginLogFormatter), gin.Recovery())
	router.GET("/", r.writeListOfEndpoints)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
	router.GET("/status", r.Status)
	router.GET("/status/:validator", r.ValidatorStatus)
	router.GET("/stats", r.Stats)
	router.GET("/evidence", r.Evidence)
	router.GET("/debug/:validator", r.Debug)
	router.GET("/metrics", r.Metric)
	router.POST("/new_transaction", r.NewTransaction)
	if r.Hub != nil {
		router.GET("/ws/events", r.Hub.Handle)
	}
	return router
}

// writes a list of available rpc endpoints as an html page
func (r *RpcController) writeListOfEndpoints(c *gin.Context) {
	endpoints := []string{"ping", "status", "status/0", "stats", "evidence", "debug/0", "metrics"}
	sort.Strings(endpoints)
	buf := new(bytes.Buffer)
	buf.WriteString("<html><body>")
	buf.WriteString("<br>Available endpoints:<br>")
	for _, name := range endpoints {
		link := fmt.Sprintf("http://%s/%s", c.Request.Host, name)
		buf.WriteString(fmt.Sprintf("<a href=\"%s\">%s</a></br>", link, link))
	}
	buf.WriteString("<br>POST new_transaction?fee=_<br>")
	buf.WriteString(fmt.Sprintf("<br>Event stream: ws://%s/ws/events<br>", c.Request.Host))
	buf.WriteString("</body></html>")
	c.Data(http.StatusOK, "text/html", buf.Bytes())
}
