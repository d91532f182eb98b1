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
package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/annchain/dbft/common/utilfuncs"
	"github.com/annchain/dbft/node"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// soloCmd runs the whole committee in this process
var soloCmd = &cobra.Command{
	Use:   "solo",
	Short: "Start a local validator committee",
	Long:  `Start every validator of the committee in one process, connected by an in-memory network.`,
	Run: func(cmd *cobra.Command, args []string) {
		folders := ensureFolders()
		readConfig(folders.Config)
		initLogger(folders.Log)
		logrus.WithField("pid", os.Getpid()).Info("dbft solo starting")

		n, err := node.NewNode(node.LoadClusterConfig())
		utilfuncs.PanicIfError(err, "init node")
		n.Start()

		// prevent sudden stop. Do your clean up here
		var gracefulStop = make(chan os.Signal, 1)
		signal.Notify(gracefulStop, syscall.SIGTERM, syscall.SIGINT)

		sig := <-gracefulStop
		logrus.Warnf("caught sig: %+v", sig)
		logrus.Warn("Exiting... Please do no kill me")
		n.Stop()
		logrus.WithField("heights", n.Heights()).Info("final ledger heights")
	},
}

func init() {
	rootCmd.AddCommand(soloCmd)

	soloCmd.Flags().Int("validators", 7, "Committee size")
	soloCmd.Flags().StringSlice("silent", nil, "Indexes of validators cut off from the network")
	soloCmd.Flags().Bool("rpc", true, "Serve status and metrics over http")
	soloCmd.Flags().String("rpc-port", "8000", "Http port")
	soloCmd.Flags().Bool("persist", false, "Keep safety records in {dir.data}")

	_ = viper.BindPFlag("solo.validators", soloCmd.Flags().Lookup("validators"))
	_ = viper.BindPFlag("solo.silent", soloCmd.Flags().Lookup("silent"))
	_ = viper.BindPFlag("rpc.enabled", soloCmd.Flags().Lookup("rpc"))
	_ = viper.BindPFlag("rpc.port", soloCmd.Flags().Lookup("rpc-port"))
	_ = viper.BindPFlag("safety.persist", soloCmd.Flags().Lookup("persist"))
}
