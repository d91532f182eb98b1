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
	"fmt"

	"github.com/annchain/dbft/common/utilfuncs"
	"github.com/annchain/dbft/deployment/config"
	"github.com/annchain/dbft/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// genCmd writes a solo config with fresh keys into {dir.config}
var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "generate config.toml for a solo committee",
	Run: func(cmd *cobra.Command, args []string) {
		folders := ensureFolders()
		silent, err := cmd.Flags().GetIntSlice("silent")
		utilfuncs.PanicIfError(err, "parse silent validators")
		g := config.NewGenerator(config.GenerateParams{
			ConfigDir:  folders.Config,
			Validators: viper.GetInt("gen.validators"),
			Silent:     silent,
			RpcPort:    viper.GetInt("gen.rpc_port"),
			Persist:    viper.GetBool("gen.persist"),
			Consensus:  node.DefaultClusterConfig().Consensus,
		})
		pubs, err := g.SoloConfig()
		utilfuncs.PanicIfError(err, "generate config")
		for i, pub := range pubs {
			fmt.Printf("validator %d: %s\n", i, pub)
		}
		fmt.Println("config written to " + folders.Config)
	},
}

func init() {
	rootCmd.AddCommand(genCmd)
	genCmd.Flags().IntP("validators", "N", 7, "Committee size")
	genCmd.Flags().IntSlice("silent", nil, "Validators cut off from the network")
	genCmd.Flags().Int("rpc-port", 8000, "Http port, 0 disables http")
	genCmd.Flags().Bool("persist", false, "Keep safety records in {dir.data}")

	_ = viper.BindPFlag("gen.validators", genCmd.Flags().Lookup("validators"))
	_ = viper.BindPFlag("gen.rpc_port", genCmd.Flags().Lookup("rpc-port"))
	_ = viper.BindPFlag("gen.persist", genCmd.Flags().Lookup("persist"))
}
