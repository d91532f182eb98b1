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

	"github.com/annchain/dbft/common/crypto"
	"github.com/annchain/dbft/common/utilfuncs"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// keygenCmd prints fresh validator keys, ready for solo.private_keys.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate validator keys",
	Run: func(cmd *cobra.Command, args []string) {
		signer := &crypto.SignerEd25519{}
		for i := 0; i < viper.GetInt("keygen.count"); i++ {
			pub, priv, err := signer.RandomKeyPair()
			utilfuncs.PanicIfError(err, "generate key")
			fmt.Printf("validator %d\n", i)
			fmt.Printf("  private: %s\n", priv.String())
			fmt.Printf("  public:  %s\n", pub.String())
			fmt.Printf("  address: %x\n", signer.Address(pub))
		}
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().IntP("count", "c", 1, "Number of key pairs")
	_ = viper.BindPFlag("keygen.count", keygenCmd.Flags().Lookup("count"))
}
