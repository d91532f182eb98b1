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
package config

import (
	"path"
	"strconv"

	"github.com/annchain/dbft/common/crypto"
	"github.com/annchain/dbft/common/utilfuncs"
	"github.com/annchain/dbft/consensus/dbft"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const DefaultConfigFileName = "config.toml"

type GenerateParams struct {
	ConfigDir      string
	ConfigFileName string
	Validators     int
	Silent         []int
	RpcPort        int
	Persist        bool
	Consensus      dbft.Config
}

// Generator writes a ready to run solo config, including fresh validator keys.
type Generator struct {
	GenerateParams
	viper *viper.Viper
}

func NewGenerator(params GenerateParams) *Generator {
	if params.ConfigFileName == "" {
		params.ConfigFileName = DefaultConfigFileName
	}
	return &Generator{GenerateParams: params, viper: viper.New()}
}

// SoloConfig writes {ConfigDir}/{ConfigFileName} and returns the public keys of the committee.
func (g *Generator) SoloConfig() (pubKeys []string, err error) {
	if err = g.Consensus.Validate(); err != nil {
		return nil, err
	}
	if g.Validators <= 0 {
		return nil, errors.Wrap(dbft.ErrInvalidConfig, "at least one validator is required")
	}

	signer := &crypto.SignerEd25519{}
	var privateSet []string
	for i := 0; i < g.Validators; i++ {
		pub, priv, err := signer.RandomKeyPair()
		if err != nil {
			return nil, errors.Wrap(err, "generating validator key")
		}
		privateSet = append(privateSet, priv.String())
		pubKeys = append(pubKeys, pub.String())
	}
	silent := make([]string, 0, len(g.Silent))
	for _, s := range g.Silent {
		silent = append(silent, strconv.Itoa(s))
	}

	g.viper.Set("solo.validators", g.Validators)
	g.viper.Set("solo.silent", silent)
	g.viper.Set("solo.private_keys", privateSet)
	g.viper.Set("consensus.version", int64(g.Consensus.Version))
	g.viper.Set("consensus.block_time", g.Consensus.BlockTime.String())
	g.viper.Set("consensus.timeout_base", g.Consensus.TimeoutBase.String())
	g.viper.Set("consensus.timeout_max", g.Consensus.TimeoutMax.String())
	g.viper.Set("consensus.recovery_enabled", g.Consensus.RecoveryEnabled)
	g.viper.Set("consensus.recovery_timeout", g.Consensus.RecoveryTimeout.String())
	g.viper.Set("consensus.max_block_size", g.Consensus.MaxBlockSize)
	g.viper.Set("consensus.max_transactions_per_block", g.Consensus.MaxTransactionsPerBlock)
	g.viper.Set("consensus.max_future_block_time", g.Consensus.MaxFutureBlockTime.String())
	g.viper.Set("consensus.future_buffer_size", g.Consensus.FutureBufferSize)
	g.viper.Set("rpc.enabled", g.RpcPort > 0)
	g.viper.Set("rpc.port", strconv.Itoa(g.RpcPort))
	g.viper.Set("safety.persist", g.Persist)

	if err = utilfuncs.MkDirIfNotExists(g.ConfigDir); err != nil {
		return nil, errors.Wrapf(err, "check and make dir %s", g.ConfigDir)
	}
	if err = g.viper.WriteConfigAs(path.Join(g.ConfigDir, g.ConfigFileName)); err != nil {
		return nil, errors.Wrap(err, "error on dump config")
	}
	return pubKeys, nil
}
