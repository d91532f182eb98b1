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
package node

import (
	"strconv"
	"time"

	"github.com/annchain/dbft/common/crypto"
	"github.com/annchain/dbft/consensus/dbft"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	defaultMempoolSize = 100000
	defaultRpcPort     = "8000"
	defaultNamespace   = "dbft"
)

// ClusterConfig describes a set of validators running inside one process.
type ClusterConfig struct {
	Consensus dbft.Config

	// Validators is the committee size.
	Validators int

	// Silent validators are cut off from the network from the start.
	Silent []int

	// PrivateKeys are hex ed25519 keys. Missing ones are generated.
	PrivateKeys []string

	MempoolSize int
	TxInterval  time.Duration
	TxBatch     int

	// DataDir enables the on-disk safety store when set.
	DataDir string

	RpcEnabled       bool
	RpcPort          string
	MetricsEnabled   bool
	MetricsNamespace string

	// PerformanceInterval enables periodic benchmark logging when positive.
	PerformanceInterval time.Duration
}

func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		Consensus:        dbft.DefaultConfig(),
		Validators:       dbft.DefaultValidatorCount,
		MempoolSize:      defaultMempoolSize,
		TxInterval:       200 * time.Millisecond,
		TxBatch:          10,
		RpcPort:          defaultRpcPort,
		MetricsEnabled:   true,
		MetricsNamespace: defaultNamespace,
	}
}

// LoadClusterConfig reads the cluster settings from viper, falling back to defaults for unset keys.
func LoadClusterConfig() ClusterConfig {
	c := DefaultClusterConfig()
	if viper.IsSet("consensus.version") {
		c.Consensus.Version = viper.GetUint32("consensus.version")
	}
	if viper.IsSet("consensus.block_time") {
		c.Consensus.BlockTime = viper.GetDuration("consensus.block_time")
	}
	if viper.IsSet("consensus.timeout_base") {
		c.Consensus.TimeoutBase = viper.GetDuration("consensus.timeout_base")
	}
	if viper.IsSet("consensus.timeout_max") {
		c.Consensus.TimeoutMax = viper.GetDuration("consensus.timeout_max")
	}
	if viper.IsSet("consensus.recovery_timeout") {
		c.Consensus.RecoveryTimeout = viper.GetDuration("consensus.recovery_timeout")
	}
	if viper.IsSet("consensus.recovery_enabled") {
		c.Consensus.RecoveryEnabled = viper.GetBool("consensus.recovery_enabled")
	}
	if viper.IsSet("consensus.max_block_size") {
		c.Consensus.MaxBlockSize = viper.GetInt("consensus.max_block_size")
	}
	if viper.IsSet("consensus.max_transactions_per_block") {
		c.Consensus.MaxTransactionsPerBlock = viper.GetInt("consensus.max_transactions_per_block")
	}
	if viper.IsSet("consensus.max_future_block_time") {
		c.Consensus.MaxFutureBlockTime = viper.GetDuration("consensus.max_future_block_time")
	}
	if viper.IsSet("consensus.future_buffer_size") {
		c.Consensus.FutureBufferSize = viper.GetInt("consensus.future_buffer_size")
	}
	if viper.IsSet("solo.validators") {
		c.Validators = viper.GetInt("solo.validators")
	}
	for _, s := range viper.GetStringSlice("solo.silent") {
		if i, err := strconv.Atoi(s); err == nil {
			c.Silent = append(c.Silent, i)
		}
	}
	c.PrivateKeys = viper.GetStringSlice("solo.private_keys")
	if viper.IsSet("mempool.size") {
		c.MempoolSize = viper.GetInt("mempool.size")
	}
	if viper.IsSet("txgen.interval") {
		c.TxInterval = viper.GetDuration("txgen.interval")
	}
	if viper.IsSet("txgen.batch") {
		c.TxBatch = viper.GetInt("txgen.batch")
	}
	if viper.GetBool("safety.persist") {
		c.DataDir = viper.GetString("dir.data")
	}
	c.RpcEnabled = viper.GetBool("rpc.enabled")
	if viper.IsSet("rpc.port") {
		c.RpcPort = viper.GetString("rpc.port")
	}
	if viper.IsSet("metrics.enabled") {
		c.MetricsEnabled = viper.GetBool("metrics.enabled")
	}
	if viper.IsSet("metrics.namespace") {
		c.MetricsNamespace = viper.GetString("metrics.namespace")
	}
	if viper.GetBool("performance.enabled") {
		c.PerformanceInterval = viper.GetDuration("performance.interval")
	}
	return c
}

func (c *ClusterConfig) Validate() error {
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	if c.Validators <= 0 {
		return errors.Wrap(dbft.ErrInvalidConfig, "at least one validator is required")
	}
	if len(c.PrivateKeys) > c.Validators {
		return errors.Wrapf(dbft.ErrInvalidConfig, "%d private keys for %d validators", len(c.PrivateKeys), c.Validators)
	}
	for _, s := range c.Silent {
		if s < 0 || s >= c.Validators {
			return errors.Wrapf(dbft.ErrInvalidConfig, "silent validator %d out of range", s)
		}
	}
	if c.MempoolSize <= 0 {
		return errors.Wrap(dbft.ErrInvalidConfig, "mempool size must be positive")
	}
	return nil
}

// keys returns one signer per validator, parsing configured keys and generating the rest.
func (c *ClusterConfig) keys() ([]*crypto.KeyedSigner, error) {
	ed := &crypto.SignerEd25519{}
	signers := make([]*crypto.KeyedSigner, 0, c.Validators)
	for i, s := range c.PrivateKeys {
		priv, err := crypto.PrivateKeyFromString(s)
		if err != nil {
			return nil, errors.Wrapf(err, "validator %d", i)
		}
		signers = append(signers, crypto.NewKeyedSigner(ed, priv))
	}
	for len(signers) < c.Validators {
		_, priv, err := ed.RandomKeyPair()
		if err != nil {
			return nil, errors.Wrap(err, "generating validator key")
		}
		signers = append(signers, crypto.NewKeyedSigner(ed, priv))
	}
	return signers, nil
}
