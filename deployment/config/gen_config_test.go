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
	"testing"

	"github.com/annchain/dbft/common/crypto"
	"github.com/annchain/dbft/consensus/dbft"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoloConfig(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(GenerateParams{
		ConfigDir:  dir,
		Validators: 4,
		Silent:     []int{3},
		RpcPort:    8100,
		Consensus:  dbft.DefaultConfig(),
	})
	pubs, err := g.SoloConfig()
	require.NoError(t, err)
	require.Len(t, pubs, 4)

	v := viper.New()
	v.SetConfigFile(path.Join(dir, DefaultConfigFileName))
	require.NoError(t, v.ReadInConfig())

	assert.Equal(t, 4, v.GetInt("solo.validators"))
	assert.Equal(t, []string{"3"}, v.GetStringSlice("solo.silent"))
	assert.Equal(t, "8100", v.GetString("rpc.port"))
	assert.True(t, v.GetBool("rpc.enabled"))
	assert.Equal(t, dbft.DefaultBlockTime, v.GetDuration("consensus.block_time"))

	keys := v.GetStringSlice("solo.private_keys")
	require.Len(t, keys, 4)
	signer := &crypto.SignerEd25519{}
	for i, k := range keys {
		priv, err := crypto.PrivateKeyFromString(k)
		require.NoError(t, err)
		assert.Equal(t, pubs[i], signer.PubKey(priv).String())
	}
}

func TestSoloConfigRejectsBadParams(t *testing.T) {
	_, err := NewGenerator(GenerateParams{ConfigDir: t.TempDir(), Consensus: dbft.DefaultConfig()}).SoloConfig()
	assert.Error(t, err)

	bad := dbft.DefaultConfig()
	bad.TimeoutMax = bad.TimeoutBase / 2
	_, err = NewGenerator(GenerateParams{ConfigDir: t.TempDir(), Validators: 4, Consensus: bad}).SoloConfig()
	assert.Error(t, err)
}
