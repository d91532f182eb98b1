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
package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519(t *testing.T) {
	signer := &SignerEd25519{}
	pub, priv, err := signer.RandomKeyPair()
	require.NoError(t, err)

	pub2 := signer.PubKey(priv)
	assert.True(t, bytes.Equal(pub.Bytes, pub2.Bytes))
	assert.Len(t, signer.Address(pub), 20)

	content := []byte("This is a test")
	sig := signer.Sign(priv, content)
	assert.True(t, signer.Verify(pub2, sig, content))

	content[0] = 0x88
	assert.False(t, signer.Verify(pub2, sig, content))
}

func TestKeyedSigner(t *testing.T) {
	signer := &SignerEd25519{}
	_, priv, err := signer.RandomKeyPair()
	require.NoError(t, err)
	_, other, err := signer.RandomKeyPair()
	require.NoError(t, err)

	ks := NewKeyedSigner(signer, priv)
	sig, err := ks.Sign([]byte("block"))
	require.NoError(t, err)
	assert.True(t, ks.Verify([]byte("block"), sig, ks.PubKey.Bytes))
	assert.False(t, ks.Verify([]byte("block"), sig, signer.PubKey(other).Bytes))
	assert.False(t, ks.Verify([]byte("block"), sig[:10], ks.PubKey.Bytes))
	assert.False(t, ks.Verify([]byte("block"), sig, []byte{1, 2, 3}))
}

func TestKeyRoundTrip(t *testing.T) {
	signer := &SignerEd25519{}
	pub, priv, err := signer.RandomKeyPair()
	require.NoError(t, err)

	priv2, err := PrivateKeyFromString(priv.String())
	require.NoError(t, err)
	assert.Equal(t, pub.Bytes, signer.PubKey(priv2).Bytes)

	_, err = PublicKeyFromString("zz")
	assert.Error(t, err)
}
