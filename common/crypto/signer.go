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

type Signer interface {
	GetCryptoType() CryptoType
	Sign(privKey PrivateKey, msg []byte) Signature
	PubKey(privKey PrivateKey) PublicKey
	Verify(pubKey PublicKey, signature Signature, msg []byte) bool
	RandomKeyPair() (publicKey PublicKey, privateKey PrivateKey, err error)
}

// KeyedSigner binds a Signer to one private key, producing the raw byte signatures
// consensus messages carry.
type KeyedSigner struct {
	Signer  Signer
	PrivKey PrivateKey
	PubKey  PublicKey
}

func NewKeyedSigner(signer Signer, privKey PrivateKey) *KeyedSigner {
	return &KeyedSigner{
		Signer:  signer,
		PrivKey: privKey,
		PubKey:  signer.PubKey(privKey),
	}
}

func (k *KeyedSigner) Sign(data []byte) ([]byte, error) {
	return k.Signer.Sign(k.PrivKey, data).Bytes, nil
}

func (k *KeyedSigner) Verify(data []byte, sig []byte, pubKey []byte) bool {
	t := k.Signer.GetCryptoType()
	return k.Signer.Verify(PublicKeyFromBytes(t, pubKey), SignatureFromBytes(t, sig), data)
}
