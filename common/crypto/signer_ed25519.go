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
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/ripemd160"
)

type SignerEd25519 struct {
}

func (s *SignerEd25519) GetCryptoType() CryptoType {
	return CryptoTypeEd25519
}

func (s *SignerEd25519) Sign(privKey PrivateKey, msg []byte) Signature {
	if l := len(privKey.Bytes); l != ed25519.PrivateKeySize {
		logrus.WithField("len", l).Warn("ed25519: bad private key length")
		return SignatureFromBytes(CryptoTypeEd25519, nil)
	}
	signatureBytes := ed25519.Sign(privKey.Bytes, msg)
	return SignatureFromBytes(CryptoTypeEd25519, signatureBytes)
}

func (s *SignerEd25519) PubKey(privKey PrivateKey) PublicKey {
	if len(privKey.Bytes) != ed25519.PrivateKeySize {
		return PublicKeyFromBytes(CryptoTypeEd25519, nil)
	}
	pubkey := ed25519.PrivateKey(privKey.Bytes).Public()
	return PublicKeyFromBytes(CryptoTypeEd25519, []byte(pubkey.(ed25519.PublicKey)))
}

func (s *SignerEd25519) Verify(pubKey PublicKey, signature Signature, msg []byte) bool {
	//validate to prevent panic
	if l := len(pubKey.Bytes); l != ed25519.PublicKeySize {
		err := fmt.Errorf("ed25519: bad public key length: " + strconv.Itoa(l))
		logrus.WithError(err).Warn("verify fail")
		return false
	}
	if len(signature.Bytes) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey.Bytes, msg, signature.Bytes)
}

func (s *SignerEd25519) RandomKeyPair() (publicKey PublicKey, privateKey PrivateKey, err error) {
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		return
	}
	publicKey = PublicKeyFromBytes(CryptoTypeEd25519, public)
	privateKey = PrivateKeyFromBytes(CryptoTypeEd25519, private)
	return
}

// Address is the ripemd160 digest of the typed public key, used as a short validator id in logs.
func (s *SignerEd25519) Address(pubKey PublicKey) []byte {
	var w bytes.Buffer
	w.Write([]byte{byte(pubKey.Type)})
	w.Write(pubKey.Bytes)
	hasher := ripemd160.New()
	hasher.Write(w.Bytes())
	return hasher.Sum(nil)
}
