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
	"encoding/hex"

	"github.com/pkg/errors"
)

type CryptoType int

const (
	CryptoTypeEd25519 CryptoType = iota
)

func (c CryptoType) String() string {
	switch c {
	case CryptoTypeEd25519:
		return "ed25519"
	default:
		return "unknown"
	}
}

type PrivateKey struct {
	Type  CryptoType
	Bytes []byte
}

type PublicKey struct {
	Type  CryptoType
	Bytes []byte
}

type Signature struct {
	Type  CryptoType
	Bytes []byte
}

func PrivateKeyFromBytes(typev CryptoType, bytes []byte) PrivateKey {
	return PrivateKey{Type: typev, Bytes: bytes}
}
func PublicKeyFromBytes(typev CryptoType, bytes []byte) PublicKey {
	return PublicKey{Type: typev, Bytes: bytes}
}
func SignatureFromBytes(typev CryptoType, bytes []byte) Signature {
	return Signature{Type: typev, Bytes: bytes}
}

func (k PrivateKey) String() string {
	return hex.EncodeToString(k.Bytes)
}

func (k PublicKey) String() string {
	return hex.EncodeToString(k.Bytes)
}

// PrivateKeyFromString parses a hex encoded ed25519 private key.
func PrivateKeyFromString(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PrivateKey{}, errors.Wrap(err, "bad private key")
	}
	return PrivateKeyFromBytes(CryptoTypeEd25519, b), nil
}

// PublicKeyFromString parses a hex encoded ed25519 public key.
func PublicKeyFromString(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, errors.Wrap(err, "bad public key")
	}
	return PublicKeyFromBytes(CryptoTypeEd25519, b), nil
}
