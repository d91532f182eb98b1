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
package dbft

import (
	"encoding/json"
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

type MessageType uint8

const (
	MessageTypeChangeView      MessageType = 0x00
	MessageTypePrepareRequest  MessageType = 0x20
	MessageTypePrepareResponse MessageType = 0x21
	MessageTypeCommit          MessageType = 0x30
	MessageTypeRecoveryRequest MessageType = 0x40
	MessageTypeRecoveryMessage MessageType = 0x41
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeChangeView:
		return "ChangeView"
	case MessageTypePrepareRequest:
		return "PrepareRequest"
	case MessageTypePrepareResponse:
		return "PrepareResponse"
	case MessageTypeCommit:
		return "Commit"
	case MessageTypeRecoveryRequest:
		return "RecoveryRequest"
	case MessageTypeRecoveryMessage:
		return "RecoveryMessage"
	default:
		return "Unknown"
	}
}

func (m MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// MessageBody is the phase specific part of a ConsensusMessage.
type MessageBody interface {
	msgp.Marshaler
	msgp.Unmarshaler
	msgp.Sizer
	Type() MessageType
}

// ConsensusPayload is the envelope every signed consensus message carries.
type ConsensusPayload struct {
	Version        uint32
	PrevHash       Hash
	Timestamp      uint64
	Nonce          uint64
	BlockIndex     BlockIndex
	ViewNumber     ViewNumber
	ValidatorIndex ValidatorIndex
	Signature      []byte
}

func (p *ConsensusPayload) Round() Round {
	return Round{BlockIndex: p.BlockIndex, ViewNumber: p.ViewNumber}
}

type ConsensusMessage struct {
	ConsensusPayload
	Body MessageBody
}

func (m *ConsensusMessage) Type() MessageType {
	if m.Body == nil {
		return MessageType(0xff)
	}
	return m.Body.Type()
}

func (m *ConsensusMessage) String() string {
	return fmt.Sprintf("%s%s from %d", m.Type(), m.Round(), m.ValidatorIndex)
}

// SignBytes is the canonical encoding covered by the sender's signature.
func (m *ConsensusMessage) SignBytes() ([]byte, error) {
	return m.appendUnsigned(make([]byte, 0, m.Msgsize()))
}

// Hash identifies a message regardless of who relays it.
func (m *ConsensusMessage) Hash() (Hash, error) {
	b, err := m.SignBytes()
	if err != nil {
		return Hash{}, err
	}
	return Sha256(b), nil
}

// Sign fills the payload signature using signer.
func (m *ConsensusMessage) Sign(signer Signer) error {
	b, err := m.SignBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(b)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify checks the payload signature against pubKey.
func (m *ConsensusMessage) Verify(signer Signer, pubKey []byte) bool {
	if len(m.Signature) == 0 {
		return false
	}
	b, err := m.SignBytes()
	if err != nil {
		return false
	}
	return signer.Verify(b, m.Signature, pubKey)
}

type PrepareRequest struct {
	TransactionHashes []Hash
}

func (p *PrepareRequest) Type() MessageType {
	return MessageTypePrepareRequest
}

type PrepareResponse struct {
	PreparationHash Hash
}

func (p *PrepareResponse) Type() MessageType {
	return MessageTypePrepareResponse
}

// Commit carries the validator's signature over the block hash, which ends up in the finalized block.
type Commit struct {
	BlockHash      Hash
	BlockSignature []byte
}

func (c *Commit) Type() MessageType {
	return MessageTypeCommit
}

type ChangeView struct {
	NewView ViewNumber
	Reason  ViewChangeReason
}

func (c *ChangeView) Type() MessageType {
	return MessageTypeChangeView
}

type RecoveryRequest struct {
	SessionId string
}

func (r *RecoveryRequest) Type() MessageType {
	return MessageTypeRecoveryRequest
}

// RecoveryMessage bundles the signed messages a peer has seen for the current height.
// Every embedded message keeps its original signature and is verified on its own.
type RecoveryMessage struct {
	SessionId        string
	ChangeViews      []*ConsensusMessage
	PrepareRequest   *ConsensusMessage
	PrepareResponses []*ConsensusMessage
	Commits          []*ConsensusMessage
}

func (r *RecoveryMessage) Type() MessageType {
	return MessageTypeRecoveryMessage
}

func newMessageBody(t MessageType) (MessageBody, error) {
	switch t {
	case MessageTypeChangeView:
		return &ChangeView{}, nil
	case MessageTypePrepareRequest:
		return &PrepareRequest{}, nil
	case MessageTypePrepareResponse:
		return &PrepareResponse{}, nil
	case MessageTypeCommit:
		return &Commit{}, nil
	case MessageTypeRecoveryRequest:
		return &RecoveryRequest{}, nil
	case MessageTypeRecoveryMessage:
		return &RecoveryMessage{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %d", t)
	}
}
