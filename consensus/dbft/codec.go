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
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

const (
	unsignedFieldCount = 9
	messageFieldCount  = 10
	hashSize           = msgp.BytesPrefixSize + HashLength

	// smallest encodings, used to bound array headers read off the wire
	minHashSize    = 2 + HashLength
	minMessageSize = 1 + minHashSize + 7 + 1 + 2
)

// EncodeMessage serializes a signed message for transport.
func EncodeMessage(m *ConsensusMessage) ([]byte, error) {
	return m.MarshalMsg(nil)
}

// DecodeMessage parses a message produced by EncodeMessage. Trailing bytes are rejected.
func DecodeMessage(b []byte) (*ConsensusMessage, error) {
	m := &ConsensusMessage{}
	left, err := m.UnmarshalMsg(b)
	if err != nil {
		if errors.Cause(err) != ErrDecode {
			err = errors.Wrap(ErrDecode, err.Error())
		}
		return nil, err
	}
	if len(left) != 0 {
		return nil, errors.Wrapf(ErrDecode, "%d trailing bytes", len(left))
	}
	return m, nil
}

func (m *ConsensusMessage) appendFields(o []byte) ([]byte, error) {
	if m.Body == nil {
		return o, errors.Wrap(ErrDecode, "message has no body")
	}
	o = msgp.AppendUint32(o, m.Version)
	o = msgp.AppendBytes(o, m.PrevHash[:])
	o = msgp.AppendUint64(o, m.Timestamp)
	o = msgp.AppendUint64(o, m.Nonce)
	o = msgp.AppendUint32(o, uint32(m.BlockIndex))
	o = msgp.AppendUint32(o, uint32(m.ViewNumber))
	o = msgp.AppendUint16(o, uint16(m.ValidatorIndex))
	o = msgp.AppendUint8(o, uint8(m.Body.Type()))
	return m.Body.MarshalMsg(o)
}

func (m *ConsensusMessage) appendUnsigned(o []byte) ([]byte, error) {
	o = msgp.AppendArrayHeader(o, unsignedFieldCount)
	return m.appendFields(o)
}

// MarshalMsg implements msgp.Marshaler
func (m *ConsensusMessage) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, m.Msgsize())
	o = msgp.AppendArrayHeader(o, messageFieldCount)
	o, err = m.appendFields(o)
	if err != nil {
		return
	}
	o = msgp.AppendBytes(o, m.Signature)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (m *ConsensusMessage) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var sz uint32
	sz, bts, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != messageFieldCount {
		err = msgp.ArrayError{Wanted: messageFieldCount, Got: sz}
		return
	}
	m.Version, bts, err = msgp.ReadUint32Bytes(bts)
	if err != nil {
		return
	}
	bts, err = readHash(bts, &m.PrevHash)
	if err != nil {
		return
	}
	m.Timestamp, bts, err = msgp.ReadUint64Bytes(bts)
	if err != nil {
		return
	}
	m.Nonce, bts, err = msgp.ReadUint64Bytes(bts)
	if err != nil {
		return
	}
	var u32 uint32
	u32, bts, err = msgp.ReadUint32Bytes(bts)
	if err != nil {
		return
	}
	m.BlockIndex = BlockIndex(u32)
	u32, bts, err = msgp.ReadUint32Bytes(bts)
	if err != nil {
		return
	}
	m.ViewNumber = ViewNumber(u32)
	var u16 uint16
	u16, bts, err = msgp.ReadUint16Bytes(bts)
	if err != nil {
		return
	}
	m.ValidatorIndex = ValidatorIndex(u16)
	var t uint8
	t, bts, err = msgp.ReadUint8Bytes(bts)
	if err != nil {
		return
	}
	m.Body, err = newMessageBody(MessageType(t))
	if err != nil {
		return
	}
	bts, err = m.Body.UnmarshalMsg(bts)
	if err != nil {
		return
	}
	m.Signature, bts, err = msgp.ReadBytesBytes(bts, nil)
	if err != nil {
		return
	}
	o = bts
	return
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (m *ConsensusMessage) Msgsize() (s int) {
	s = msgp.ArrayHeaderSize + msgp.Uint32Size + hashSize + 2*msgp.Uint64Size + 2*msgp.Uint32Size +
		msgp.Uint16Size + msgp.Uint8Size + msgp.BytesPrefixSize + len(m.Signature)
	if m.Body != nil {
		s += m.Body.Msgsize()
	}
	return
}

func readHash(bts []byte, h *Hash) ([]byte, error) {
	v, o, err := msgp.ReadBytesBytes(bts, nil)
	if err != nil {
		return bts, err
	}
	if len(v) != HashLength {
		return bts, errors.Wrapf(ErrDecode, "hash length %d", len(v))
	}
	copy(h[:], v)
	return o, nil
}

func appendHashes(o []byte, hashes []Hash) []byte {
	o = msgp.AppendArrayHeader(o, uint32(len(hashes)))
	for i := range hashes {
		o = msgp.AppendBytes(o, hashes[i][:])
	}
	return o
}

func readHashes(bts []byte) ([]Hash, []byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, bts, err
	}
	if uint64(sz)*minHashSize > uint64(len(bts)) {
		return nil, bts, errors.Wrapf(ErrDecode, "%d hashes announced in %d bytes", sz, len(bts))
	}
	hashes := make([]Hash, sz)
	for i := range hashes {
		bts, err = readHash(bts, &hashes[i])
		if err != nil {
			return nil, bts, err
		}
	}
	return hashes, bts, nil
}

func appendMessages(o []byte, msgs []*ConsensusMessage) ([]byte, error) {
	var err error
	o = msgp.AppendArrayHeader(o, uint32(len(msgs)))
	for _, msg := range msgs {
		o, err = msg.MarshalMsg(o)
		if err != nil {
			return o, err
		}
	}
	return o, nil
}

func readMessages(bts []byte) ([]*ConsensusMessage, []byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, bts, err
	}
	if uint64(sz)*minMessageSize > uint64(len(bts)) {
		return nil, bts, errors.Wrapf(ErrDecode, "%d messages announced in %d bytes", sz, len(bts))
	}
	msgs := make([]*ConsensusMessage, sz)
	for i := range msgs {
		msgs[i] = &ConsensusMessage{}
		bts, err = msgs[i].UnmarshalMsg(bts)
		if err != nil {
			return nil, bts, err
		}
	}
	return msgs, bts, nil
}

func messagesSize(msgs []*ConsensusMessage) (s int) {
	s = msgp.ArrayHeaderSize
	for _, msg := range msgs {
		s += msg.Msgsize()
	}
	return
}

// MarshalMsg implements msgp.Marshaler
func (p *PrepareRequest) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, p.Msgsize())
	o = appendHashes(o, p.TransactionHashes)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (p *PrepareRequest) UnmarshalMsg(bts []byte) (o []byte, err error) {
	p.TransactionHashes, o, err = readHashes(bts)
	return
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (p *PrepareRequest) Msgsize() int {
	return msgp.ArrayHeaderSize + len(p.TransactionHashes)*hashSize
}

// MarshalMsg implements msgp.Marshaler
func (p *PrepareResponse) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, p.Msgsize())
	o = msgp.AppendBytes(o, p.PreparationHash[:])
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (p *PrepareResponse) UnmarshalMsg(bts []byte) (o []byte, err error) {
	return readHash(bts, &p.PreparationHash)
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (p *PrepareResponse) Msgsize() int {
	return hashSize
}

// MarshalMsg implements msgp.Marshaler
func (c *Commit) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, c.Msgsize())
	// array header, size 2
	o = append(o, 0x92)
	o = msgp.AppendBytes(o, c.BlockHash[:])
	o = msgp.AppendBytes(o, c.BlockSignature)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (c *Commit) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var sz uint32
	sz, bts, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != 2 {
		err = msgp.ArrayError{Wanted: 2, Got: sz}
		return
	}
	bts, err = readHash(bts, &c.BlockHash)
	if err != nil {
		return
	}
	c.BlockSignature, bts, err = msgp.ReadBytesBytes(bts, nil)
	if err != nil {
		return
	}
	o = bts
	return
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (c *Commit) Msgsize() int {
	return 1 + hashSize + msgp.BytesPrefixSize + len(c.BlockSignature)
}

// MarshalMsg implements msgp.Marshaler
func (c *ChangeView) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, c.Msgsize())
	// array header, size 2
	o = append(o, 0x92)
	o = msgp.AppendUint32(o, uint32(c.NewView))
	o = msgp.AppendUint8(o, uint8(c.Reason))
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (c *ChangeView) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var sz uint32
	sz, bts, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != 2 {
		err = msgp.ArrayError{Wanted: 2, Got: sz}
		return
	}
	var v uint32
	v, bts, err = msgp.ReadUint32Bytes(bts)
	if err != nil {
		return
	}
	c.NewView = ViewNumber(v)
	var r uint8
	r, bts, err = msgp.ReadUint8Bytes(bts)
	if err != nil {
		return
	}
	c.Reason = ViewChangeReason(r)
	o = bts
	return
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (c *ChangeView) Msgsize() int {
	return 1 + msgp.Uint32Size + msgp.Uint8Size
}

// MarshalMsg implements msgp.Marshaler
func (r *RecoveryRequest) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, r.Msgsize())
	o = msgp.AppendString(o, r.SessionId)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (r *RecoveryRequest) UnmarshalMsg(bts []byte) (o []byte, err error) {
	r.SessionId, o, err = msgp.ReadStringBytes(bts)
	return
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (r *RecoveryRequest) Msgsize() int {
	return msgp.StringPrefixSize + len(r.SessionId)
}

// MarshalMsg implements msgp.Marshaler
func (r *RecoveryMessage) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, r.Msgsize())
	// array header, size 5
	o = append(o, 0x95)
	o = msgp.AppendString(o, r.SessionId)
	o, err = appendMessages(o, r.ChangeViews)
	if err != nil {
		return
	}
	if r.PrepareRequest == nil {
		o = msgp.AppendNil(o)
	} else {
		o, err = r.PrepareRequest.MarshalMsg(o)
		if err != nil {
			return
		}
	}
	o, err = appendMessages(o, r.PrepareResponses)
	if err != nil {
		return
	}
	o, err = appendMessages(o, r.Commits)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (r *RecoveryMessage) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var sz uint32
	sz, bts, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != 5 {
		err = msgp.ArrayError{Wanted: 5, Got: sz}
		return
	}
	r.SessionId, bts, err = msgp.ReadStringBytes(bts)
	if err != nil {
		return
	}
	r.ChangeViews, bts, err = readMessages(bts)
	if err != nil {
		return
	}
	if msgp.IsNil(bts) {
		bts, err = msgp.ReadNilBytes(bts)
		if err != nil {
			return
		}
		r.PrepareRequest = nil
	} else {
		r.PrepareRequest = &ConsensusMessage{}
		bts, err = r.PrepareRequest.UnmarshalMsg(bts)
		if err != nil {
			return
		}
	}
	r.PrepareResponses, bts, err = readMessages(bts)
	if err != nil {
		return
	}
	r.Commits, bts, err = readMessages(bts)
	if err != nil {
		return
	}
	o = bts
	return
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (r *RecoveryMessage) Msgsize() (s int) {
	s = 1 + msgp.StringPrefixSize + len(r.SessionId) + messagesSize(r.ChangeViews) +
		messagesSize(r.PrepareResponses) + messagesSize(r.Commits)
	if r.PrepareRequest == nil {
		s += msgp.NilSize
	} else {
		s += r.PrepareRequest.Msgsize()
	}
	return
}
