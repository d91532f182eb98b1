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
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryMessageRoundTrip(t *testing.T) {
	c := newTestCommittee(t, 4)
	req := c.prepareRequest(t, 1, 1, 0, Hash{9}, Hash{8})
	block := NewPreparedBlock(req)
	rec := c.message(t, 2, 1, 0, &RecoveryMessage{
		SessionId:        "5c7e",
		ChangeViews:      []*ConsensusMessage{c.changeView(t, 3, 1, 0)},
		PrepareRequest:   req,
		PrepareResponses: []*ConsensusMessage{c.response(t, 0, block), c.response(t, 2, block)},
		Commits:          []*ConsensusMessage{c.commit(t, 2, 1, 0, block.Hash)},
	})

	b, err := EncodeMessage(rec)
	require.NoError(t, err)
	decoded, err := DecodeMessage(b)
	require.NoError(t, err)

	assert.Equal(t, rec.ConsensusPayload, decoded.ConsensusPayload)
	assert.True(t, decoded.Verify(c.signers[2], c.signers[2].PubKey.Bytes))
	body, ok := decoded.Body.(*RecoveryMessage)
	require.True(t, ok)
	assert.Equal(t, "5c7e", body.SessionId)
	require.NotNil(t, body.PrepareRequest)
	assert.Equal(t, block.Hash, NewPreparedBlock(body.PrepareRequest).Hash)
	require.Len(t, body.PrepareResponses, 2)
	assert.True(t, body.PrepareResponses[1].Verify(c.signers[2], c.signers[2].PubKey.Bytes))
	require.Len(t, body.Commits, 1)
	assert.Equal(t, block.Hash, body.Commits[0].Body.(*Commit).BlockHash)
	require.Len(t, body.ChangeViews, 1)
	assert.Equal(t, ViewNumber(1), body.ChangeViews[0].Body.(*ChangeView).NewView)
}

func TestRecoveryMessageWithoutProposal(t *testing.T) {
	c := newTestCommittee(t, 4)
	rec := c.message(t, 0, 5, 2, &RecoveryMessage{SessionId: "s"})
	b, err := EncodeMessage(rec)
	require.NoError(t, err)
	decoded, err := DecodeMessage(b)
	require.NoError(t, err)
	body := decoded.Body.(*RecoveryMessage)
	assert.Nil(t, body.PrepareRequest)
	assert.Empty(t, body.Commits)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	c := newTestCommittee(t, 4)
	b, err := EncodeMessage(c.changeView(t, 1, 1, 0))
	require.NoError(t, err)

	_, err = DecodeMessage(append(b, 0x00))
	assert.True(t, errors.Is(err, ErrDecode))

	_, err = DecodeMessage(b[:len(b)-3])
	assert.True(t, errors.Is(err, ErrDecode))

	_, err = DecodeMessage([]byte{0x01, 0x02})
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestSignatureCoversPayload(t *testing.T) {
	c := newTestCommittee(t, 4)
	msg := c.commit(t, 1, 1, 0, Hash{7})
	pub := c.signers[1].PubKey.Bytes
	assert.True(t, msg.Verify(c.signers[1], pub))

	msg.ViewNumber = 1
	assert.False(t, msg.Verify(c.signers[1], pub))
	msg.ViewNumber = 0
	msg.Body.(*Commit).BlockHash = Hash{8}
	assert.False(t, msg.Verify(c.signers[1], pub))
	msg.Body.(*Commit).BlockHash = Hash{7}
	assert.False(t, msg.Verify(c.signers[1], c.signers[2].PubKey.Bytes))
}

func TestDecodeBoundsArrayHeaders(t *testing.T) {
	payload := ConsensusPayload{BlockIndex: 1, Nonce: 7}

	b, err := EncodeMessage(&ConsensusMessage{ConsensusPayload: payload, Body: &PrepareRequest{}})
	require.NoError(t, err)
	// empty hash list followed by an empty signature
	require.Equal(t, []byte{0x90, 0xc4, 0x00}, b[len(b)-3:])
	huge := append(append([]byte{}, b[:len(b)-3]...), 0xdd, 0x01, 0x00, 0x00, 0x00)
	_, err = DecodeMessage(huge)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.Contains(t, err.Error(), "16777216 hashes announced")
	assert.Equal(t, 1, strings.Count(err.Error(), ErrDecode.Error()))

	b, err = EncodeMessage(&ConsensusMessage{ConsensusPayload: payload, Body: &RecoveryMessage{}})
	require.NoError(t, err)
	// session id, change views, no proposal, responses, commits, signature
	require.Equal(t, []byte{0xa0, 0x90, 0xc0, 0x90, 0x90, 0xc4, 0x00}, b[len(b)-7:])
	huge = append(append([]byte{}, b[:len(b)-6]...), 0xdd, 0xff, 0xff, 0xff, 0xff)
	_, err = DecodeMessage(huge)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.Contains(t, err.Error(), "messages announced")
}
