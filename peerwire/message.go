// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package peerwire implements the BEP-3 peer wire protocol (C3): the
// handshake, the framed message stream, and the per-peer choke/interest
// state machine with request pipelining.
package peerwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies the type of a post-handshake wire message.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

// Extended is BEP-10's extension protocol message id.
const Extended MessageID = 20

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// ErrProtocol is returned for any malformed frame: bad length prefix,
// truncated payload, or an oversized packet.
var ErrProtocol = errors.New("peer wire protocol error")

// Message is a single post-handshake wire message. KeepAlive messages are
// represented as a Message with IsKeepAlive set and no other fields valid.
type Message struct {
	IsKeepAlive bool
	ID          MessageID
	Payload     []byte
}

// RequestPayload decodes a Request or Cancel message's payload.
type RequestPayload struct {
	Piece  uint32
	Offset uint32
	Length uint32
}

// PiecePayload decodes a Piece message's payload.
type PiecePayload struct {
	Piece  uint32
	Offset uint32
	Block  []byte
}

// EncodeRequest builds a Request (or, with the same layout, Cancel)
// message.
func EncodeRequest(id MessageID, p RequestPayload) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], p.Piece)
	binary.BigEndian.PutUint32(payload[4:8], p.Offset)
	binary.BigEndian.PutUint32(payload[8:12], p.Length)
	return &Message{ID: id, Payload: payload}
}

// DecodeRequest parses a Request or Cancel message's payload.
func DecodeRequest(m *Message) (RequestPayload, error) {
	if len(m.Payload) != 12 {
		return RequestPayload{}, fmt.Errorf("%w: request payload length %d", ErrProtocol, len(m.Payload))
	}
	return RequestPayload{
		Piece:  binary.BigEndian.Uint32(m.Payload[0:4]),
		Offset: binary.BigEndian.Uint32(m.Payload[4:8]),
		Length: binary.BigEndian.Uint32(m.Payload[8:12]),
	}, nil
}

// EncodePiece builds a Piece message carrying block.
func EncodePiece(p PiecePayload) *Message {
	payload := make([]byte, 8+len(p.Block))
	binary.BigEndian.PutUint32(payload[0:4], p.Piece)
	binary.BigEndian.PutUint32(payload[4:8], p.Offset)
	copy(payload[8:], p.Block)
	return &Message{ID: Piece, Payload: payload}
}

// DecodePiece parses a Piece message's payload.
func DecodePiece(m *Message) (PiecePayload, error) {
	if len(m.Payload) < 8 {
		return PiecePayload{}, fmt.Errorf("%w: piece payload too short", ErrProtocol)
	}
	return PiecePayload{
		Piece:  binary.BigEndian.Uint32(m.Payload[0:4]),
		Offset: binary.BigEndian.Uint32(m.Payload[4:8]),
		Block:  m.Payload[8:],
	}, nil
}

// EncodeHave builds a Have message for piece.
func EncodeHave(piece uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, piece)
	return &Message{ID: Have, Payload: payload}
}

// DecodeHave parses a Have message's payload.
func DecodeHave(m *Message) (uint32, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: have payload length %d", ErrProtocol, len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// WriteMessage frames m as <4-byte big-endian length><1-byte id><payload>
// and writes it to w. A keep-alive is written as a bare zero length.
func WriteMessage(w io.Writer, m *Message) error {
	if m.IsKeepAlive {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}
	length := uint32(1 + len(m.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one framed message from r, enforcing maxPacketLength
// on the payload. A zero-length frame decodes to a keep-alive.
func ReadMessage(r io.Reader, maxPacketLength int) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return &Message{IsKeepAlive: true}, nil
	}
	if int(length)-1 > maxPacketLength {
		return nil, fmt.Errorf("%w: payload length %d exceeds max %d", ErrProtocol, length-1, maxPacketLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}
