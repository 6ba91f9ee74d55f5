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

package peerwire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/torrentengine/core/core"
)

const protocolID = "BitTorrent protocol"

// ReservedBits are the 8 handshake reserved bytes advertising optional
// capabilities. Bit 20 (counting from the LSB of the last byte) is the
// BEP-10 extension protocol flag, per convention.
type ReservedBits [8]byte

// extensionProtocolByte is the reserved byte whose 0x10 bit advertises
// BEP-10 support.
const extensionProtocolByte = 5 // reserved[5] bit 0x10, the de facto BEP-10 slot

// SetExtensionProtocol sets or clears the BEP-10 capability bit.
func (r *ReservedBits) SetExtensionProtocol(on bool) {
	if on {
		r[extensionProtocolByte] |= 0x10
	} else {
		r[extensionProtocolByte] &^= 0x10
	}
}

// ExtensionProtocol reports whether the BEP-10 capability bit is set.
func (r ReservedBits) ExtensionProtocol() bool {
	return r[extensionProtocolByte]&0x10 != 0
}

// FastExtension reports whether BEP-6 fast extension support is
// advertised, using its conventional reserved bit.
func (r ReservedBits) FastExtension() bool {
	return r[7]&0x04 != 0
}

// SetFastExtension sets or clears the BEP-6 capability bit.
func (r *ReservedBits) SetFastExtension(on bool) {
	if on {
		r[7] |= 0x04
	} else {
		r[7] &^= 0x04
	}
}

// Handshake is the 68-byte BEP-3 handshake: a 1-byte protocol name length,
// the protocol name, 8 reserved bytes, the torrent's infohash, and the
// sender's peer id.
type Handshake struct {
	Reserved ReservedBits
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

const handshakeLength = 1 + len(protocolID) + 8 + 20 + 20

// Encode serializes h into its 68-byte wire form.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, handshakeLength)
	buf = append(buf, byte(len(protocolID)))
	buf = append(buf, protocolID...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash.Bytes()...)
	buf = append(buf, h.PeerID.Bytes()...)
	return buf
}

// DecodeHandshake reads and parses a 68-byte handshake from r.
func DecodeHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, handshakeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	nameLen := int(buf[0])
	if nameLen != len(protocolID) {
		return nil, fmt.Errorf("%w: unexpected protocol name length %d", ErrProtocol, nameLen)
	}
	if !bytes.Equal(buf[1:1+nameLen], []byte(protocolID)) {
		return nil, fmt.Errorf("%w: unexpected protocol name", ErrProtocol)
	}
	var h Handshake
	copy(h.Reserved[:], buf[1+nameLen:1+nameLen+8])
	offset := 1 + nameLen + 8
	ih, err := core.NewInfoHashFromBytes(buf[offset : offset+20])
	if err != nil {
		return nil, err
	}
	h.InfoHash = ih
	pid, err := core.NewPeerIDFromBytes(buf[offset+20 : offset+40])
	if err != nil {
		return nil, err
	}
	h.PeerID = pid
	return &h, nil
}

// Validate enforces the disconnect rules in §4.3: the infohash must be one
// we serve and the remote peer id must not equal our own.
func (h *Handshake) Validate(expected core.InfoHash, local core.PeerID) error {
	if h.InfoHash != expected {
		return fmt.Errorf("%w: unexpected info hash", ErrProtocol)
	}
	if h.PeerID == local {
		return fmt.Errorf("%w: remote peer id equals local peer id", ErrProtocol)
	}
	return nil
}
