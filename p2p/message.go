// Copyright 2025 The guild Authors
// This file is part of the guild library.
//
// The guild library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The guild library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the guild library. If not, see <http://www.gnu.org/licenses/>.

package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxMessageSize caps one framed envelope on a sub-stream.
const MaxMessageSize = 1 << 20 // 1 MiB

var errMsgTooLarge = errors.New("message exceeds 1 MiB frame cap")

// MsgKind tags the transport envelope variants.
type MsgKind uint8

const (
	MsgPing MsgKind = iota + 1
	MsgPong
	MsgData
)

// PingPacket carries a liveness probe or its echo. Pong replies repeat
// the probe's id and timestamp so the sender can compute the round
// trip without keeping state per probe.
type PingPacket struct {
	ID          string `cbor:"1,keyasint"`
	TimestampMS uint64 `cbor:"2,keyasint"`
}

// Message is the transport envelope. Exactly one envelope travels per
// unidirectional sub-stream, length-prefixed.
type Message struct {
	Kind MsgKind     `cbor:"1,keyasint"`
	Ping *PingPacket `cbor:"2,keyasint,omitempty"`
	Pong *PingPacket `cbor:"3,keyasint,omitempty"`
	Data []byte      `cbor:"4,keyasint,omitempty"`
}

// EncodeMessage serializes m with its length prefix.
func EncodeMessage(m *Message) ([]byte, error) {
	body, err := cbor.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxMessageSize {
		return nil, errMsgTooLarge
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// ReadFrame reads one length-prefixed frame body from r, enforcing the
// size cap.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds 1 MiB cap", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// DecodeMessage parses a frame body into an envelope.
func DecodeMessage(body []byte) (*Message, error) {
	m := new(Message)
	if err := cbor.Unmarshal(body, m); err != nil {
		return nil, err
	}
	if m.Kind < MsgPing || m.Kind > MsgData {
		return nil, fmt.Errorf("unknown message kind %d", m.Kind)
	}
	return m, nil
}
