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

// Package ipc carries the framed loopback protocol between the Home
// daemon and its consensus sibling: 4-byte big-endian length, then a
// serialized tagged message.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/guildnet/guild/p2p/discover"
)

// maxFrameSize bounds one IPC frame. Network payloads are capped at
// 1 MiB by the transport; the envelope adds a little on top.
const maxFrameSize = 2 << 20

// Kind tags the message variants.
type Kind uint8

const (
	// Home -> consensus.
	KindPeerMessage Kind = iota + 1
	KindPeerJoined
	KindPeerLeft

	// Consensus -> Home.
	KindBroadcast
	KindSendTo
)

// Message is the IPC frame payload. Peer identifies the sender
// (PeerMessage), the subject (PeerJoined/PeerLeft) or the target
// (SendTo); Data carries the opaque payload where the variant has one.
type Message struct {
	Kind Kind            `cbor:"1,keyasint"`
	Peer discover.NodeID `cbor:"2,keyasint"`
	Data []byte          `cbor:"3,keyasint,omitempty"`
}

// PeerMessage builds a Home->consensus payload delivery.
func PeerMessage(from discover.NodeID, data []byte) Message {
	return Message{Kind: KindPeerMessage, Peer: from, Data: data}
}

// PeerJoined announces a new transport peer.
func PeerJoined(id discover.NodeID) Message {
	return Message{Kind: KindPeerJoined, Peer: id}
}

// PeerLeft announces a departed transport peer.
func PeerLeft(id discover.NodeID) Message {
	return Message{Kind: KindPeerLeft, Peer: id}
}

// Broadcast asks Home to fan the payload out to every peer.
func Broadcast(data []byte) Message {
	return Message{Kind: KindBroadcast, Data: data}
}

// SendTo asks Home to deliver the payload to one peer.
func SendTo(peer discover.NodeID, data []byte) Message {
	return Message{Kind: KindSendTo, Peer: peer, Data: data}
}

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, m Message) error {
	body, err := cbor.Marshal(&m)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadMessage reads and decodes one framed message.
func ReadMessage(r io.Reader) (Message, error) {
	var m Message
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return m, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxFrameSize {
		return m, fmt.Errorf("ipc frame of %d bytes exceeds cap", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return m, err
	}
	if err := cbor.Unmarshal(body, &m); err != nil {
		return m, err
	}
	if m.Kind < KindPeerMessage || m.Kind > KindSendTo {
		return m, fmt.Errorf("unknown ipc message kind %d", m.Kind)
	}
	return m, nil
}
