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
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []*Message{
		{Kind: MsgPing, Ping: &PingPacket{ID: "probe-1", TimestampMS: 1712000000123}},
		{Kind: MsgPong, Pong: &PingPacket{ID: "probe-1", TimestampMS: 1712000000123}},
		{Kind: MsgData, Data: []byte("block payload")},
	}
	for _, want := range tests {
		frame, err := EncodeMessage(want)
		if err != nil {
			t.Fatalf("encode kind %d: %v", want.Kind, err)
		}
		body, err := ReadFrame(bytes.NewReader(frame))
		if err != nil {
			t.Fatalf("read frame kind %d: %v", want.Kind, err)
		}
		got, err := DecodeMessage(body)
		if err != nil {
			t.Fatalf("decode kind %d: %v", want.Kind, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("kind %d round trip: got %+v, want %+v", want.Kind, got, want)
		}
	}
}

func TestFrameLengthPrefix(t *testing.T) {
	frame, err := EncodeMessage(&Message{Kind: MsgData, Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	size := binary.BigEndian.Uint32(frame[:4])
	if int(size) != len(frame)-4 {
		t.Errorf("length prefix %d, body is %d bytes", size, len(frame)-4)
	}
}

func TestFrameCap(t *testing.T) {
	// An envelope whose payload pushes past the 1 MiB cap must be
	// rejected on encode.
	big := make([]byte, MaxMessageSize)
	if _, err := EncodeMessage(&Message{Kind: MsgData, Data: big}); err == nil {
		t.Error("oversized message encoded")
	}

	// And an oversized length prefix must be rejected on read.
	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], MaxMessageSize+1)
	if _, err := ReadFrame(bytes.NewReader(frame[:])); err == nil {
		t.Error("oversized frame header accepted")
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := DecodeMessage([]byte("not cbor at all")); err == nil {
		t.Error("garbage decoded as a message")
	}
	if _, err := DecodeMessage(nil); err == nil {
		t.Error("empty body decoded as a message")
	}
}
