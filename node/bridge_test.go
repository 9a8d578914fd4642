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

package node

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/guildnet/guild/ipc"
	"github.com/guildnet/guild/p2p"
	"github.com/guildnet/guild/p2p/discover"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	endpoint, err := p2p.NewEndpoint(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { endpoint.Close() })

	b := NewBridge(endpoint, nil)
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)
	return b
}

func dialBridge(t *testing.T, b *Bridge) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", b.Port()), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBridgeStartIdempotence(t *testing.T) {
	b := newTestBridge(t)
	if err := b.Start(); err == nil {
		t.Error("second Start succeeded, expected listener-taken error")
	}
}

func TestBridgeForwardsData(t *testing.T) {
	b := newTestBridge(t)
	conn := dialBridge(t, b)

	// Give the accept loop a moment to register the client.
	time.Sleep(100 * time.Millisecond)

	from := "10.1.1.1:42000"
	b.onData(from, []byte("consensus bytes"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, err := ipc.ReadMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != ipc.KindPeerMessage {
		t.Fatalf("got kind %d, want PeerMessage", m.Kind)
	}
	if m.Peer != discover.AddrID(from) {
		t.Error("sender id does not match the address-derived id")
	}
	if string(m.Data) != "consensus bytes" {
		t.Errorf("payload %q mangled", m.Data)
	}
}

func TestBridgePeerLifecycleEvents(t *testing.T) {
	b := newTestBridge(t)
	conn := dialBridge(t, b)
	time.Sleep(100 * time.Millisecond)

	addr := "10.1.1.2:42000"
	id := discover.AddrID(addr)

	b.onPeerEvent(addr, true)
	b.onPeerEvent(addr, false)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	joined, err := ipc.ReadMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	if joined.Kind != ipc.KindPeerJoined || joined.Peer != id {
		t.Errorf("first event %+v, want PeerJoined(%s)", joined, id)
	}
	left, err := ipc.ReadMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	if left.Kind != ipc.KindPeerLeft || left.Peer != id {
		t.Errorf("second event %+v, want PeerLeft(%s)", left, id)
	}
}

func TestBridgeClientDisconnect(t *testing.T) {
	b := newTestBridge(t)
	conn := dialBridge(t, b)
	time.Sleep(100 * time.Millisecond)

	conn.Close()
	// The listener keeps accepting after a client drops.
	conn2 := dialBridge(t, b)
	time.Sleep(100 * time.Millisecond)

	b.onData("10.1.1.3:42000", []byte("still alive"))
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, err := ipc.ReadMessage(conn2)
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Data) != "still alive" {
		t.Error("second client did not receive data after first disconnected")
	}
}

func TestBridgeBroadcastControl(t *testing.T) {
	b := newTestBridge(t)
	conn := dialBridge(t, b)
	time.Sleep(100 * time.Millisecond)

	// With no transport peers this is a no-op, but the frame must be
	// consumed without ending the session.
	if err := ipc.WriteMessage(conn, ipc.Broadcast([]byte("payload"))); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	b.onData("10.1.1.4:42000", []byte("follow-up"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ipc.ReadMessage(conn); err != nil {
		t.Fatalf("session ended after a Broadcast control frame: %v", err)
	}
}
