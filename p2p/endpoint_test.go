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
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

func newTestEndpoint(t *testing.T, port uint16) *Endpoint {
	t.Helper()
	e, err := NewEndpoint(port, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEndpointPortContention(t *testing.T) {
	// Pre-bind a UDP port so the endpoint has to move on.
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()
	base := uint16(taken.LocalAddr().(*net.UDPAddr).Port)

	e := newTestEndpoint(t, base)
	if e.LocalPort() == base {
		t.Fatalf("endpoint bound the contended port %d", base)
	}
	if e.LocalPort() < base || e.LocalPort() > base+maxBindIncrements {
		t.Errorf("endpoint bound %d, expected a port just above %d", e.LocalPort(), base)
	}
}

func TestEndpointAutoPort(t *testing.T) {
	e := newTestEndpoint(t, 0)
	if e.LocalPort() == 0 {
		t.Error("endpoint reports port 0 after binding")
	}
}

func TestTwoNodeConnectAndPing(t *testing.T) {
	a := newTestEndpoint(t, 0)
	b := newTestEndpoint(t, 0)

	if err := a.Connect(fmt.Sprintf("127.0.0.1:%d", b.LocalPort())); err != nil {
		t.Fatal(err)
	}
	if a.PeerCount() != 1 {
		t.Fatalf("a has %d peers after dial, want 1", a.PeerCount())
	}
	waitFor(t, 5*time.Second, func() bool { return b.PeerCount() == 1 },
		"b never observed the inbound session")

	before := a.PeersInfo()[0].LastPong
	a.SendPing()
	waitFor(t, 5*time.Second, func() bool {
		info := a.PeersInfo()
		return len(info) == 1 && info[0].LastPong.After(before)
	}, "a never received a pong")

	if latency := a.PeersInfo()[0].LatencyMS; latency > 200 {
		t.Errorf("loopback latency %d ms, expected ≤ 200", latency)
	}
}

func TestBroadcastDelivery(t *testing.T) {
	a := newTestEndpoint(t, 0)
	b := newTestEndpoint(t, 0)

	var (
		mu  sync.Mutex
		got [][]byte
	)
	b.SetDataHandler(func(from string, payload []byte) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	})

	if err := a.Connect(fmt.Sprintf("127.0.0.1:%d", b.LocalPort())); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return b.PeerCount() == 1 },
		"b never observed the inbound session")

	a.Broadcast([]byte("hello guild"))
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && string(got[0]) == "hello guild"
	}, "broadcast payload never arrived")
}

func TestHealthSweepEvictsSilentPeer(t *testing.T) {
	a := newTestEndpoint(t, 0)
	b := newTestEndpoint(t, 0)

	addr := fmt.Sprintf("127.0.0.1:%d", b.LocalPort())
	if err := a.Connect(addr); err != nil {
		t.Fatal(err)
	}

	// A healthy peer survives the sweep.
	a.CheckPeerHealth()
	if a.PeerCount() != 1 {
		t.Fatal("sweep evicted a fresh peer")
	}

	// Age the pong observation past the window; the next sweep must
	// drop the peer.
	p := a.peer(addr)
	p.mu.Lock()
	p.lastPong = time.Now().Add(-healthTimeout - time.Second)
	p.mu.Unlock()

	a.CheckPeerHealth()
	if a.PeerCount() != 0 {
		t.Fatalf("a has %d peers after sweep, want 0", a.PeerCount())
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	a := newTestEndpoint(t, 0)
	if err := a.SendTo("127.0.0.1:1", []byte("x")); err != ErrUnknownPeer {
		t.Errorf("got %v, want ErrUnknownPeer", err)
	}
}
