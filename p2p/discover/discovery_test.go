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

package discover

import (
	"fmt"
	"testing"
	"time"
)

func newTestDiscovery(t *testing.T, cfg Config) *Discovery {
	t.Helper()
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestLocalScanCanonicalPort(t *testing.T) {
	tests := []struct {
		port uint16
		want []string
	}{
		{
			// On the canonical port: only the three adjacent ports.
			port: 42000,
			want: []string{"127.0.0.1:42001", "127.0.0.1:42002", "127.0.0.1:42003"},
		},
		{
			// Inside the window: canonical port plus adjacents minus self.
			port: 42002,
			want: []string{"127.0.0.1:42000", "127.0.0.1:42001", "127.0.0.1:42003"},
		},
		{
			// Outside the window: canonical, adjacents, and the two
			// ports above the local one.
			port: 50000,
			want: []string{
				"127.0.0.1:42000", "127.0.0.1:42001", "127.0.0.1:42002",
				"127.0.0.1:42003", "127.0.0.1:50001", "127.0.0.1:50002",
			},
		},
		{
			// Just below the canonical port: the two ports above the
			// local one duplicate earlier entries and are deduplicated.
			port: 41999,
			want: []string{
				"127.0.0.1:42000", "127.0.0.1:42001", "127.0.0.1:42002",
				"127.0.0.1:42003",
			},
		},
	}
	for _, tt := range tests {
		scan := &localScan{port: tt.port}
		got := scan.DiscoverPeers()
		if !equalStrings(got, tt.want) {
			t.Errorf("port %d: got %v, want %v", tt.port, got, tt.want)
		}
	}
}

func containsString(list []string, s string) bool {
	for _, have := range list {
		if have == s {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestDiscoveryFusion covers the bootstrap + routing-table scenario:
// both sources contribute, the result is deduplicated and truncated.
func TestDiscoveryFusion(t *testing.T) {
	d := newTestDiscovery(t, Config{
		Port:           42020,
		BootstrapNodes: []string{"127.0.0.1:42000", "not-an-address"},
	})

	// A node already known to the routing table.
	d.tab.Add(&Node{ID: AddrID("127.0.0.1:42050"), Addr: "127.0.0.1:42050", LastSeen: uint64(time.Now().Unix())})

	got := d.Run()
	if !containsString(got, "127.0.0.1:42000") {
		t.Error("bootstrap candidate missing from fusion result")
	}
	if !containsString(got, "127.0.0.1:42050") {
		t.Error("routing-table candidate missing from fusion result")
	}
	if containsString(got, "not-an-address") {
		t.Error("malformed bootstrap entry leaked into the result")
	}
	seen := make(map[string]int)
	for _, addr := range got {
		seen[addr]++
		if seen[addr] > 1 {
			t.Errorf("candidate %s appears twice", addr)
		}
	}
	if len(got) > defaultMaxPeers {
		t.Errorf("candidate list of %d exceeds max peers", len(got))
	}

	// Fresh candidates must land in the routing table.
	if d.tab.Len() == 0 {
		t.Error("fusion pass did not populate the routing table")
	}
}

func TestDiscoveryMaxPeersTruncation(t *testing.T) {
	var seeds []string
	for i := 0; i < 30; i++ {
		seeds = append(seeds, fmt.Sprintf("127.0.0.1:%d", 43000+i))
	}
	d := newTestDiscovery(t, Config{Port: 50000, BootstrapNodes: seeds, MaxPeers: 10})

	got := d.Run()
	if len(got) != 10 {
		t.Fatalf("got %d candidates, want 10", len(got))
	}
}

func TestDiscoveryIdempotent(t *testing.T) {
	d := newTestDiscovery(t, Config{Port: 42001, BootstrapNodes: []string{"127.0.0.1:42000"}})
	first := d.Run()
	second := d.Run()
	if !containsString(second, "127.0.0.1:42000") {
		t.Error("second pass lost the bootstrap candidate")
	}
	_ = first
}

func TestKnownPeersCap(t *testing.T) {
	d := newTestDiscovery(t, Config{Port: 42010})

	for i := 0; i < maxKnownPeers+5; i++ {
		d.addKnown(fmt.Sprintf("10.0.%d.%d:42000", i/256, i%256), uint64(time.Now().Unix()))
	}
	peers := d.KnownPeers()
	if len(peers) != maxKnownPeers {
		t.Fatalf("known list holds %d, want %d", len(peers), maxKnownPeers)
	}
	// The oldest entries were evicted.
	for _, p := range peers {
		if p.Addr == "10.0.0.0:42000" || p.Addr == "10.0.0.4:42000" {
			t.Errorf("oldest entry %s survived eviction", p.Addr)
		}
	}
}

func TestCleanupStale(t *testing.T) {
	d := newTestDiscovery(t, Config{Port: 42010})
	now := uint64(time.Now().Unix())

	d.addKnown("10.0.0.1:42000", now-3600)
	d.addKnown("10.0.0.2:42000", now)
	d.CleanupStale(10 * time.Minute)

	peers := d.KnownPeers()
	if len(peers) != 1 {
		t.Fatalf("known list holds %d after cleanup, want 1", len(peers))
	}
	if peers[0].Addr != "10.0.0.2:42000" {
		t.Errorf("fresh peer evicted, stale one kept: %v", peers)
	}
}

func TestAnnounce(t *testing.T) {
	d := newTestDiscovery(t, Config{Port: 42030})
	d.Announce("127.0.0.1:42030")

	found := false
	for _, p := range d.KnownPeers() {
		if p.Addr == "127.0.0.1:42030" {
			found = true
		}
	}
	if !found {
		t.Error("announce did not add the local address to the known set")
	}
}

func TestNodeDBPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Port: 42040, NodeDBPath: dir + "/nodes"}

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	d.AddPeer("127.0.0.1:42055")
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	// A new pipeline over the same path seeds from the database.
	d2 := newTestDiscovery(t, cfg)
	if d2.tab.Len() == 0 {
		t.Error("restart did not seed the routing table from the node db")
	}
}
