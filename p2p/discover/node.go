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

// Package discover implements peer discovery for the guild network.
//
// Nodes are identified by 256-bit IDs and kept in a Kademlia-style
// routing table ordered by XOR distance. Candidate peers are produced
// by fusing several discovery sources: a local port scan, configured
// bootstrap nodes and the routing table itself.
package discover

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
	"net"
	"time"

	"github.com/denisbrodbeck/machineid"
	"golang.org/x/crypto/blake2b"
)

const (
	// NodeIDBits is the size of a node identifier.
	NodeIDBits = 256

	hashBits = NodeIDBits
	nBuckets = hashBits // one bucket per distance-prefix length
)

// addrHashKey keys the blake2b hash that maps addresses to node IDs.
// Derived once from the machine id so the local identity is stable
// across restarts; falls back to a random key when no machine id is
// available (containers, stripped-down systems).
var addrHashKey = makeAddrHashKey()

func makeAddrHashKey() []byte {
	if id, err := machineid.ProtectedID("guild"); err == nil {
		sum := blake2b.Sum256([]byte(id))
		return sum[:]
	}
	key := make([]byte, 32)
	rand.Read(key)
	return key
}

// NodeID is a unique identifier for each guild node.
type NodeID [NodeIDBits / 8]byte

// Hex returns the hexadecimal representation of the ID.
func (n NodeID) Hex() string {
	return hex.EncodeToString(n[:])
}

func (n NodeID) String() string {
	return fmt.Sprintf("%x…%x", n[:4], n[28:])
}

// HexID converts a hex string to a NodeID.
// The string may be prefixed with 0x.
func HexID(in string) (NodeID, error) {
	if len(in) > 1 && in[0:2] == "0x" {
		in = in[2:]
	}
	var id NodeID
	b, err := hex.DecodeString(in)
	if err != nil {
		return id, err
	} else if len(b) != len(id) {
		return id, fmt.Errorf("wrong length, want %d hex chars", len(id)*2)
	}
	copy(id[:], b)
	return id, nil
}

// MustHexID converts a hex string to a NodeID.
// It panics if the string is not a valid NodeID.
func MustHexID(in string) NodeID {
	id, err := HexID(in)
	if err != nil {
		panic(err)
	}
	return id
}

// RandomID returns a NodeID drawn from crypto/rand.
func RandomID() NodeID {
	var id NodeID
	rand.Read(id[:])
	return id
}

// AddrID derives the NodeID of the node listening on addr. The mapping
// is a hash keyed with addrHashKey: it is stable within a process and,
// when the machine id is available, across restarts on the same machine.
// Processes on other machines, or using the random fallback key, derive
// different IDs for the same address.
func AddrID(addr string) NodeID {
	h, _ := blake2b.New256(addrHashKey)
	h.Write([]byte(addr))
	var id NodeID
	copy(id[:], h.Sum(nil))
	return id
}

// Distance is the bitwise XOR of two node IDs, ordered lexicographically
// over the raw bytes (equivalently: as a big-endian integer).
type Distance [NodeIDBits / 8]byte

// Dist returns the XOR distance between a and b.
func Dist(a, b NodeID) Distance {
	var d Distance
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// LeadingZeros returns the number of leading zero bits of the distance,
// in the range [0, 256]. The all-zero distance reports 256.
func (d Distance) LeadingZeros() int {
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return hashBits
}

// Cmp compares two distances, returning -1, 0 or 1.
func (d Distance) Cmp(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

// bucketIndex maps a distance to its k-bucket index. Distances whose
// leading-zero count falls outside [0, 255] (i.e. the zero distance)
// clamp to the last bucket.
func bucketIndex(d Distance) int {
	lz := d.LeadingZeros()
	if lz >= nBuckets {
		return nBuckets - 1
	}
	return lz
}

// Node is a discovered network participant.
type Node struct {
	ID       NodeID
	Addr     string // host:port the node listens on
	LastSeen uint64 // unix seconds of the most recent observation
}

// NewNode creates a node record for addr, deriving its ID from the
// address and stamping it with the current time.
func NewNode(addr string) *Node {
	return &Node{
		ID:       AddrID(addr),
		Addr:     addr,
		LastSeen: uint64(time.Now().Unix()),
	}
}

// validAddr reports whether s parses as a host:port address.
func validAddr(s string) bool {
	host, port, err := net.SplitHostPort(s)
	if err != nil || host == "" || port == "" {
		return false
	}
	_, err = net.ResolveUDPAddr("udp", s)
	return err == nil
}
