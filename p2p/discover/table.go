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
	"sort"
	"sync"
)

const (
	bucketSize = 20 // Kademlia bucket size (k)
	alpha      = 3  // Kademlia concurrency factor; FindNode returns this many closest nodes
)

// bucket contains nodes, ordered by their last activity. The entry that
// was most recently seen is the last element in entries.
type bucket struct {
	entries []*Node
}

// bump moves n to the tail of the bucket if an entry with the same ID
// is present. The return value is true if the entry was found.
func (b *bucket) bump(n *Node) bool {
	for i := range b.entries {
		if b.entries[i].ID == n.ID {
			copy(b.entries[i:], b.entries[i+1:])
			b.entries[len(b.entries)-1] = n
			return true
		}
	}
	return false
}

// Table is the routing table: one bucket per distance-prefix length
// from the local node ID.
type Table struct {
	self NodeID

	mutex   sync.RWMutex // protects buckets and their content
	buckets [nBuckets]*bucket
}

// NewTable creates a routing table centered on the given local ID.
func NewTable(self NodeID) *Table {
	tab := &Table{self: self}
	for i := range tab.buckets {
		tab.buckets[i] = new(bucket)
	}
	return tab
}

// Self returns the local node ID the table is centered on.
func (tab *Table) Self() NodeID {
	return tab.self
}

// Add attempts to add the given node to its corresponding bucket. If an
// entry with the same ID exists it is refreshed by moving it to the
// tail. If the bucket has space the node is appended at the tail.
// A full bucket rejects the candidate; whether to probe and replace the
// least-recently-seen entry is left to the caller. The return value is
// true if the node is in the table afterwards.
func (tab *Table) Add(n *Node) bool {
	if n.ID == tab.self {
		return false
	}
	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	b := tab.buckets[bucketIndex(Dist(tab.self, n.ID))]
	if b.bump(n) {
		return true
	}
	if len(b.entries) >= bucketSize {
		return false
	}
	b.entries = append(b.entries, n)
	return true
}

// Remove deletes the entry with the given ID, if present.
func (tab *Table) Remove(id NodeID) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	b := tab.buckets[bucketIndex(Dist(tab.self, id))]
	for i := range b.entries {
		if b.entries[i].ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// Closest returns up to count nodes ordered by ascending XOR distance
// to target. All buckets are gathered and sorted; with at most
// bucketSize*nBuckets entries the full sort is cheap enough.
func (tab *Table) Closest(target NodeID, count int) []*Node {
	tab.mutex.RLock()
	var all []*Node
	for _, b := range tab.buckets {
		all = append(all, b.entries...)
	}
	tab.mutex.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return Dist(all[i].ID, target).Cmp(Dist(all[j].ID, target)) < 0
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Len returns the total number of nodes held in the table.
func (tab *Table) Len() (n int) {
	tab.mutex.RLock()
	defer tab.mutex.RUnlock()
	for _, b := range tab.buckets {
		n += len(b.entries)
	}
	return n
}
