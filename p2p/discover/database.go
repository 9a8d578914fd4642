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
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	nodeDBPrefix     = []byte("n:") // identifier to prefix node entries with
	nodeDBExpiration = 24 * time.Hour
)

// nodeDB stores previously seen nodes so discovery has seeds to work
// with across restarts. All accesses go through leveldb's own
// synchronization.
type nodeDB struct {
	lvl *leveldb.DB
}

// newNodeDB opens the node database at the given path, or an in-memory
// database when path is empty (useful for ephemeral nodes and tests).
func newNodeDB(path string) (*nodeDB, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &nodeDB{lvl: db}, nil
}

func nodeKey(id NodeID) []byte {
	return append(nodeDBPrefix, id[:]...)
}

// updateNode inserts or overwrites the record for n.
func (db *nodeDB) updateNode(n *Node) error {
	blob, err := cbor.Marshal(n)
	if err != nil {
		return err
	}
	return db.lvl.Put(nodeKey(n.ID), blob, nil)
}

// node retrieves the record with the given ID, or nil if unknown.
func (db *nodeDB) node(id NodeID) *Node {
	blob, err := db.lvl.Get(nodeKey(id), nil)
	if err != nil {
		return nil
	}
	n := new(Node)
	if err := cbor.Unmarshal(blob, n); err != nil {
		return nil
	}
	return n
}

// deleteNode removes the record with the given ID.
func (db *nodeDB) deleteNode(id NodeID) error {
	return db.lvl.Delete(nodeKey(id), nil)
}

// querySeeds returns up to count stored nodes whose last-seen timestamp
// is within maxAge.
func (db *nodeDB) querySeeds(count int, maxAge time.Duration) []*Node {
	var (
		seeds  []*Node
		cutoff = uint64(time.Now().Add(-maxAge).Unix())
	)
	it := db.iterate()
	defer it.Release()
	for it.Next() && len(seeds) < count {
		n := new(Node)
		if err := cbor.Unmarshal(it.Value(), n); err != nil {
			continue
		}
		if n.LastSeen < cutoff {
			continue
		}
		seeds = append(seeds, n)
	}
	return seeds
}

// expireNodes drops all records older than nodeDBExpiration. It returns
// the number of deleted entries.
func (db *nodeDB) expireNodes() int {
	var (
		deleted int
		cutoff  = uint64(time.Now().Add(-nodeDBExpiration).Unix())
	)
	it := db.iterate()
	defer it.Release()
	for it.Next() {
		n := new(Node)
		if err := cbor.Unmarshal(it.Value(), n); err != nil || n.LastSeen < cutoff {
			if db.lvl.Delete(append([]byte{}, it.Key()...), nil) == nil {
				deleted++
			}
		}
	}
	return deleted
}

func (db *nodeDB) iterate() iterator.Iterator {
	return db.lvl.NewIterator(util.BytesPrefix(nodeDBPrefix), nil)
}

func (db *nodeDB) close() error {
	return db.lvl.Close()
}
