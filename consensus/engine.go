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

package consensus

import (
	"time"

	"github.com/guildnet/guild/logger"
	"github.com/guildnet/guild/p2p/discover"
)

// maxCommittedBlocks bounds the in-memory history; the oldest entry is
// evicted first.
const maxCommittedBlocks = 100

// Engine holds the consensus state of one validator. It is driven by
// a single goroutine selecting over the tick and the inbound bridge
// messages, so it carries no lock of its own.
type Engine struct {
	self discover.NodeID
	log  *logger.Logger

	validators    []discover.NodeID
	currentHeight uint64
	currentRound  uint32 // reserved; no view change is driven yet

	votes     map[uint64][]Vote
	lastBlock *Block
	committed []Block
}

// New creates an engine whose validator set initially contains only
// the local node.
func New(self discover.NodeID, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Discard
	}
	return &Engine{
		self:       self,
		log:        log,
		validators: []discover.NodeID{self},
		votes:      make(map[uint64][]Vote),
	}
}

// Self returns the local validator ID.
func (e *Engine) Self() discover.NodeID { return e.self }

// Height returns the height the engine is currently working on.
func (e *Engine) Height() uint64 { return e.currentHeight }

// Validators returns the current validator count.
func (e *Engine) Validators() int { return len(e.validators) }

// AddValidator inserts the validator unless already present.
func (e *Engine) AddValidator(id discover.NodeID) {
	for _, v := range e.validators {
		if v == id {
			return
		}
	}
	e.validators = append(e.validators, id)
	e.log.Infof("validator added, %d total", len(e.validators))
}

// RemoveValidator drops the validator if present.
func (e *Engine) RemoveValidator(id discover.NodeID) {
	for i, v := range e.validators {
		if v == id {
			e.validators = append(e.validators[:i], e.validators[i+1:]...)
			e.log.Infof("validator removed, %d total", len(e.validators))
			return
		}
	}
}

// Proposer returns the validator selected for the given height by
// round-robin over the ordered set.
func (e *Engine) Proposer(height uint64) discover.NodeID {
	if len(e.validators) == 0 {
		return discover.NodeID{}
	}
	return e.validators[int(height%uint64(len(e.validators)))]
}

// IsMyTurn reports whether the local node proposes the current height.
func (e *Engine) IsMyTurn() bool {
	if len(e.validators) == 0 {
		return false
	}
	return e.Proposer(e.currentHeight) == e.self
}

// LastHash returns the hash of the last committed block, or zero when
// nothing has been committed.
func (e *Engine) LastHash() [32]byte {
	if e.lastBlock == nil {
		return [32]byte{}
	}
	return e.lastBlock.Hash()
}

// CreateBlock builds the proposal for the current height.
func (e *Engine) CreateBlock() *Block {
	return &Block{
		Height:    e.currentHeight,
		Timestamp: uint64(time.Now().Unix()),
		PrevHash:  e.LastHash(),
		Proposer:  e.self,
	}
}

// Validate accepts a proposal iff it targets the current height,
// chains from the last hash and comes from the height's proposer.
// Rejection is a local predicate, not an error.
func (e *Engine) Validate(b *Block) bool {
	if b.Height != e.currentHeight {
		e.log.Debugf("rejecting block at height %d, expected %d", b.Height, e.currentHeight)
		return false
	}
	if b.PrevHash != e.LastHash() {
		e.log.Debugf("rejecting block %d: previous hash mismatch", b.Height)
		return false
	}
	if b.Proposer != e.Proposer(b.Height) {
		e.log.Debugf("rejecting block %d: wrong proposer", b.Height)
		return false
	}
	return true
}

// CreateVote builds the local vote for a block.
func (e *Engine) CreateVote(b *Block) Vote {
	return NewVote(b, e.self)
}

// AddVote stores the vote unless the voter already voted at that
// height. The return value is true if the vote was appended.
func (e *Engine) AddVote(v Vote) bool {
	for _, have := range e.votes[v.Height] {
		if have.Voter == v.Voter {
			return false
		}
	}
	e.votes[v.Height] = append(e.votes[v.Height], v)
	e.log.Debugf("vote %d/%d at height %d",
		len(e.votes[v.Height]), e.quorumSize(), v.Height)
	return true
}

// CheckQuorum reports whether the height has collected enough votes.
func (e *Engine) CheckQuorum(height uint64) bool {
	return len(e.votes[height]) >= e.quorumSize()
}

// quorumSize is 2f+1 over the validator set; a lone node (or an empty
// set) quorums at one.
func (e *Engine) quorumSize() int {
	if len(e.validators) == 0 {
		return 1
	}
	return len(e.validators)*2/3 + 1
}

// Finalize recognizes quorum at the height: the engine advances to the
// next height and drops the collected votes.
func (e *Engine) Finalize(height uint64) {
	e.currentHeight = height + 1
	delete(e.votes, height)
	e.log.Infof("height %d finalized, now at %d", height, e.currentHeight)
}

// Commit appends the block to the bounded history and makes it the
// chain tip.
func (e *Engine) Commit(b Block) {
	e.lastBlock = &b
	e.committed = append(e.committed, b)
	if len(e.committed) > maxCommittedBlocks {
		e.committed = e.committed[1:]
	}
}

// Committed returns the number of blocks in the history.
func (e *Engine) Committed() int { return len(e.committed) }

// Stats is a snapshot of the engine counters.
type Stats struct {
	Height     uint64
	Validators int
	Committed  int
}

// Stats snapshots the engine.
func (e *Engine) Stats() Stats {
	return Stats{
		Height:     e.currentHeight,
		Validators: len(e.validators),
		Committed:  len(e.committed),
	}
}
