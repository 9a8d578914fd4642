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

// Package consensus implements the guild replicated-state engine: a
// round-robin propose/vote/commit state machine over opaque blocks,
// finalizing on a 2f+1 quorum.
package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/guildnet/guild/p2p/discover"
)

// Block is one entry of the append-only sequence. Payload semantics
// inside Data are opaque to the engine.
type Block struct {
	Height    uint64          `cbor:"1,keyasint"`
	Timestamp uint64          `cbor:"2,keyasint"`
	PrevHash  [32]byte        `cbor:"3,keyasint"`
	Proposer  discover.NodeID `cbor:"4,keyasint"`
	Data      []byte          `cbor:"5,keyasint,omitempty"`
}

// Hash is SHA-256 over height, timestamp (big-endian), prev hash,
// proposer and data, in that order.
func (b *Block) Hash() [32]byte {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.Height)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], b.Timestamp)
	h.Write(buf[:])
	h.Write(b.PrevHash[:])
	h.Write(b.Proposer[:])
	h.Write(b.Data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Vote endorses a block at a height. The signature is a placeholder
// concatenation of block hash and voter; a detached signature over
// height and hash under the voter's long-term key replaces it once
// real identities exist.
type Vote struct {
	Height    uint64          `cbor:"1,keyasint"`
	BlockHash [32]byte        `cbor:"2,keyasint"`
	Voter     discover.NodeID `cbor:"3,keyasint"`
	Signature []byte          `cbor:"4,keyasint"`
}

// NewVote builds a vote for the block by the given voter.
func NewVote(b *Block, voter discover.NodeID) Vote {
	hash := b.Hash()
	sig := make([]byte, 0, len(hash)+len(voter))
	sig = append(sig, hash[:]...)
	sig = append(sig, voter[:]...)
	return Vote{
		Height:    b.Height,
		BlockHash: hash,
		Voter:     voter,
		Signature: sig,
	}
}

// Kind tags the consensus envelope variants.
type Kind uint8

const (
	KindPropose Kind = iota + 1
	KindVote
	KindCommit
)

// Message is the consensus envelope exchanged through the bridge.
type Message struct {
	Kind  Kind   `cbor:"1,keyasint"`
	Block *Block `cbor:"2,keyasint,omitempty"`
	Vote  *Vote  `cbor:"3,keyasint,omitempty"`
}

// Propose wraps a block proposal.
func Propose(b *Block) Message { return Message{Kind: KindPropose, Block: b} }

// VoteMsg wraps a vote.
func VoteMsg(v Vote) Message { return Message{Kind: KindVote, Vote: &v} }

// Commit wraps a commit notification.
func Commit(b *Block) Message { return Message{Kind: KindCommit, Block: b} }

// EncodeMessage serializes a consensus envelope.
func EncodeMessage(m Message) ([]byte, error) {
	return cbor.Marshal(&m)
}

// DecodeMessage parses a consensus envelope.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return m, err
	}
	if m.Kind < KindPropose || m.Kind > KindCommit {
		return m, fmt.Errorf("unknown consensus message kind %d", m.Kind)
	}
	return m, nil
}
