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
	"context"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Peer is the live record of one remote session. It is created on a
// successful accept or dial and destroyed when the session closes or
// the health sweep evicts it.
type Peer struct {
	addr string
	conn quic.Connection

	mu        sync.RWMutex
	lastPing  time.Time // last ping received from the peer
	lastPong  time.Time // last pong received from the peer
	latencyMS uint64
}

// PeerInfo is a read-only snapshot of a peer record.
type PeerInfo struct {
	Addr      string
	LastPing  time.Time
	LastPong  time.Time
	LatencyMS uint64
}

func newPeer(addr string, conn quic.Connection) *Peer {
	now := time.Now()
	return &Peer{
		addr: addr,
		conn: conn,
		// A fresh session counts as alive until the first sweep window
		// has passed without a pong.
		lastPong: now,
	}
}

// Addr returns the remote address the record is keyed by.
func (p *Peer) Addr() string { return p.addr }

func (p *Peer) markPing() {
	p.mu.Lock()
	p.lastPing = time.Now()
	p.mu.Unlock()
}

func (p *Peer) markPong(latencyMS uint64) {
	p.mu.Lock()
	p.lastPong = time.Now()
	p.latencyMS = latencyMS
	p.mu.Unlock()
}

func (p *Peer) pongAge(now time.Time) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return now.Sub(p.lastPong)
}

// Info snapshots the record.
func (p *Peer) Info() PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PeerInfo{
		Addr:      p.addr,
		LastPing:  p.lastPing,
		LastPong:  p.lastPong,
		LatencyMS: p.latencyMS,
	}
}

// sendMessage writes one envelope on a fresh unidirectional sub-stream
// and finishes it. The stream carries exactly this message.
func (p *Peer) sendMessage(ctx context.Context, m *Message) error {
	frame, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	if _, err := stream.Write(frame); err != nil {
		stream.CancelWrite(0)
		return err
	}
	return stream.Close()
}
