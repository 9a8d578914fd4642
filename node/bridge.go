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
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/guildnet/guild/ipc"
	"github.com/guildnet/guild/logger"
	"github.com/guildnet/guild/p2p"
	"github.com/guildnet/guild/p2p/discover"
)

// clientQueueSize bounds the per-client outbound queue. A client that
// cannot keep up loses messages rather than stalling the transport.
const clientQueueSize = 100

var errBridgeStarted = errors.New("bridge already started: listener taken")

// Bridge multiplexes transport events to consensus clients over a
// loopback TCP listener bound at local_port+1. Several clients may
// attach; each gets every network payload.
type Bridge struct {
	endpoint *p2p.Endpoint
	log      *logger.Logger
	port     uint16

	mu       sync.RWMutex
	listener net.Listener // taken by start, nil afterwards
	started  bool
	clients  map[net.Conn]chan ipc.Message
	addrByID map[discover.NodeID]string
}

// NewBridge wires a bridge to the endpoint. Start must be called to
// bind the listener.
func NewBridge(endpoint *p2p.Endpoint, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Discard
	}
	b := &Bridge{
		endpoint: endpoint,
		log:      log,
		port:     endpoint.LocalPort() + 1,
		clients:  make(map[net.Conn]chan ipc.Message),
		addrByID: make(map[discover.NodeID]string),
	}
	endpoint.SetDataHandler(b.onData)
	endpoint.SetPeerEventHandler(b.onPeerEvent)
	return b
}

// Port returns the loopback port the bridge serves on.
func (b *Bridge) Port() uint16 { return b.port }

// Start binds the listener and begins accepting consensus clients.
// A second call observes the listener already taken and fails.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errBridgeStarted
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", b.port))
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("bind ipc bridge: %w", err)
	}
	b.listener = ln
	b.started = true
	b.mu.Unlock()

	b.log.Infof("ipc bridge listening on 127.0.0.1:%d", b.port)
	go b.acceptLoop(ln)
	return nil
}

func (b *Bridge) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed on shutdown.
			return
		}
		b.log.Infof("consensus client attached from %v", conn.RemoteAddr())
		b.addClient(conn)
	}
}

func (b *Bridge) addClient(conn net.Conn) {
	out := make(chan ipc.Message, clientQueueSize)
	b.mu.Lock()
	b.clients[conn] = out
	b.mu.Unlock()

	go b.writeLoop(conn, out)
	go b.readLoop(conn)
}

func (b *Bridge) removeClient(conn net.Conn) {
	b.mu.Lock()
	out, ok := b.clients[conn]
	if ok {
		delete(b.clients, conn)
	}
	b.mu.Unlock()
	if ok {
		close(out)
		conn.Close()
		b.log.Infof("consensus client %v detached", conn.RemoteAddr())
	}
}

// writeLoop forwards queued transport events to one client.
func (b *Bridge) writeLoop(conn net.Conn, out <-chan ipc.Message) {
	for m := range out {
		if err := ipc.WriteMessage(conn, m); err != nil {
			b.log.Warnf("ipc write to %v: %v", conn.RemoteAddr(), err)
			b.removeClient(conn)
			return
		}
	}
}

// readLoop handles control frames from one client. Any frame read
// error ends that client's session; the listener keeps accepting.
func (b *Bridge) readLoop(conn net.Conn) {
	defer b.removeClient(conn)
	for {
		m, err := ipc.ReadMessage(conn)
		if err != nil {
			b.log.Infof("consensus client %v gone: %v", conn.RemoteAddr(), err)
			return
		}
		switch m.Kind {
		case ipc.KindBroadcast:
			b.endpoint.Broadcast(m.Data)
		case ipc.KindSendTo:
			b.sendTo(m.Peer, m.Data)
		default:
			b.log.Debugf("ignoring ipc frame kind %d from client", m.Kind)
		}
	}
}

// sendTo resolves the peer's address and delivers directly. Without a
// mapping the payload falls back to broadcast; the recipient set is
// then wider than intended, so the fallback is logged loudly.
func (b *Bridge) sendTo(peer discover.NodeID, data []byte) {
	b.mu.RLock()
	addr, ok := b.addrByID[peer]
	b.mu.RUnlock()
	if ok {
		if err := b.endpoint.SendTo(addr, data); err == nil {
			return
		} else if !errors.Is(err, p2p.ErrUnknownPeer) {
			b.log.Warnf("send to %s (%s): %v", peer, addr, err)
			return
		}
	}
	b.log.Warnf("no address for peer %s, falling back to broadcast", peer)
	b.endpoint.Broadcast(data)
}

// fanOut queues a message for every attached client, dropping when a
// client's queue is full.
func (b *Bridge) fanOut(m ipc.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for conn, out := range b.clients {
		select {
		case out <- m:
		default:
			b.log.Warnf("ipc queue full, dropping frame for %v", conn.RemoteAddr())
		}
	}
}

// onData forwards a network payload to the attached clients.
func (b *Bridge) onData(fromAddr string, payload []byte) {
	id := discover.AddrID(fromAddr)
	b.mu.Lock()
	b.addrByID[id] = fromAddr
	b.mu.Unlock()
	b.fanOut(ipc.PeerMessage(id, payload))
}

// onPeerEvent tracks the NodeID-to-address map and mirrors peer
// lifecycle into the consensus processes.
func (b *Bridge) onPeerEvent(addr string, connected bool) {
	id := discover.AddrID(addr)
	b.mu.Lock()
	if connected {
		b.addrByID[id] = addr
	} else {
		delete(b.addrByID, id)
	}
	b.mu.Unlock()

	if connected {
		b.fanOut(ipc.PeerJoined(id))
	} else {
		b.fanOut(ipc.PeerLeft(id))
	}
}

// Close stops the listener and detaches every client.
func (b *Bridge) Close() {
	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	conns := make([]net.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, conn := range conns {
		b.removeClient(conn)
	}
}
