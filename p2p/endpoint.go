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

// Package p2p implements the guild transport: a QUIC endpoint keeping
// one encrypted session per peer, exchanging framed envelopes over
// unidirectional sub-streams.
package p2p

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/guildnet/guild/logger"
	"github.com/guildnet/guild/metrics"
)

const (
	keepAlivePeriod = 5 * time.Second
	idleTimeout     = 30 * time.Second

	// healthTimeout is how long a peer may go without a pong before
	// the sweep evicts it.
	healthTimeout = 10 * time.Second

	// maxBindIncrements bounds port-contention resolution.
	maxBindIncrements = 100

	// readRetryDelay backs off transient sub-stream accept errors.
	readRetryDelay = 100 * time.Millisecond

	dialTimeout   = 5 * time.Second
	streamTimeout = 5 * time.Second

	maxIncomingUniStreams = 1024
)

// ErrUnknownPeer is returned by SendTo for addresses without a live
// session.
var ErrUnknownPeer = errors.New("no session for peer address")

// DataHandler receives application payloads delivered by peers.
type DataHandler func(fromAddr string, payload []byte)

// PeerEventHandler observes peer sessions coming and going.
type PeerEventHandler func(addr string, connected bool)

// Endpoint is the owner of all peer sessions. Reader goroutines look
// peers up by address instead of holding the record, so the peer map
// has a single owner.
type Endpoint struct {
	log *logger.Logger

	listener  *quic.Listener
	quicConf  *quic.Config
	clientTLS *tls.Config
	localPort uint16

	ctx    context.Context
	cancel context.CancelFunc

	peersMu sync.RWMutex
	peers   map[string]*Peer

	handlerMu   sync.RWMutex
	onData      DataHandler
	onPeerEvent PeerEventHandler
}

// NewEndpoint binds the requested port on all interfaces and starts
// accepting sessions. When the port is taken, the next one is tried,
// up to 100 increments; any other bind failure is fatal. Port 0 asks
// the OS for a free port.
func NewEndpoint(port uint16, log *logger.Logger) (*Endpoint, error) {
	if log == nil {
		log = logger.Discard
	}
	serverTLS, err := generateServerTLS()
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:        idleTimeout,
		KeepAlivePeriod:       keepAlivePeriod,
		MaxIncomingUniStreams: maxIncomingUniStreams,
	}

	var listener *quic.Listener
	bindPort := port
	for i := 0; ; i++ {
		listener, err = quic.ListenAddr(fmt.Sprintf("0.0.0.0:%d", bindPort), serverTLS, quicConf)
		if err == nil {
			break
		}
		if bindPort != 0 && isAddrInUse(err) && i < maxBindIncrements {
			bindPort++
			continue
		}
		return nil, fmt.Errorf("bind p2p endpoint: %w", err)
	}
	localPort := uint16(listener.Addr().(*net.UDPAddr).Port)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		log:       log,
		listener:  listener,
		quicConf:  quicConf,
		clientTLS: clientTLS(),
		localPort: localPort,
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[string]*Peer),
	}
	log.Infof("listening on %v", listener.Addr())
	go e.acceptLoop()
	return e, nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) ||
		strings.Contains(err.Error(), "address already in use")
}

// isClosedErr classifies stream and session errors that mean the peer
// session is gone for good.
func isClosedErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "closed")
}

// SetDataHandler installs the receiver of inbound Data payloads.
func (e *Endpoint) SetDataHandler(h DataHandler) {
	e.handlerMu.Lock()
	e.onData = h
	e.handlerMu.Unlock()
}

// SetPeerEventHandler installs the observer of peer joins and leaves.
func (e *Endpoint) SetPeerEventHandler(h PeerEventHandler) {
	e.handlerMu.Lock()
	e.onPeerEvent = h
	e.handlerMu.Unlock()
}

// LocalPort returns the port the endpoint actually bound.
func (e *Endpoint) LocalPort() uint16 {
	return e.localPort
}

// Connect dials the given address and registers the session. Dial
// failures are returned to the caller.
func (e *Endpoint) Connect(addr string) error {
	e.peersMu.RLock()
	_, have := e.peers[addr]
	e.peersMu.RUnlock()
	if have {
		return nil
	}

	ctx, cancel := context.WithTimeout(e.ctx, dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, e.clientTLS, e.quicConf)
	if err != nil {
		metrics.DialFail.Mark(1)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	metrics.DialSuccess.Mark(1)
	e.log.Infof("connected to %s", addr)
	e.addPeer(addr, conn)
	return nil
}

func (e *Endpoint) acceptLoop() {
	for {
		conn, err := e.listener.Accept(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.log.Errorf("accept: %v", err)
			return
		}
		addr := conn.RemoteAddr().String()
		e.log.Infof("new peer %s", addr)
		e.addPeer(addr, conn)
	}
}

// addPeer registers the session and spawns its reader. A session that
// replaces an existing record for the same address closes the old one.
func (e *Endpoint) addPeer(addr string, conn quic.Connection) {
	p := newPeer(addr, conn)
	e.peersMu.Lock()
	old := e.peers[addr]
	e.peers[addr] = p
	count := len(e.peers)
	e.peersMu.Unlock()

	if old != nil {
		old.conn.CloseWithError(0, "replaced")
	}
	metrics.PeerGauge.Update(int64(count))
	if old == nil {
		e.peerEvent(addr, true)
	}
	go e.readLoop(addr, conn)
}

// removePeer drops the record for addr if it still maps to conn (a nil
// conn matches any). It closes the session with the given reason.
func (e *Endpoint) removePeer(addr string, conn quic.Connection, reason string) {
	e.peersMu.Lock()
	p, ok := e.peers[addr]
	if ok && conn != nil && p.conn != conn {
		// The record was already replaced by a newer session.
		e.peersMu.Unlock()
		return
	}
	if ok {
		delete(e.peers, addr)
	}
	count := len(e.peers)
	e.peersMu.Unlock()
	if !ok {
		return
	}

	p.conn.CloseWithError(0, reason)
	metrics.PeerGauge.Update(int64(count))
	metrics.PeerEvictions.Mark(1)
	e.log.Infof("peer %s removed: %s", addr, reason)
	e.peerEvent(addr, false)
}

func (e *Endpoint) peerEvent(addr string, connected bool) {
	e.handlerMu.RLock()
	h := e.onPeerEvent
	e.handlerMu.RUnlock()
	if h != nil {
		h(addr, connected)
	}
}

// readLoop drains unidirectional sub-streams from one session. Each
// sub-stream carries exactly one framed envelope. Closed-session
// errors evict the peer; other errors are treated as transient.
func (e *Endpoint) readLoop(addr string, conn quic.Connection) {
	for {
		stream, err := conn.AcceptUniStream(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			if isClosedErr(err) {
				e.removePeer(addr, conn, "session closed")
				return
			}
			time.Sleep(readRetryDelay)
			continue
		}
		e.handleStream(addr, stream)
	}
}

func (e *Endpoint) handleStream(addr string, stream quic.ReceiveStream) {
	body, err := ReadFrame(stream)
	if err != nil {
		// A broken sub-stream does not terminate the peer.
		e.log.Debugf("read sub-stream from %s: %v", addr, err)
		return
	}
	metrics.MsgIn.Mark(1)
	metrics.MsgInBytes.Mark(int64(len(body)))

	m, err := DecodeMessage(body)
	if err != nil {
		head := body
		if len(head) > 100 {
			head = head[:100]
		}
		e.log.Warnf("dropping undecodable message from %s: %v (head %s)",
			addr, err, hex.EncodeToString(head))
		return
	}

	switch m.Kind {
	case MsgPing:
		e.handlePing(addr, m.Ping)
	case MsgPong:
		e.handlePong(addr, m.Pong)
	case MsgData:
		e.handlerMu.RLock()
		h := e.onData
		e.handlerMu.RUnlock()
		if h != nil {
			h(addr, m.Data)
		}
	}
}

func (e *Endpoint) handlePing(addr string, ping *PingPacket) {
	if ping == nil {
		return
	}
	p := e.peer(addr)
	if p == nil {
		return
	}
	p.markPing()
	// Reply on a fresh sub-stream, echoing id and timestamp.
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, streamTimeout)
		defer cancel()
		reply := &Message{Kind: MsgPong, Pong: &PingPacket{ID: ping.ID, TimestampMS: ping.TimestampMS}}
		if err := p.sendMessage(ctx, reply); err != nil {
			e.log.Debugf("pong to %s: %v", addr, err)
		}
	}()
}

func (e *Endpoint) handlePong(addr string, pong *PingPacket) {
	if pong == nil {
		return
	}
	p := e.peer(addr)
	if p == nil {
		return
	}
	now := nowMillis()
	var latency uint64
	if now > pong.TimestampMS {
		latency = now - pong.TimestampMS
	}
	p.markPong(latency)
	metrics.PongIn.Mark(1)
}

func (e *Endpoint) peer(addr string) *Peer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	return e.peers[addr]
}

func (e *Endpoint) peerList() []*Peer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	out := make([]*Peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}

// Broadcast sends the payload to every peer, one sub-stream each.
// Per-peer failures are logged and do not affect the rest.
func (e *Endpoint) Broadcast(payload []byte) {
	m := &Message{Kind: MsgData, Data: payload}
	for _, p := range e.peerList() {
		ctx, cancel := context.WithTimeout(e.ctx, streamTimeout)
		if err := p.sendMessage(ctx, m); err != nil {
			e.log.Warnf("broadcast to %s: %v", p.Addr(), err)
		} else {
			metrics.MsgOut.Mark(1)
			metrics.MsgOutBytes.Mark(int64(len(payload)))
		}
		cancel()
	}
}

// SendTo delivers the payload to one peer.
func (e *Endpoint) SendTo(addr string, payload []byte) error {
	p := e.peer(addr)
	if p == nil {
		return ErrUnknownPeer
	}
	ctx, cancel := context.WithTimeout(e.ctx, streamTimeout)
	defer cancel()
	if err := p.sendMessage(ctx, &Message{Kind: MsgData, Data: payload}); err != nil {
		return err
	}
	metrics.MsgOut.Mark(1)
	metrics.MsgOutBytes.Mark(int64(len(payload)))
	return nil
}

// SendPing broadcasts a fresh liveness probe to every peer.
func (e *Endpoint) SendPing() {
	ping := &PingPacket{ID: uuid.NewString(), TimestampMS: nowMillis()}
	m := &Message{Kind: MsgPing, Ping: ping}
	for _, p := range e.peerList() {
		ctx, cancel := context.WithTimeout(e.ctx, streamTimeout)
		if err := p.sendMessage(ctx, m); err != nil {
			e.log.Debugf("ping to %s: %v", p.Addr(), err)
		} else {
			metrics.PingOut.Mark(1)
		}
		cancel()
	}
}

// CheckPeerHealth evicts every peer whose last pong is older than the
// health timeout.
func (e *Endpoint) CheckPeerHealth() {
	now := time.Now()
	for _, p := range e.peerList() {
		if p.pongAge(now) > healthTimeout {
			e.removePeer(p.Addr(), p.conn, "no pong within health window")
		}
	}
}

// PeerCount returns the number of live sessions.
func (e *Endpoint) PeerCount() int {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	return len(e.peers)
}

// Peers returns the addresses of all live sessions.
func (e *Endpoint) Peers() []string {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	out := make([]string, 0, len(e.peers))
	for addr := range e.peers {
		out = append(out, addr)
	}
	return out
}

// PeersInfo snapshots every peer record for introspection.
func (e *Endpoint) PeersInfo() []PeerInfo {
	peers := e.peerList()
	out := make([]PeerInfo, len(peers))
	for i, p := range peers {
		out[i] = p.Info()
	}
	return out
}

// Stats snapshots the transport meters.
func (e *Endpoint) Stats() metrics.TransportStats {
	return metrics.Snapshot()
}

// Close tears down the endpoint: the acceptor stops, every session is
// closed and the reader goroutines unwind.
func (e *Endpoint) Close() error {
	e.cancel()
	for _, p := range e.peerList() {
		p.conn.CloseWithError(0, "endpoint shutting down")
	}
	return e.listener.Close()
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
