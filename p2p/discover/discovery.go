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
	"time"

	lru "github.com/hashicorp/golang-lru"
	"gopkg.in/fatih/set.v0"

	"github.com/guildnet/guild/logger"
)

const (
	// DefaultPort is the canonical guild listen port and the base of
	// the local scan. DefaultPortRange is the width of the canonical
	// port range; the local scan emits only the candidates described
	// on localScan.
	DefaultPort      = 42000
	DefaultPortRange = 100

	// localScanWindow bounds the adjacent-port candidates of a scan.
	localScanWindow = 10

	maxKnownPeers   = 1000 // flat known-peer list cap, oldest evicted first
	defaultMaxPeers = 100

	lookupSize = 10 // nodes requested from the table per fusion pass
	seedCount  = 30 // nodes loaded from the database on startup
)

// PeerInfo describes a known peer in the flat list.
type PeerInfo struct {
	ID       NodeID
	Addr     string
	LastSeen uint64
}

// Method is a single source of peer candidates. Discovery iterates its
// methods in a fixed order and fuses their results.
type Method interface {
	// DiscoverPeers returns candidate addresses. No liveness probing
	// happens here; the transport decides when it dials.
	DiscoverPeers() []string
	// Announce makes the given local address visible through this
	// source, where the source supports it.
	Announce(addr string)
}

// Config holds discovery parameters.
type Config struct {
	// Port is the local transport listen port, used to derive the
	// local node ID and to seed the local port scan.
	Port uint16

	// BootstrapNodes are host:port seed addresses.
	BootstrapNodes []string

	// MaxPeers caps the candidate list of a fusion pass. Zero selects
	// the default of 100.
	MaxPeers int

	// NodeDBPath is where previously seen nodes are persisted. Empty
	// selects an in-memory database.
	NodeDBPath string
}

// Discovery fuses the configured methods into one candidate pipeline.
// A pass is idempotent and restartable; the caller drives it on a
// timer.
type Discovery struct {
	cfg Config
	log *logger.Logger

	self    NodeID
	tab     *Table
	db      *nodeDB
	known   *lru.Cache // addr -> PeerInfo, capped, oldest-inserted evicted
	seen    *set.Set   // every address ever emitted by a fusion pass
	methods []Method
}

// New creates a discovery pipeline for the node listening on cfg.Port.
// The local node ID is derived from the loopback listen address.
func New(cfg Config, log *logger.Logger) (*Discovery, error) {
	if log == nil {
		log = logger.Discard
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	known, err := lru.New(maxKnownPeers)
	if err != nil {
		return nil, err
	}
	db, err := newNodeDB(cfg.NodeDBPath)
	if err != nil {
		return nil, fmt.Errorf("open node database: %w", err)
	}

	self := AddrID(fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	d := &Discovery{
		cfg:   cfg,
		log:   log,
		self:  self,
		tab:   NewTable(self),
		db:    db,
		known: known,
		seen:  set.New(),
	}
	d.methods = []Method{
		&localScan{port: cfg.Port},
		&bootstrapSource{nodes: cfg.BootstrapNodes, d: d},
		&tableSource{d: d},
	}

	// Seed the table from the database so restarts do not start cold.
	for _, n := range db.querySeeds(seedCount, nodeDBExpiration) {
		d.tab.Add(n)
		d.addKnown(n.Addr, n.LastSeen)
	}
	return d, nil
}

// Self returns the local node ID.
func (d *Discovery) Self() NodeID { return d.self }

// Table returns the routing table.
func (d *Discovery) Table() *Table { return d.tab }

// Run performs one fusion pass: local scan, bootstrap exchange, then a
// routing-table lookup. The result is deduplicated, truncated to
// MaxPeers and every fresh candidate is inserted into the routing
// table and the node database.
func (d *Discovery) Run() []string {
	var (
		candidates []string
		inPass     = make(map[string]bool)
	)
	for _, m := range d.methods {
		for _, addr := range m.DiscoverPeers() {
			if inPass[addr] || !validAddr(addr) {
				continue
			}
			inPass[addr] = true
			candidates = append(candidates, addr)
		}
	}
	if len(candidates) > d.cfg.MaxPeers {
		candidates = candidates[:d.cfg.MaxPeers]
	}

	now := uint64(time.Now().Unix())
	for _, addr := range candidates {
		d.seen.Add(addr)
		n := &Node{ID: AddrID(addr), Addr: addr, LastSeen: now}
		d.tab.Add(n)
		if err := d.db.updateNode(n); err != nil {
			d.log.Debugf("node db update %s: %v", addr, err)
		}
	}
	d.log.Debugf("discovery pass produced %d candidates", len(candidates))
	return candidates
}

// AddPeer records an observed live peer in the known list, the routing
// table and the node database.
func (d *Discovery) AddPeer(addr string) {
	if !validAddr(addr) {
		return
	}
	now := uint64(time.Now().Unix())
	d.addKnown(addr, now)
	n := &Node{ID: AddrID(addr), Addr: addr, LastSeen: now}
	d.tab.Add(n)
	if err := d.db.updateNode(n); err != nil {
		d.log.Debugf("node db update %s: %v", addr, err)
	}
}

// RemovePeer drops addr from the routing table and known list, e.g.
// after the transport evicted it.
func (d *Discovery) RemovePeer(addr string) {
	id := AddrID(addr)
	d.tab.Remove(id)
	d.known.Remove(addr)
}

// Announce publishes the local address through every method that
// supports it.
func (d *Discovery) Announce(addr string) {
	for _, m := range d.methods {
		m.Announce(addr)
	}
}

// KnownPeers returns the flat known-peer list, oldest first.
func (d *Discovery) KnownPeers() []PeerInfo {
	keys := d.known.Keys()
	out := make([]PeerInfo, 0, len(keys))
	for _, k := range keys {
		if v, ok := d.known.Peek(k); ok {
			out = append(out, v.(PeerInfo))
		}
	}
	return out
}

// CleanupStale drops known peers not seen within maxAge.
func (d *Discovery) CleanupStale(maxAge time.Duration) {
	cutoff := uint64(time.Now().Add(-maxAge).Unix())
	for _, k := range d.known.Keys() {
		v, ok := d.known.Peek(k)
		if !ok {
			continue
		}
		if v.(PeerInfo).LastSeen < cutoff {
			d.known.Remove(k)
		}
	}
	if n := d.db.expireNodes(); n > 0 {
		d.log.Debugf("expired %d node db entries", n)
	}
}

// FindNode returns addresses of nodes close to target, falling back to
// the known-peer list when the table is empty.
func (d *Discovery) FindNode(target NodeID) []string {
	nodes := d.tab.Closest(target, alpha)
	if len(nodes) == 0 {
		var out []string
		for _, p := range d.KnownPeers() {
			out = append(out, p.Addr)
		}
		return out
	}
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Addr
	}
	return out
}

// Close releases the node database.
func (d *Discovery) Close() error {
	return d.db.close()
}

func (d *Discovery) addKnown(addr string, lastSeen uint64) {
	d.known.Add(addr, PeerInfo{ID: AddrID(addr), Addr: addr, LastSeen: lastSeen})
}

// localScan produces loopback candidates around the canonical port.
// It emits addresses only; the transport decides liveness when dialing.
type localScan struct {
	port uint16
}

func (s *localScan) DiscoverPeers() []string {
	var out []string
	emit := func(port uint16) {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		for _, have := range out {
			if have == addr {
				return
			}
		}
		out = append(out, addr)
	}

	if s.port != DefaultPort {
		emit(DefaultPort)
	}
	for off := uint16(1); off <= 3; off++ {
		p := DefaultPort + off
		if p != s.port && p < DefaultPort+localScanWindow {
			emit(p)
		}
	}
	if s.port < DefaultPort || s.port >= DefaultPort+localScanWindow {
		emit(s.port + 1)
		emit(s.port + 2)
	}
	return out
}

func (s *localScan) Announce(string) {}

// bootstrapSource emits the configured seed addresses and then the
// peer list learned from them (the known-peer exchange).
type bootstrapSource struct {
	nodes []string
	d     *Discovery
}

func (b *bootstrapSource) DiscoverPeers() []string {
	var out []string
	for _, n := range b.nodes {
		if validAddr(n) {
			out = append(out, n)
		} else {
			b.d.log.Warnf("skipping malformed bootstrap address %q", n)
		}
	}
	for _, p := range b.d.KnownPeers() {
		out = append(out, p.Addr)
	}
	return out
}

func (b *bootstrapSource) Announce(addr string) {
	b.d.addKnown(addr, uint64(time.Now().Unix()))
}

// tableSource asks the routing table for the nodes closest to the
// local ID.
type tableSource struct {
	d *Discovery
}

func (t *tableSource) DiscoverPeers() []string {
	nodes := t.d.tab.Closest(t.d.self, lookupSize)
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Addr
	}
	return out
}

func (t *tableSource) Announce(addr string) {
	t.d.tab.Add(NewNode(addr))
}
