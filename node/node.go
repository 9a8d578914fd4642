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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guildnet/guild/logger"
	"github.com/guildnet/guild/p2p"
	"github.com/guildnet/guild/p2p/discover"
)

const (
	pingInterval      = 5 * time.Second
	healthInterval    = 10 * time.Second
	discoveryInterval = 30 * time.Second

	// knownPeerMaxAge ages entries out of the flat known-peer list.
	knownPeerMaxAge = time.Hour
)

// Home is one transport/discovery daemon: the endpoint, the discovery
// pipeline, the IPC bridge and the timers driving them.
type Home struct {
	cfg Config
	log *logger.Logger

	endpoint  *p2p.Endpoint
	discovery *discover.Discovery
	bridge    *Bridge

	ctx    context.Context
	cancel context.CancelFunc
}

// New brings up the endpoint (resolving port contention), the
// discovery pipeline seeded from the node database, and the bridge.
// The bridge listener is bound by Start.
func New(cfg Config, log *logger.Logger) (*Home, error) {
	if log == nil {
		log = logger.Discard
	}
	endpoint, err := p2p.NewEndpoint(cfg.Port, log)
	if err != nil {
		return nil, err
	}

	disc, err := discover.New(discover.Config{
		Port:           endpoint.LocalPort(),
		BootstrapNodes: cfg.BootstrapNodes(log),
		NodeDBPath:     cfg.NodeDBPath(),
	}, log)
	if err != nil {
		endpoint.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Home{
		cfg:       cfg,
		log:       log,
		endpoint:  endpoint,
		discovery: disc,
		bridge:    NewBridge(endpoint, log),
		ctx:       ctx,
		cancel:    cancel,
	}

	// The bridge installed its own handlers; recompose so discovery
	// observes peer lifecycle too.
	endpoint.SetPeerEventHandler(func(addr string, connected bool) {
		if connected {
			disc.AddPeer(addr)
		} else {
			disc.RemovePeer(addr)
		}
		h.bridge.onPeerEvent(addr, connected)
	})
	return h, nil
}

// Endpoint exposes the transport, mainly to the dashboard consumer.
func (h *Home) Endpoint() *p2p.Endpoint { return h.endpoint }

// Discovery exposes the discovery pipeline.
func (h *Home) Discovery() *discover.Discovery { return h.discovery }

// Bridge exposes the IPC bridge.
func (h *Home) Bridge() *Bridge { return h.bridge }

// Start binds the bridge and launches the periodic tasks: ping
// broadcast (5 s), health sweep (10 s), discovery (30 s, missed ticks
// skipped) and the heartbeat monitor.
func (h *Home) Start() error {
	if err := h.bridge.Start(); err != nil {
		return err
	}
	h.log.Infof("guild home up: p2p port %d, ipc port %d",
		h.endpoint.LocalPort(), h.bridge.Port())

	go h.pingLoop()
	go h.healthLoop()
	go h.discoveryLoop()
	go h.monitorLoop()
	return nil
}

func (h *Home) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.endpoint.SendPing()
		}
	}
}

func (h *Home) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.endpoint.CheckPeerHealth()
		}
	}
}

// discoveryLoop runs one fusion pass immediately, then on the timer.
// A tick arriving while a pass is still running is skipped by the
// ticker's drop semantics.
func (h *Home) discoveryLoop() {
	h.runDiscovery()
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.runDiscovery()
			h.discovery.CleanupStale(knownPeerMaxAge)
		}
	}
}

// runDiscovery dials the candidates of one pass. Refused connections
// are routine while the network forms and stay below info level.
func (h *Home) runDiscovery() {
	localAddr := fmt.Sprintf("127.0.0.1:%d", h.endpoint.LocalPort())
	h.discovery.Announce(localAddr)

	for _, addr := range h.discovery.Run() {
		if addr == localAddr {
			continue
		}
		if err := h.endpoint.Connect(addr); err != nil {
			if strings.Contains(err.Error(), "connection refused") {
				h.log.Debugf("%v", err)
			} else {
				h.log.Warnf("%v", err)
			}
			continue
		}
		h.discovery.AddPeer(addr)
	}
}

// monitorLoop is the operator heartbeat: it reports peer count and,
// when peers are present, broadcasts an application heartbeat.
func (h *Home) monitorLoop() {
	ticker := time.NewTicker(time.Duration(h.cfg.HeartbeatInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			peers := h.endpoint.PeerCount()
			h.log.Infof("guild home | peers: %d | port: %d", peers, h.endpoint.LocalPort())
			if peers > 0 {
				h.endpoint.Broadcast([]byte("heartbeat-" + uuid.NewString()))
			}
		}
	}
}

// Stop tears the daemon down: timers, bridge, endpoint, discovery.
func (h *Home) Stop() {
	h.cancel()
	h.bridge.Close()
	h.endpoint.Close()
	if err := h.discovery.Close(); err != nil {
		h.log.Errorf("close node database: %v", err)
	}
}
