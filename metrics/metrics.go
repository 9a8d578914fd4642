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

// Package metrics centralizes the registration.
package metrics

import (
	"github.com/rcrowley/go-metrics"
)

// reg is the metrics destination.
var reg = metrics.NewRegistry()

var (
	MsgIn       = metrics.NewRegisteredMeter("p2p/msg/in", reg)
	MsgInBytes  = metrics.NewRegisteredMeter("p2p/msg/in/bytes", reg)
	MsgOut      = metrics.NewRegisteredMeter("p2p/msg/out", reg)
	MsgOutBytes = metrics.NewRegisteredMeter("p2p/msg/out/bytes", reg)

	PingOut = metrics.NewRegisteredMeter("p2p/ping/out", reg)
	PongIn  = metrics.NewRegisteredMeter("p2p/pong/in", reg)

	DialSuccess = metrics.NewRegisteredMeter("p2p/dial/ok", reg)
	DialFail    = metrics.NewRegisteredMeter("p2p/dial/fail", reg)

	PeerEvictions = metrics.NewRegisteredMeter("p2p/evictions", reg)
	PeerGauge     = metrics.NewRegisteredGauge("p2p/peers", reg)
)

// TransportStats is a point-in-time snapshot of the transport meters.
type TransportStats struct {
	MessagesIn  int64
	MessagesOut int64
	BytesIn     int64
	BytesOut    int64
	DialsOK     int64
	DialsFailed int64
	Evictions   int64
	Peers       int64
}

// Snapshot reads the registered transport meters.
func Snapshot() TransportStats {
	return TransportStats{
		MessagesIn:  MsgIn.Count(),
		MessagesOut: MsgOut.Count(),
		BytesIn:     MsgInBytes.Count(),
		BytesOut:    MsgOutBytes.Count(),
		DialsOK:     DialSuccess.Count(),
		DialsFailed: DialFail.Count(),
		Evictions:   PeerEvictions.Count(),
		Peers:       PeerGauge.Value(),
	}
}
