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

package ipc

import (
	"fmt"
	"net"
	"sync"

	"github.com/guildnet/guild/p2p/discover"
)

// Client is the consensus-side end of the bridge. Writes are
// serialized; Recv is intended for a single reader loop.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex
}

// Dial connects to the Home bridge on the loopback interface.
func Dial(port uint16) (*Client, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("connect ipc bridge: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Send writes one framed message.
func (c *Client) Send(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, m)
}

// Recv blocks for the next framed message.
func (c *Client) Recv() (Message, error) {
	return ReadMessage(c.conn)
}

// Broadcast asks Home to fan the payload out to every peer.
func (c *Client) Broadcast(data []byte) error {
	return c.Send(Broadcast(data))
}

// SendTo asks Home to deliver the payload to the given peer.
func (c *Client) SendTo(peer discover.NodeID, data []byte) error {
	return c.Send(SendTo(peer, data))
}

// Close terminates the session.
func (c *Client) Close() error {
	return c.conn.Close()
}
