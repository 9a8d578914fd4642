// Copyright 2025 The guild Authors
// This file is part of guild.
//
// guild is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// guild is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with guild. If not, see <http://www.gnu.org/licenses/>.

// guildchain is the consensus sibling of guildhome. It attaches to
// the Home bridge and drives the propose/vote/commit loop through it.
package main

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/guildnet/guild/consensus"
	"github.com/guildnet/guild/ipc"
	"github.com/guildnet/guild/logger"
	"github.com/guildnet/guild/p2p/discover"
)

const (
	version = "0.3.0"

	defaultIPCPort = 9000
	blockInterval  = time.Second
)

func main() {
	app := cli.NewApp()
	app.Name = "guildchain"
	app.Version = version
	app.Usage = "guild consensus engine (requires a running guildhome)"
	app.Flags = []cli.Flag{
		cli.UintFlag{
			Name:  "port, p",
			Usage: "ipc port of the guildhome bridge",
			Value: defaultIPCPort,
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func ipcPort(ctx *cli.Context) (uint16, error) {
	port := ctx.Uint("port")
	// The environment wins so supervisors can redirect a packaged
	// binary without touching its arguments.
	if v := os.Getenv("IPC_PORT"); v != "" {
		p, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid IPC_PORT %q", v)
		}
		port = uint(p)
	}
	if port == 0 || port > 65535 {
		return 0, fmt.Errorf("invalid ipc port %d", port)
	}
	return uint16(port), nil
}

// localID derives a per-process validator identity. Placeholder until
// long-term keys exist: a hash over the start time and pid.
func localID() discover.NodeID {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], uint64(os.Getpid()))
	return discover.NodeID(sha256.Sum256(buf[:]))
}

func run(ctx *cli.Context) error {
	port, err := ipcPort(ctx)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("configuration error: %v", err), 1)
	}

	log := logger.New(logger.NewStdLogSystem(os.Stdout, logger.LevelInfo))
	defer log.Close()

	self := localID()
	log.Infof("node id %s", self.Hex())

	client, err := ipc.Dial(port)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("cannot reach guildhome on port %d: %v", port, err), 1)
	}
	defer client.Close()
	log.Infof("attached to guildhome bridge on port %d", port)

	return protocolLoop(client, consensus.New(self, log), log)
}

// protocolLoop drives the engine: propose on the tick when it is our
// turn, react to bridge messages otherwise. The engine is only ever
// touched from this goroutine.
func protocolLoop(client *ipc.Client, eng *consensus.Engine, log *logger.Logger) error {
	msgs := make(chan ipc.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			m, err := client.Recv()
			if err != nil {
				readErr <- err
				return
			}
			msgs <- m
		}
	}()

	ticker := time.NewTicker(blockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !eng.IsMyTurn() {
				continue
			}
			block := eng.CreateBlock()
			payload, err := consensus.EncodeMessage(consensus.Propose(block))
			if err != nil {
				return err
			}
			log.Infof("proposing block #%d", block.Height)
			if err := client.Broadcast(payload); err != nil {
				return fmt.Errorf("broadcast proposal: %w", err)
			}
			// The proposer's own endorsement counts toward quorum; a
			// lone validator finalizes immediately.
			recordVote(eng, eng.CreateVote(block))

		case m := <-msgs:
			if err := handleBridgeMessage(client, eng, log, m); err != nil {
				return err
			}

		case err := <-readErr:
			return fmt.Errorf("guildhome connection lost: %w", err)
		}
	}
}

func handleBridgeMessage(client *ipc.Client, eng *consensus.Engine, log *logger.Logger, m ipc.Message) error {
	switch m.Kind {
	case ipc.KindPeerMessage:
		cm, err := consensus.DecodeMessage(m.Data)
		if err != nil {
			// Not every network payload is a consensus envelope;
			// heartbeats land here too.
			log.Debugf("ignoring non-consensus payload from %s: %v", m.Peer, err)
			return nil
		}
		return handleConsensusMessage(client, eng, log, cm)

	case ipc.KindPeerJoined:
		log.Infof("peer joined: %s", m.Peer)
		eng.AddValidator(m.Peer)

	case ipc.KindPeerLeft:
		log.Infof("peer left: %s", m.Peer)
		eng.RemoveValidator(m.Peer)
	}
	return nil
}

// recordVote stores a vote and finalizes the height once quorum holds.
func recordVote(eng *consensus.Engine, v consensus.Vote) {
	eng.AddVote(v)
	if eng.CheckQuorum(v.Height) {
		eng.Finalize(v.Height)
	}
}

func handleConsensusMessage(client *ipc.Client, eng *consensus.Engine, log *logger.Logger, cm consensus.Message) error {
	switch cm.Kind {
	case consensus.KindPropose:
		if cm.Block == nil || !eng.Validate(cm.Block) {
			return nil
		}
		vote := eng.CreateVote(cm.Block)
		payload, err := consensus.EncodeMessage(consensus.VoteMsg(vote))
		if err != nil {
			return err
		}
		log.Infof("voting for block #%d", cm.Block.Height)
		if err := client.Broadcast(payload); err != nil {
			return fmt.Errorf("broadcast vote: %w", err)
		}
		recordVote(eng, vote)

	case consensus.KindVote:
		if cm.Vote == nil {
			return nil
		}
		recordVote(eng, *cm.Vote)

	case consensus.KindCommit:
		if cm.Block == nil {
			return nil
		}
		eng.Commit(*cm.Block)
		s := eng.Stats()
		log.Infof("block #%d committed | height %d | validators %d | history %d",
			cm.Block.Height, s.Height, s.Validators, s.Committed)
	}
	return nil
}
