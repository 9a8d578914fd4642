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

// guildhome is the transport/discovery daemon: it maintains encrypted
// sessions to other guild nodes and bridges them to a local consensus
// process.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"github.com/guildnet/guild/logger"
	"github.com/guildnet/guild/node"
)

const version = "0.3.0"

func makeCLIApp() *cli.App {
	app := cli.NewApp()
	app.Name = "guildhome"
	app.Version = version
	app.Usage = "guild p2p networking daemon"
	app.Flags = []cli.Flag{
		cli.UintFlag{
			Name:  "port, p",
			Usage: "preferred p2p listen port (0 = auto)",
		},
		cli.StringFlag{
			Name:  "bootstrap, b",
			Usage: "comma separated bootstrap peers",
		},
		cli.StringFlag{
			Name:  "data-dir, d",
			Usage: "data directory",
			Value: node.DefaultConfig().DataDir,
		},
		cli.Uint64Flag{
			Name:  "interval, i",
			Usage: "heartbeat interval in seconds",
			Value: node.DefaultConfig().HeartbeatInterval,
		},
		cli.StringFlag{
			Name:  "log, l",
			Usage: "log level (error/warn/info/debug)",
			Value: node.DefaultConfig().LogLevel,
		},
	}
	app.Action = run
	return app
}

func main() {
	if err := makeCLIApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func makeConfig(ctx *cli.Context) (node.Config, error) {
	cfg := node.DefaultConfig()
	if ctx.IsSet("port") || ctx.IsSet("p") {
		port := ctx.Uint("port")
		if port > 65535 {
			return cfg, fmt.Errorf("invalid port %d", port)
		}
		cfg.Port = uint16(port)
	}
	if v := ctx.String("bootstrap"); ctx.IsSet("bootstrap") || ctx.IsSet("b") {
		if v == "" {
			return cfg, fmt.Errorf("empty bootstrap list")
		}
		cfg.Bootstrap = node.SplitBootstrap(v)
	}
	cfg.DataDir = ctx.String("data-dir")
	cfg.HeartbeatInterval = ctx.Uint64("interval")
	cfg.LogLevel = ctx.String("log")

	if err := cfg.LoadEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func run(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("configuration error: %v", err), 1)
	}

	lvl, _ := logger.LevelFromString(cfg.LogLevel)
	ring := logger.NewRingSystem()
	log := logger.New(logger.NewStdLogSystem(os.Stdout, lvl), ring)
	defer log.Close()

	log.Infof("guild home starting, data dir %s", cfg.DataDir)
	if len(cfg.Bootstrap) > 0 {
		log.Infof("bootstrap peers: %v", cfg.Bootstrap)
	}

	home, err := node.New(cfg, log)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("startup failed: %v", err), 1)
	}
	if err := home.Start(); err != nil {
		home.Stop()
		return cli.NewExitError(fmt.Sprintf("startup failed: %v", err), 1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infof("shutting down")
	home.Stop()
	return nil
}
