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

// Package node assembles a Home daemon: transport endpoint, discovery
// pipeline, IPC bridge and the periodic tasks driving them.
package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/guildnet/guild/logger"
)

// datadirBootstrapNodes is the path within the data dir of the
// supplemental bootstrap list.
const datadirBootstrapNodes = "bootstrap-nodes.json"

// Environment variable names mirroring the command-line options.
const (
	EnvPort              = "GUILD_PORT"
	EnvBootstrap         = "GUILD_BOOTSTRAP"
	EnvDataDir           = "GUILD_DATA_DIR"
	EnvHeartbeatInterval = "GUILD_HEARTBEAT_INTERVAL"
	EnvLogLevel          = "GUILD_LOG_LEVEL"
)

// Config collects the recognized Home options. Values set on the
// command line take precedence over the environment.
type Config struct {
	// Port is the preferred P2P listen port. Zero lets the OS pick;
	// a contended port is resolved by incrementing.
	Port uint16

	// Bootstrap lists seed addresses (host:port).
	Bootstrap []string

	// DataDir holds the node database and the optional bootstrap
	// file. Empty keeps everything in memory.
	DataDir string

	// HeartbeatInterval is the seconds between monitoring ticks.
	HeartbeatInterval uint64

	// LogLevel is one of error/warn/info/debug.
	LogLevel string

	// fs abstracts file access so tests can run on an in-memory FS.
	fs afero.Fs
}

// DefaultConfig mirrors the daemon's built-in defaults.
func DefaultConfig() Config {
	return Config{
		Port:              0,
		DataDir:           "./data",
		HeartbeatInterval: 5,
		LogLevel:          "info",
	}
}

// LoadEnv fills unset fields from the environment. A malformed port or
// heartbeat interval is a configuration error; an unrecognized log
// level is ignored.
func (c *Config) LoadEnv() error {
	if c.Port == 0 {
		if v := os.Getenv(EnvPort); v != "" {
			port, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return fmt.Errorf("invalid %s %q", EnvPort, v)
			}
			c.Port = uint16(port)
		}
	}
	if len(c.Bootstrap) == 0 {
		if v := os.Getenv(EnvBootstrap); v != "" {
			c.Bootstrap = SplitBootstrap(v)
		}
	}
	if v := os.Getenv(EnvDataDir); v != "" && c.DataDir == DefaultConfig().DataDir {
		c.DataDir = v
	}
	if v := os.Getenv(EnvHeartbeatInterval); v != "" && c.HeartbeatInterval == DefaultConfig().HeartbeatInterval {
		iv, err := strconv.ParseUint(v, 10, 64)
		if err != nil || iv == 0 {
			return fmt.Errorf("invalid %s %q: must be a positive integer", EnvHeartbeatInterval, v)
		}
		c.HeartbeatInterval = iv
	}
	if v := os.Getenv(EnvLogLevel); v != "" && c.LogLevel == DefaultConfig().LogLevel {
		if _, err := logger.LevelFromString(v); err == nil {
			c.LogLevel = v
		}
	}
	return nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.HeartbeatInterval == 0 {
		return fmt.Errorf("heartbeat interval must be greater than 0")
	}
	if _, err := logger.LevelFromString(c.LogLevel); err != nil {
		return err
	}
	for _, b := range c.Bootstrap {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("empty bootstrap entry")
		}
	}
	return nil
}

// SplitBootstrap parses a comma-separated bootstrap list, dropping
// empty entries.
func SplitBootstrap(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FS returns the configured filesystem, defaulting to the OS.
func (c *Config) FS() afero.Fs {
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	return c.fs
}

// SetFS swaps the filesystem; tests point it at an in-memory FS.
func (c *Config) SetFS(fs afero.Fs) { c.fs = fs }

// NodeDBPath locates the node database inside the data dir, or empty
// (in-memory) when no data dir is configured.
func (c *Config) NodeDBPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "nodes")
}

// BootstrapNodes merges the configured bootstrap list with the
// optional bootstrap-nodes.json file from the data dir.
func (c *Config) BootstrapNodes(log *logger.Logger) []string {
	nodes := append([]string{}, c.Bootstrap...)
	if c.DataDir == "" {
		return nodes
	}
	path := filepath.Join(c.DataDir, datadirBootstrapNodes)
	if _, err := c.FS().Stat(path); err != nil {
		return nodes
	}
	blob, err := afero.ReadFile(c.FS(), path)
	if err != nil {
		log.Errorf("failed to read %s: %v", path, err)
		return nodes
	}
	var fromFile []string
	if err := json.Unmarshal(blob, &fromFile); err != nil {
		log.Errorf("failed to parse %s: %v", path, err)
		return nodes
	}
	for _, n := range fromFile {
		if n != "" {
			nodes = append(nodes, n)
		}
	}
	return nodes
}
