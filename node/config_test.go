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
	"reflect"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/guildnet/guild/logger"
)

func TestSplitBootstrap(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"127.0.0.1:42000", []string{"127.0.0.1:42000"}},
		{"a:1,b:2", []string{"a:1", "b:2"}},
		{" a:1 , b:2 ", []string{"a:1", "b:2"}},
		{"a:1,,b:2,", []string{"a:1", "b:2"}},
		{"", nil},
		{",,,", nil},
	}
	for _, tt := range tests {
		if got := SplitBootstrap(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitBootstrap(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfigEnvFallback(t *testing.T) {
	t.Setenv(EnvPort, "42123")
	t.Setenv(EnvBootstrap, "10.0.0.1:42000,10.0.0.2:42000")
	t.Setenv(EnvHeartbeatInterval, "9")
	t.Setenv(EnvLogLevel, "debug")

	cfg := DefaultConfig()
	if err := cfg.LoadEnv(); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint16(42123), cfg.Port)
	assert.Equal(t, []string{"10.0.0.1:42000", "10.0.0.2:42000"}, cfg.Bootstrap)
	assert.Equal(t, uint64(9), cfg.HeartbeatInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestConfigCLIPrecedence(t *testing.T) {
	t.Setenv(EnvPort, "42123")
	t.Setenv(EnvBootstrap, "10.0.0.1:42000")

	// Values already set (as by flags) survive LoadEnv.
	cfg := DefaultConfig()
	cfg.Port = 43000
	cfg.Bootstrap = []string{"10.9.9.9:42000"}
	if err := cfg.LoadEnv(); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint16(43000), cfg.Port)
	assert.Equal(t, []string{"10.9.9.9:42000"}, cfg.Bootstrap)
}

func TestConfigEnvErrors(t *testing.T) {
	t.Setenv(EnvPort, "not-a-port")
	cfg := DefaultConfig()
	assert.Error(t, cfg.LoadEnv())

	t.Setenv(EnvPort, "")
	t.Setenv(EnvHeartbeatInterval, "0")
	cfg = DefaultConfig()
	assert.Error(t, cfg.LoadEnv())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.HeartbeatInterval = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.LogLevel = "loud"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Bootstrap = []string{"  "}
	assert.Error(t, bad.Validate())
}

func TestBootstrapNodesFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	cfg.Bootstrap = []string{"10.0.0.1:42000"}
	cfg.SetFS(afero.NewMemMapFs())

	err := afero.WriteFile(cfg.FS(), "/data/bootstrap-nodes.json",
		[]byte(`["10.0.0.2:42000","10.0.0.3:42000",""]`), 0644)
	if err != nil {
		t.Fatal(err)
	}

	got := cfg.BootstrapNodes(logger.Discard)
	want := []string{"10.0.0.1:42000", "10.0.0.2:42000", "10.0.0.3:42000"}
	assert.Equal(t, want, got)
}

func TestBootstrapNodesNoFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	cfg.Bootstrap = []string{"10.0.0.1:42000"}
	cfg.SetFS(afero.NewMemMapFs())

	got := cfg.BootstrapNodes(logger.Discard)
	assert.Equal(t, []string{"10.0.0.1:42000"}, got)
}

func TestNodeDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = ""
	assert.Equal(t, "", cfg.NodeDBPath())
	cfg.DataDir = "/var/guild"
	assert.Equal(t, "/var/guild/nodes", cfg.NodeDBPath())
}
