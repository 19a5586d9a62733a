package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/brokerlink/internal/broker"
	"github.com/danmuck/brokerlink/internal/protocol/session"
	"github.com/danmuck/brokerlink/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestClientTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "client.toml")
	if err := WriteTemplate(path, "client", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.Label != "render" || cfg.Computer != "node-a" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if len(cfg.Networks) != 2 || cfg.Networks[1].Channel != broker.ChannelGraphics {
		t.Fatalf("unexpected networks: %+v", cfg.Networks)
	}

	bc, err := cfg.BrokerConfig()
	if err != nil {
		t.Fatalf("broker config: %v", err)
	}
	if bc.Conn.Address != "" || bc.ServerName != "*" {
		t.Fatalf("expected discovery of any server, got addr=%q name=%q", bc.Conn.Address, bc.ServerName)
	}
	if bc.Discovery.Timeout != 2*time.Second || bc.Discovery.DiscoveryPort != 4620 {
		t.Fatalf("unexpected discovery: %+v", bc.Discovery)
	}
	if bc.Conn.Session.CallTimeout != 20*time.Second {
		t.Fatalf("unexpected call timeout: %v", bc.Conn.Session.CallTimeout)
	}
	if got := bc.Networks[broker.ChannelGraphics]; len(got.Names) != 1 || got.Names[0] != "render-net" {
		t.Fatalf("unexpected graphics networks: %+v", got)
	}
	if bc.FirstPort != 4700 || bc.BlockSize != 200 || bc.MaxBindAttempts != 5 || bc.DialAttempts != 3 {
		t.Fatalf("unexpected port settings: %+v", bc)
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "params.toml")
	if err := WriteTemplate(path, "params", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "params", false); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected exists error, got %v", err)
	}
	if err := WriteTemplate(path, "params", true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := Template("seed"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadClientConfigDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
label = "audio"
computer = "node-b"

[server]
address = "10.0.0.5"
port = 9000
`)
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.Addr != ":9420" || cfg.Ports.MaxBindAttempts != 5 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	bc, err := cfg.BrokerConfig()
	if err != nil {
		t.Fatalf("broker config: %v", err)
	}
	if bc.Conn.Address != "10.0.0.5:9000" {
		t.Fatalf("unexpected address: %q", bc.Conn.Address)
	}
	if bc.Conn.Session.SecurityMode != session.SecurityModeDevelopment {
		t.Fatalf("unexpected mode: %q", bc.Conn.Session.SecurityMode)
	}
}

func TestLoadClientConfigErrors(t *testing.T) {
	testlog.Start(t)
	if _, err := LoadClientConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Fatalf("expected load error, got %v", err)
	}
	if _, err := LoadClientConfig(writeConfig(t, "label = [")); err == nil || !strings.Contains(err.Error(), "config parse failed") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidateClientConfig(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name   string
		mutate func(*ClientConfig)
		want   string
	}{
		{"missing label", func(c *ClientConfig) { c.Label = " " }, "missing label"},
		{"address without port", func(c *ClientConfig) { c.Server.Address = "10.0.0.1" }, "server.port"},
		{"no address no name", func(c *ClientConfig) { c.Server.Name = "" }, "server.name"},
		{"bad discovery timeout", func(c *ClientConfig) { c.Discovery.Timeout = "soon" }, "discovery.timeout"},
		{"block past range", func(c *ClientConfig) { c.Ports.FirstPort = 65500 }, "past 65535"},
		{"bad call timeout", func(c *ClientConfig) { c.Session.CallTimeout = "-1s" }, "session.call_timeout"},
		{"mismatched networks", func(c *ClientConfig) {
			c.Networks = []NetworkConfig{{Channel: "default", Names: []string{"a", "b"}, Addresses: []string{"127.0.0.1"}}}
		}, "2 names but 1 addresses"},
		{"bad network address", func(c *ClientConfig) {
			c.Networks = []NetworkConfig{{Channel: "default", Names: []string{"a"}, Addresses: []string{"node-a"}}}
		}, "invalid address"},
		{"duplicate channel", func(c *ClientConfig) {
			c.Networks = []NetworkConfig{{Channel: "sound"}, {Channel: "sound"}}
		}, "duplicate channel"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultClientConfig()
			tc.mutate(&cfg)
			err := ValidateClientConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
		})
	}

	cfg := DefaultClientConfig()
	cfg.Networks = []NetworkConfig{{Channel: "video"}}
	if err := ValidateClientConfig(cfg); !errors.Is(err, broker.ErrInvalidChannel) {
		t.Fatalf("expected invalid channel, got %v", err)
	}

	cfg = DefaultClientConfig()
	cfg.Session.SecurityMode = "production"
	if err := ValidateClientConfig(cfg); !errors.Is(err, session.ErrTLSRequired) {
		t.Fatalf("expected tls required, got %v", err)
	}
}
