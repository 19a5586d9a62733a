package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/brokerlink/internal/broker"
	"github.com/danmuck/brokerlink/internal/discovery"
	"github.com/danmuck/brokerlink/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
)

// ClientConfig is the on-disk configuration of a broker client process.
type ClientConfig struct {
	Label         string          `toml:"label"`
	User          string          `toml:"user"`
	Computer      string          `toml:"computer"`
	ParameterFile string          `toml:"parameter_file"`
	Standalone    bool            `toml:"standalone"`
	Server        ServerConfig    `toml:"server"`
	Discovery     DiscoveryConfig `toml:"discovery"`
	Ports         PortConfig      `toml:"ports"`
	Session       SessionConfig   `toml:"session"`
	Networks      []NetworkConfig `toml:"networks"`
	Agent         AgentConfig     `toml:"agent"`
}

// ServerConfig pins the broker. With an empty address the broker is found
// by discovery, matching Name.
type ServerConfig struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

type DiscoveryConfig struct {
	Broadcast     string `toml:"broadcast"`
	DiscoveryPort int    `toml:"discovery_port"`
	ResponsePort  int    `toml:"response_port"`
	Timeout       string `toml:"timeout"`
}

type PortConfig struct {
	FirstPort       int `toml:"first_port"`
	BlockSize       int `toml:"block_size"`
	MaxBindAttempts int `toml:"max_bind_attempts"`
}

type SessionConfig struct {
	ConnectTimeout   string    `toml:"connect_timeout"`
	HandshakeTimeout string    `toml:"handshake_timeout"`
	WriteTimeout     string    `toml:"write_timeout"`
	CallTimeout      string    `toml:"call_timeout"`
	DialAttempts     int       `toml:"dial_attempts"`
	SecurityMode     string    `toml:"security_mode"`
	TLS              TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// NetworkConfig lists the networks, and this host's address on each, that
// services on Channel are offered through.
type NetworkConfig struct {
	Channel   string   `toml:"channel"`
	Names     []string `toml:"names"`
	Addresses []string `toml:"addresses"`
}

// AgentConfig is the status server of brokerctl agent. A non-empty Token
// is required as a bearer token on every route except health, readiness
// and metrics.
type AgentConfig struct {
	Addr  string `toml:"addr"`
	Token string `toml:"token"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Label: "brokerlink",
		Server: ServerConfig{
			Name: discovery.AnyServer,
		},
		Discovery: DiscoveryConfig{
			Broadcast:     "255.255.255.255",
			DiscoveryPort: discovery.DefaultDiscoveryPort,
			ResponsePort:  discovery.DefaultResponsePort,
			Timeout:       discovery.DefaultTimeout.String(),
		},
		Ports: PortConfig{
			FirstPort:       4700,
			BlockSize:       200,
			MaxBindAttempts: 5,
		},
		Session: SessionConfig{
			ConnectTimeout:   "5s",
			HandshakeTimeout: "5s",
			WriteTimeout:     "15s",
			CallTimeout:      "20s",
			DialAttempts:     3,
			SecurityMode:     string(session.SecurityModeDevelopment),
		},
		Agent: AgentConfig{Addr: ":9420"},
	}
}

func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if strings.TrimSpace(cfg.Computer) == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Computer = host
		}
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Label) == "" {
		return fmt.Errorf("client config missing label")
	}
	if strings.TrimSpace(cfg.Server.Address) != "" {
		if err := validPort(cfg.Server.Port); err != nil {
			return fmt.Errorf("server.port: %w", err)
		}
	} else if strings.TrimSpace(cfg.Server.Name) == "" {
		return fmt.Errorf("server.name required when server.address is empty")
	}
	if err := validPort(cfg.Discovery.DiscoveryPort); err != nil {
		return fmt.Errorf("discovery.discovery_port: %w", err)
	}
	if cfg.Discovery.ResponsePort < 0 || cfg.Discovery.ResponsePort > 65535 {
		return fmt.Errorf("discovery.response_port: out of range")
	}
	if _, err := parseDuration("discovery.timeout", cfg.Discovery.Timeout); err != nil {
		return err
	}
	if cfg.Ports.BlockSize > 0 {
		if err := validPort(cfg.Ports.FirstPort); err != nil {
			return fmt.Errorf("ports.first_port: %w", err)
		}
		if cfg.Ports.FirstPort+cfg.Ports.BlockSize > 65536 {
			return fmt.Errorf("ports block runs past 65535")
		}
	}
	if cfg.Ports.MaxBindAttempts < 0 {
		return fmt.Errorf("ports.max_bind_attempts must not be negative")
	}
	seen := make(map[string]bool)
	for i, n := range cfg.Networks {
		if err := broker.ValidateChannel(n.Channel); err != nil {
			return fmt.Errorf("networks[%d]: %w", i, err)
		}
		if seen[n.Channel] {
			return fmt.Errorf("networks[%d]: duplicate channel %q", i, n.Channel)
		}
		seen[n.Channel] = true
		if len(n.Names) != len(n.Addresses) {
			return fmt.Errorf("networks[%d]: %d names but %d addresses", i, len(n.Names), len(n.Addresses))
		}
		for _, addr := range n.Addresses {
			if net.ParseIP(addr) == nil {
				return fmt.Errorf("networks[%d]: invalid address %q", i, addr)
			}
		}
	}
	if _, err := cfg.SessionConfig(); err != nil {
		return err
	}
	return nil
}

func validPort(p int) error {
	if p <= 0 || p > 65535 {
		return fmt.Errorf("port %d out of range", p)
	}
	return nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration", field)
	}
	return d, nil
}

// SessionConfig converts the session section. Empty durations keep the
// session defaults.
func (c ClientConfig) SessionConfig() (session.Config, error) {
	out := session.DefaultConfig()
	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"session.connect_timeout", c.Session.ConnectTimeout, &out.ConnectTimeout},
		{"session.handshake_timeout", c.Session.HandshakeTimeout, &out.HandshakeTimeout},
		{"session.write_timeout", c.Session.WriteTimeout, &out.WriteTimeout},
		{"session.call_timeout", c.Session.CallTimeout, &out.CallTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.field, d.value)
		if err != nil {
			return session.Config{}, err
		}
		if v > 0 {
			*d.dst = v
		}
	}
	out.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(c.Session.SecurityMode))
	out.TLS = session.TLSConfig{
		Enabled:            c.Session.TLS.Enabled,
		Mutual:             c.Session.TLS.Mutual,
		CAFile:             c.Session.TLS.CAFile,
		CertFile:           c.Session.TLS.CertFile,
		KeyFile:            c.Session.TLS.KeyFile,
		ServerName:         c.Session.TLS.ServerName,
		InsecureSkipVerify: c.Session.TLS.InsecureSkipVerify,
	}
	if err := out.ValidateClientTransport(); err != nil {
		return session.Config{}, err
	}
	return out, nil
}

// BrokerConfig builds the broker client configuration.
func (c ClientConfig) BrokerConfig() (broker.Config, error) {
	sess, err := c.SessionConfig()
	if err != nil {
		return broker.Config{}, err
	}
	timeout, err := parseDuration("discovery.timeout", c.Discovery.Timeout)
	if err != nil {
		return broker.Config{}, err
	}

	addr := ""
	if host := strings.TrimSpace(c.Server.Address); host != "" {
		addr = net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
	}
	networks := make(map[string]broker.NetworkSet, len(c.Networks))
	for _, n := range c.Networks {
		networks[n.Channel] = broker.NetworkSet{Names: n.Names, Addresses: n.Addresses}
	}
	return broker.Config{
		Conn: broker.ConnConfig{
			Address:  addr,
			Label:    c.Label,
			Computer: c.Computer,
			User:     c.User,
			Session:  sess,
		},
		ServerName: c.Server.Name,
		Discovery: discovery.Config{
			Broadcast:     c.Discovery.Broadcast,
			DiscoveryPort: c.Discovery.DiscoveryPort,
			ResponsePort:  c.Discovery.ResponsePort,
			Timeout:       timeout,
		},
		DialAttempts:    c.Session.DialAttempts,
		Networks:        networks,
		FirstPort:       c.Ports.FirstPort,
		BlockSize:       c.Ports.BlockSize,
		MaxBindAttempts: c.Ports.MaxBindAttempts,
		ParameterFile:   c.ParameterFile,
		AllowStandalone: c.Standalone,
	}, nil
}
