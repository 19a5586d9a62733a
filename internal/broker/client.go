package broker

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/danmuck/brokerlink/internal/attrstore"
	"github.com/danmuck/brokerlink/internal/discovery"
	"github.com/danmuck/brokerlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// NetworkSet is the network names and matching interface addresses a
// service on one channel is reachable through.
type NetworkSet struct {
	Names     []string
	Addresses []string
}

// Config configures a Client.
type Config struct {
	Conn ConnConfig
	// ServerName selects the broker answering discovery when Conn.Address
	// is empty. "*" accepts any broker.
	ServerName string
	Discovery  discovery.Config
	// DialAttempts bounds connection attempts; backoff comes from
	// Conn.Session.Backoff.
	DialAttempts int

	Networks        map[string]NetworkSet
	FirstPort       int
	BlockSize       int
	MaxBindAttempts int

	ParameterFile string
	// AllowStandalone keeps the client usable for attribute access when no
	// broker can be reached.
	AllowStandalone bool
}

func (c Config) withDefaults() Config {
	if c.Conn.Computer == "" {
		if host, err := os.Hostname(); err == nil {
			c.Conn.Computer = host
		}
	}
	if c.Conn.Label == "" {
		c.Conn.Label = "brokerlink"
	}
	c.Conn.Session = c.Conn.Session.WithDefaults()
	if c.ServerName == "" {
		c.ServerName = discovery.AnyServer
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 1
	}
	if c.MaxBindAttempts <= 0 {
		c.MaxBindAttempts = 5
	}
	return c
}

// Client is the process-wide broker client. Without a connection only the
// attribute calls work, served from the local attribute store.
type Client struct {
	cfg   Config
	conn  *Conn
	attrs *attrstore.Store
	regs  *RegistrationTable
	rng   *rand.Rand
}

func newClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:   cfg,
		attrs: attrstore.New(cfg.Conn.Computer),
		regs:  NewRegistrationTable(),
		rng:   session.NewJitterRand(time.Now().UnixNano()),
	}
	if cfg.ParameterFile != "" {
		n, err := c.attrs.LoadFile(cfg.ParameterFile)
		if err != nil {
			return nil, err
		}
		log.Debug().Int("count", n).Str("path", cfg.ParameterFile).Msg("broker.Client loaded parameters")
	}
	return c, nil
}

// Connect resolves the broker, through discovery when no address is
// configured, and dials it.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	addr := c.cfg.Conn.Address
	if addr == "" {
		ad, err := discovery.Discover(ctx, c.cfg.Discovery, c.cfg.ServerName)
		if err != nil {
			return c.standalone(err)
		}
		addr = ad.HostPort()
	}

	connCfg := c.cfg.Conn
	connCfg.Address = addr
	var lastErr error
	for attempt := 1; attempt <= c.cfg.DialAttempts; attempt++ {
		conn, err := Dial(ctx, connCfg)
		if err == nil {
			c.conn = conn
			return c, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", addr).Msg("broker.Connect dial failed")
		if attempt == c.cfg.DialAttempts {
			break
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			lastErr = err
			break
		}
	}
	return c.standalone(lastErr)
}

// NewStandalone returns a client that never talks to a broker.
func NewStandalone(cfg Config) (*Client, error) {
	return newClient(cfg)
}

func (c *Client) standalone(cause error) (*Client, error) {
	if !c.cfg.AllowStandalone {
		return nil, cause
	}
	log.Warn().Err(cause).Msg("broker.Connect no broker, using local parameters")
	return c, nil
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	return session.SleepBackoff(ctx, c.cfg.Conn.Session.Backoff, attempt, c.rng)
}

func (c *Client) live() (*Conn, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Connected reports whether the broker connection is up.
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.Connected()
}

// Conn returns the underlying connection, nil in standalone mode.
func (c *Client) Conn() *Conn { return c.conn }

func (c *Client) ComponentID() uint32 {
	if c.conn == nil {
		return 0
	}
	return c.conn.ComponentID()
}

func (c *Client) ServerName() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.ServerName()
}

func (c *Client) Computer() string { return c.cfg.Conn.Computer }

func (c *Client) Attributes() *attrstore.Store { return c.attrs }

func (c *Client) Registrations() *RegistrationTable { return c.regs }

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("broker: close: %w", err)
	}
	return nil
}
