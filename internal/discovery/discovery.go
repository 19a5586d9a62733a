// Package discovery finds brokers with a UDP broadcast probe. It does not
// depend on a broker connection.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/brokerlink/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDiscoveryPort = 4620
	DefaultResponsePort  = 4621
	DefaultTimeout       = 2 * time.Second

	// AnyServer matches every broker name.
	AnyServer = "*"
)

var ErrNotFound = errors.New("discovery: no broker answered")

// Config selects where probes go and where answers are read.
type Config struct {
	// Broadcast is the address probes are sent to.
	Broadcast     string
	DiscoveryPort int
	// ResponsePort is bound locally for answers. Zero binds an ephemeral
	// port; responders reply to the probe's source address.
	ResponsePort int
	Timeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Broadcast:     "255.255.255.255",
		DiscoveryPort: DefaultDiscoveryPort,
		ResponsePort:  DefaultResponsePort,
		Timeout:       DefaultTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.Broadcast == "" {
		c.Broadcast = "255.255.255.255"
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Advertisement is one broker's answer to a probe.
type Advertisement struct {
	Name    string
	Address string
	Port    int
}

func (a Advertisement) HostPort() string {
	return net.JoinHostPort(a.Address, strconv.Itoa(a.Port))
}

func (a Advertisement) key() string {
	return a.Name + "/" + a.HostPort()
}

// Discover returns the first broker named name, or any broker for
// AnyServer, that answers before the timeout.
func Discover(ctx context.Context, cfg Config, name string) (Advertisement, error) {
	found, err := probe(ctx, cfg, name, true)
	if err != nil {
		return Advertisement{}, err
	}
	if len(found) == 0 {
		observability.RecordDiscovery("not_found")
		return Advertisement{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return found[0], nil
}

// ListAll collects every distinct broker answering within the timeout.
func ListAll(ctx context.Context, cfg Config) ([]Advertisement, error) {
	return probe(ctx, cfg, AnyServer, false)
}

func probe(ctx context.Context, cfg Config, name string, first bool) ([]Advertisement, error) {
	cfg = cfg.withDefaults()
	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.Broadcast, strconv.Itoa(cfg.DiscoveryPort)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.ResponsePort})
	if err != nil {
		return nil, fmt.Errorf("discovery: bind response port %d: %w", cfg.ResponsePort, err)
	}
	defer conn.Close()

	req, err := Packet{Version: Version, Name: name}.Marshal()
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(req, dst); err != nil {
		return nil, fmt.Errorf("discovery: send probe: %w", err)
	}
	observability.RecordDiscovery("probe")
	log.Debug().Str("name", name).Str("dst", dst.String()).Msg("discovery.probe sent")

	var found []Advertisement
	drained := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	// Fires once: closing the socket ends the drain loop.
	g.Go(func() error {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-gctx.Done():
		case <-drained:
		}
		return conn.Close()
	})

	g.Go(func() error {
		defer close(drained)
		seen := make(map[string]struct{})
		buf := make([]byte, PacketSize*2)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			ad, ok := accept(buf[:n], name)
			if !ok {
				observability.RecordDiscovery("discarded")
				log.Debug().Str("from", from.String()).Msg("discovery.probe discarded datagram")
				continue
			}
			if _, dup := seen[ad.key()]; dup {
				continue
			}
			seen[ad.key()] = struct{}{}
			observability.RecordDiscovery("response")
			found = append(found, ad)
			if first {
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return found, err
	}
	if len(found) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return found, nil
}

func accept(b []byte, name string) (Advertisement, bool) {
	p, err := Unmarshal(b)
	if err != nil || p.Version != Version || !p.Response {
		return Advertisement{}, false
	}
	if name != AnyServer && p.Name != name {
		return Advertisement{}, false
	}
	return Advertisement{Name: p.Name, Address: p.Address, Port: p.Port}, true
}
