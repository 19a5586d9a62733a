package broker

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/brokerlink/internal/observability"
	"github.com/danmuck/brokerlink/internal/protocol/frame"
	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/danmuck/brokerlink/internal/protocol/schema"
	"github.com/danmuck/brokerlink/internal/protocol/session"
	"github.com/danmuck/brokerlink/internal/registry"
	"github.com/rs/zerolog/log"
)

// ConnConfig is everything needed to open one broker connection.
type ConnConfig struct {
	Address  string
	Label    string
	Computer string
	User     string
	Session  session.Config
	Limits   frame.Limits
}

// Conn is one persistent stream to the broker. A single reader goroutine
// owns reads and dispatches every inbound record into the registry; writes
// are serialized by sendMu.
type Conn struct {
	cfg ConnConfig
	nc  net.Conn
	br  *bufio.Reader
	reg *registry.Registry

	sendMu sync.Mutex
	match  atomic.Uint64

	connected  atomic.Bool
	failOnce   sync.Once
	readerDone chan struct{}

	sessionID   string
	serverName  string
	componentID uint32
}

// Dial connects, runs the hello handshake and starts the reader loop.
func Dial(ctx context.Context, cfg ConnConfig) (*Conn, error) {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	nc, err := dialTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		cfg:        cfg,
		nc:         nc,
		br:         bufio.NewReader(nc),
		reg:        registry.New(),
		readerDone: make(chan struct{}),
	}
	if err := c.handshake(); err != nil {
		_ = nc.Close()
		return nil, err
	}

	c.connected.Store(true)
	observability.SetConnected(true)
	go c.readLoop()
	log.Info().
		Str("addr", cfg.Address).
		Str("server", c.serverName).
		Uint32("component_id", c.componentID).
		Msg("broker.Dial connected")
	return c, nil
}

func dialTransport(ctx context.Context, cfg ConnConfig) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if !cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.Session.ClientTLSConfig(cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Conn) handshake() error {
	_ = c.nc.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	defer func() { _ = c.nc.SetDeadline(time.Time{}) }()

	hello := session.NewHello(c.cfg.Label, c.cfg.Computer, c.cfg.User, os.Getpid())
	if err := session.WriteHello(c.nc, hello); err != nil {
		return err
	}
	ack, err := session.ReadHelloAck(c.br)
	if err != nil {
		return err
	}
	if err := ack.Accepted(hello); err != nil {
		return err
	}
	c.sessionID = hello.SessionID
	c.serverName = ack.ServerName
	c.componentID = ack.ComponentID
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	for {
		f, err := frame.ReadFrame(c.br, c.cfg.Limits)
		if errors.Is(err, frame.ErrChecksum) {
			observability.RecordProtocolError("checksum")
			log.Warn().Err(err).Msg("broker.Conn reader dropped corrupt frame")
			continue
		}
		if err != nil {
			c.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
		match, rec, err := record.Decode(f)
		if err != nil {
			observability.RecordProtocolError("decode")
			log.Warn().
				Err(err).
				Uint64("match", match).
				Str("kind", schema.KindName(f.Kind())).
				Msg("broker.Conn reader dropped record")
			continue
		}
		c.dispatch(match, rec)
		if rec.Kind() == schema.KindDisconnect {
			return
		}
	}
}

func (c *Conn) dispatch(match uint64, rec record.Record) {
	kind := rec.Kind()
	name := schema.KindName(kind)
	switch {
	case kind == schema.KindDisconnect:
		observability.RecordReceived(name, "control")
		reason := rec.(record.Disconnect).Reason
		log.Warn().Str("reason", reason).Msg("broker.Conn forced disconnect")
		c.fail(fmt.Errorf("%w: %s", ErrForcedDisconnect, reason))
	case schema.Unsolicited(kind):
		observability.RecordReceived(name, "kind")
		_ = c.reg.PushKind(kind, rec)
	case match == 0 || match > c.match.Load():
		observability.RecordProtocolError("unknown_match")
		log.Warn().
			Uint64("match", match).
			Str("kind", name).
			Msg("broker.Conn reader dropped record for unissued match")
	default:
		observability.RecordReceived(name, "tag")
		_ = c.reg.PushTagged(match, rec)
	}
}

// fail marks the connection dead and wakes every waiter with cause.
func (c *Conn) fail(cause error) {
	c.failOnce.Do(func() {
		c.connected.Store(false)
		observability.SetConnected(false)
		c.reg.Fail(cause)
		_ = c.nc.Close()
		if !errors.Is(cause, ErrConnClosed) {
			log.Error().Err(cause).Uint32("component_id", c.componentID).Msg("broker.Conn failed")
		}
	})
}

// nextMatch mints a correlation tag. Tags start at 1 and are never reused.
func (c *Conn) nextMatch() uint64 {
	return c.match.Add(1)
}

// Send writes rec under match. A done ctx returns before the socket is
// touched. A write that fails or stalls past Session.WriteTimeout is fatal to
// the connection.
func (c *Conn) Send(ctx context.Context, rec record.Record, match uint64) error {
	if !c.connected.Load() {
		return c.notConnected()
	}
	if err := abandoned(ctx); err != nil {
		return err
	}
	f, err := record.Encode(match, rec)
	if err != nil {
		return err
	}
	buf, err := frame.AppendFrame(nil, f, c.cfg.Limits)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := abandoned(ctx); err != nil {
		return err
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout))
	if _, err := c.nc.Write(buf); err != nil {
		c.fail(fmt.Errorf("%w: write: %w", ErrConnectionLost, err))
		return c.notConnected()
	}
	observability.RecordSent(schema.KindName(rec.Kind()))
	return nil
}

// abandoned reports the caller's own timeout or cancellation.
func abandoned(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return err
	}
}

func (c *Conn) notConnected() error {
	if err := c.reg.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return ErrNotConnected
}

// Close stops the reader loop and fails pending waiters. Safe to call more
// than once.
func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	<-c.readerDone
	return nil
}

func (c *Conn) Connected() bool { return c.connected.Load() }

// Done is closed when the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} { return c.reg.Done() }

// Err reports why the connection ended, or nil while it is up.
func (c *Conn) Err() error { return c.reg.Err() }

func (c *Conn) ServerName() string { return c.serverName }

func (c *Conn) ComponentID() uint32 { return c.componentID }

func (c *Conn) SessionID() string { return c.sessionID }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Release forgets matches no caller will take again, dropping their
// buffered and late records.
func (c *Conn) Release(matches ...uint64) { c.reg.Discard(matches...) }

// Stats exposes registry occupancy.
func (c *Conn) Stats() registry.Stats { return c.reg.Stats() }
