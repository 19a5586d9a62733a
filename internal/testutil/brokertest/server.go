// Package brokertest runs an in-process broker for tests. It keeps real
// lock, service, message and attribute tables and speaks the same wire
// protocol as a production broker.
package brokertest

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/brokerlink/internal/discovery"
	"github.com/danmuck/brokerlink/internal/protocol/frame"
	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/danmuck/brokerlink/internal/protocol/schema"
	"github.com/danmuck/brokerlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Options tune the fake broker. The zero value is usable.
type Options struct {
	Name    string
	Session session.Config
	// FirstPort and BlockSize define the default port block handed out
	// when a registration does not carry its own.
	FirstPort int
	BlockSize int
	// ProtocolVersion overrides the version sent in the hello ack.
	ProtocolVersion string
	// Reject refuses every hello with this message.
	Reject string
}

type peer struct {
	id       uint32
	label    string
	computer string
	conn     net.Conn

	writeMu sync.Mutex
}

func (p *peer) send(match uint64, rec record.Record) error {
	f, err := record.Encode(match, rec)
	if err != nil {
		return err
	}
	buf, err := frame.AppendFrame(nil, f, frame.DefaultLimits())
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = p.conn.Write(buf)
	return err
}

// sub is a pending subscription: who asked and under which match.
type sub struct {
	peer  uint32
	match uint64
}

// outbound is a record queued for delivery once the state lock is released.
type outbound struct {
	peer  uint32
	match uint64
	rec   record.Record
}

type service struct {
	name     string
	owner    uint32
	channel  string
	computer string
	address  string
	ports    []uint32
	active   bool
	info     string
}

type pendingMessage struct {
	from  uint32
	match uint64
	owner uint32
}

type trade struct {
	messageID uint32
	owner     uint32
	match     uint64
}

// Server is a running fake broker.
type Server struct {
	opts Options
	ln   net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	nextID   uint32
	peers    map[uint32]*peer
	locks    map[string]uint32
	services map[string]*service
	badPorts map[uint32]bool
	messages map[uint32]*pendingMessage
	nextMsg  uint32
	trades   map[string]trade
	attrs    map[string]string
	globals  map[string]string

	lockSubs    map[string][]sub
	killSubs    map[uint32][]sub
	releaseSubs map[string][]sub
	lookups     map[string][]sub
}

// Start listens on loopback and serves until the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "brokertest"
	}
	if opts.FirstPort == 0 {
		opts.FirstPort = 20000
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = 200
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = session.ProtocolVersion
	}

	var (
		ln  net.Listener
		err error
	)
	if opts.Session.TLS.Enabled {
		var tlsCfg *tls.Config
		tlsCfg, err = opts.Session.ServerTLSConfig()
		if err != nil {
			t.Fatalf("brokertest: tls config: %v", err)
		}
		ln, err = tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("brokertest: listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:        opts,
		ln:          ln,
		ctx:         ctx,
		cancel:      cancel,
		peers:       make(map[uint32]*peer),
		locks:       make(map[string]uint32),
		services:    make(map[string]*service),
		badPorts:    make(map[uint32]bool),
		messages:    make(map[uint32]*pendingMessage),
		trades:      make(map[string]trade),
		attrs:       make(map[string]string),
		globals:     make(map[string]string),
		lockSubs:    make(map[string][]sub),
		killSubs:    make(map[uint32][]sub),
		releaseSubs: make(map[string][]sub),
		lookups:     make(map[string][]sub),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Name() string { return s.opts.Name }

// Close stops accepting, drops every connection and waits for handlers.
func (s *Server) Close() {
	s.cancel()
	_ = s.ln.Close()
	s.mu.Lock()
	for _, p := range s.peers {
		_ = p.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// StartDiscovery answers discovery probes on an ephemeral loopback port and
// returns that port.
func (s *Server) StartDiscovery(t testing.TB) int {
	t.Helper()
	host, portText, err := net.SplitHostPort(s.Addr())
	if err != nil {
		t.Fatalf("brokertest: split addr: %v", err)
	}
	port, _ := strconv.Atoi(portText)
	r, err := discovery.Listen("127.0.0.1:0", discovery.Advertisement{Name: s.opts.Name, Address: host, Port: port})
	if err != nil {
		t.Fatalf("brokertest: discovery listen: %v", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := r.Serve(s.ctx); err != nil {
			log.Warn().Err(err).Msg("brokertest.discovery stopped")
		}
	}()
	return r.Addr().Port
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("brokertest.serve accept failed")
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	reader := bufio.NewReader(conn)

	p, err := s.handshake(conn, reader)
	if err != nil {
		log.Debug().Err(err).Msg("brokertest.handleConn handshake failed")
		return
	}
	defer s.drop(p.id)

	for {
		f, err := frame.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			return
		}
		match, rec, err := record.Decode(f)
		if err != nil {
			log.Warn().Err(err).Uint32("component_id", p.id).Msg("brokertest.handleConn decode failed")
			continue
		}
		s.deliver(s.handle(p, match, rec))
	}
}

func (s *Server) handshake(conn net.Conn, reader *bufio.Reader) (*peer, error) {
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	hello, err := session.ReadHello(reader)
	if err != nil {
		return nil, err
	}
	ack := session.HelloAck{
		Status:          session.AckStatusAccepted,
		SessionID:       hello.SessionID,
		ServerName:      s.opts.Name,
		ProtocolVersion: s.opts.ProtocolVersion,
		TimestampMS:     uint64(time.Now().UnixMilli()),
	}
	if s.opts.Reject != "" {
		ack.Status = session.AckStatusRejected
		ack.Message = s.opts.Reject
		_ = session.WriteHelloAck(conn, ack)
		return nil, errors.New(s.opts.Reject)
	}

	s.mu.Lock()
	s.nextID++
	p := &peer{id: s.nextID, label: hello.Label, computer: hello.Computer, conn: conn}
	s.peers[p.id] = p
	s.mu.Unlock()

	ack.ComponentID = p.id
	if err := session.WriteHelloAck(conn, ack); err != nil {
		s.drop(p.id)
		return nil, err
	}
	return p, nil
}

func (s *Server) deliver(out []outbound) {
	for _, o := range out {
		s.mu.Lock()
		p := s.peers[o.peer]
		s.mu.Unlock()
		if p == nil {
			continue
		}
		if err := p.send(o.match, o.rec); err != nil {
			log.Debug().Err(err).Uint32("component_id", o.peer).Msg("brokertest.deliver failed")
		}
	}
}

// drop removes a component and fires everything waiting on it.
func (s *Server) drop(id uint32) {
	s.mu.Lock()
	p, ok := s.peers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, id)
	var out []outbound
	for name, owner := range s.locks {
		if owner == id {
			delete(s.locks, name)
			out = append(out, s.fireLockSubs(name)...)
		}
	}
	for name, svc := range s.services {
		if svc.owner == id {
			delete(s.services, name)
			out = append(out, s.fireReleaseSubs(name)...)
		}
	}
	for msgID, m := range s.messages {
		if m.owner == id {
			delete(s.messages, msgID)
			out = append(out, outbound{m.from, m.match, record.MessageAdmin{
				Type:      schema.AdminResponse,
				MessageID: msgID,
				Status:    schema.StatusFailure,
			}})
		}
	}
	for _, w := range s.killSubs[id] {
		out = append(out, outbound{w.peer, w.match, record.KillNotification{ComponentID: id}})
	}
	delete(s.killSubs, id)
	s.mu.Unlock()

	_ = p.conn.Close()
	s.deliver(out)
}

// Push sends rec to a component under match, bypassing the tables.
func (s *Server) Push(componentID uint32, match uint64, rec record.Record) error {
	s.mu.Lock()
	p := s.peers[componentID]
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("brokertest: no component %d", componentID)
	}
	return p.send(match, rec)
}

// Disconnect forces a component off with the disconnect record.
func (s *Server) Disconnect(componentID uint32, reason string) error {
	return s.Push(componentID, 0, record.Disconnect{Reason: reason})
}

// Components lists connected component ids.
func (s *Server) Components() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ServiceState is a snapshot of one service registration.
type ServiceState struct {
	Owner  uint32
	Ports  []uint32
	Active bool
}

func (s *Server) Service(name string) (ServiceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[name]
	if !ok {
		return ServiceState{}, false
	}
	return ServiceState{
		Owner:  svc.owner,
		Ports:  append([]uint32(nil), svc.ports...),
		Active: svc.active,
	}, true
}

func (s *Server) processList() string {
	ids := make([]uint32, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		p := s.peers[id]
		lines = append(lines, fmt.Sprintf("%s/%s/%d", p.computer, p.label, p.id))
	}
	return strings.Join(lines, "\n")
}
