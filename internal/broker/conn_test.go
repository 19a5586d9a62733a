package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/brokerlink/internal/discovery"
	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/danmuck/brokerlink/internal/protocol/schema"
	"github.com/danmuck/brokerlink/internal/protocol/session"
	"github.com/danmuck/brokerlink/internal/testutil/brokertest"
	"github.com/danmuck/brokerlink/internal/testutil/testlog"
	"github.com/danmuck/brokerlink/internal/testutil/tlstest"
)

func TestConnectHandshake(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{Name: "szg-main"})
	c := connect(t, srv, "render")

	if !c.Connected() {
		t.Fatalf("client not connected")
	}
	if c.ServerName() != "szg-main" {
		t.Fatalf("server name got=%q", c.ServerName())
	}
	if c.ComponentID() == 0 {
		t.Fatalf("component id not assigned")
	}
	if c.Conn().SessionID() == "" {
		t.Fatalf("session id not recorded")
	}
}

func TestConnectRejected(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{Reject: "broker full"})
	_, err := Connect(timeoutCtx(t, 5*time.Second), testConfig(srv.Addr(), "render"))
	if !errors.Is(err, session.ErrHelloRejected) {
		t.Fatalf("expected ErrHelloRejected, got %v", err)
	}
}

func TestConnectIncompatibleProtocol(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{ProtocolVersion: "2.0.0"})
	_, err := Connect(timeoutCtx(t, 5*time.Second), testConfig(srv.Addr(), "render"))
	if !errors.Is(err, session.ErrIncompatibleProtocol) {
		t.Fatalf("expected ErrIncompatibleProtocol, got %v", err)
	}
}

func TestConnectMutualTLS(t *testing.T) {
	testlog.Start(t)
	pair := tlstest.NewMutualPair(t)
	srvSession := session.DefaultConfig()
	srvSession.SecurityMode = session.SecurityModeProduction
	srvSession.TLS = pair.Server
	srv := brokertest.Start(t, brokertest.Options{Session: srvSession})

	cfg := testConfig(srv.Addr(), "render")
	cfg.Conn.Session.SecurityMode = session.SecurityModeProduction
	cfg.Conn.Session.TLS = pair.Client
	c := connectWith(t, cfg)

	lock, err := c.AcquireLock(timeoutCtx(t, 2*time.Second), "tls/lock")
	if err != nil || !lock.Held {
		t.Fatalf("acquire over tls: lock=%+v err=%v", lock, err)
	}
}

func TestConnectProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("127.0.0.1:1", "render")
	cfg.Conn.Session.SecurityMode = session.SecurityModeProduction
	_, err := Connect(timeoutCtx(t, time.Second), cfg)
	if !errors.Is(err, session.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
}

func TestConnectViaDiscovery(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{Name: "szg-lab"})
	port := srv.StartDiscovery(t)

	cfg := testConfig("", "render")
	cfg.ServerName = "szg-lab"
	cfg.Discovery = discovery.Config{Broadcast: "127.0.0.1", DiscoveryPort: port, Timeout: time.Second}
	c := connectWith(t, cfg)
	if c.ServerName() != "szg-lab" {
		t.Fatalf("server name got=%q", c.ServerName())
	}
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestConnectFailsWithoutStandalone(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(closedAddr(t), "render")
	cfg.DialAttempts = 2
	if _, err := Connect(timeoutCtx(t, 2*time.Second), cfg); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestForcedDisconnectWakesDisjointWaiters(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")
	b := connect(t, srv, "b")
	ctx := timeoutCtx(t, 5*time.Second)

	if lock, err := b.AcquireLock(ctx, "wall"); err != nil || !lock.Held {
		t.Fatalf("b acquire: %+v %v", lock, err)
	}
	lockMatch, err := a.SubscribeLockRelease(ctx, "wall")
	if err != nil {
		t.Fatalf("subscribe lock: %v", err)
	}
	killMatch, err := a.SubscribeKill(ctx, b.ComponentID())
	if err != nil {
		t.Fatalf("subscribe kill: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, _, errs[0] = a.AwaitLockRelease(ctx, lockMatch)
	}()
	go func() {
		defer wg.Done()
		_, _, errs[1] = a.AwaitKill(ctx, killMatch)
	}()
	go func() {
		defer wg.Done()
		_, errs[2] = a.ReceiveMessage(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool { return a.Conn().Stats().Waiting == 2 })
	if err := srv.Disconnect(a.ComponentID(), "maintenance"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrClosed) || !errors.Is(err, ErrForcedDisconnect) {
			t.Fatalf("waiter %d: expected forced disconnect, got %v", i, err)
		}
	}
	if a.Connected() {
		t.Fatalf("client still marked connected")
	}
	if _, err := a.AcquireLock(ctx, "wall"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
	select {
	case <-a.Conn().Done():
	default:
		t.Fatalf("done channel not closed")
	}
}

func TestBrokerExitFailsPendingCall(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")
	b := connect(t, srv, "b")
	ctx := timeoutCtx(t, 5*time.Second)

	match, err := a.SubscribeKill(ctx, b.ComponentID())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, _, err := a.AwaitKill(ctx, match)
		done <- err
	}()
	waitFor(t, 2*time.Second, func() bool { return a.Conn().Stats().Waiting == 1 })
	srv.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) || !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected connection lost, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("waiter not woken by broker exit")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	c := connect(t, srv, "a")
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Call(context.Background(), record.LockListing{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestUnissuedMatchIsDropped(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	c := connect(t, srv, "a")
	ctx := timeoutCtx(t, 2*time.Second)

	if err := srv.Push(c.ComponentID(), 9999, record.Ack{Status: schema.StatusSuccess}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := c.ListLocks(ctx); err != nil {
		t.Fatalf("list locks: %v", err)
	}
	if st := c.Conn().Stats(); st.TagBuffered != 0 || st.TagQueues != 0 {
		t.Fatalf("stray record buffered: %+v", st)
	}
}

func TestUnexpectedReplyKindIsProtocolError(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	c := connect(t, srv, "a")
	ctx := timeoutCtx(t, 2*time.Second)

	// A free lock notifies at once with a LockNotification record.
	match, err := c.SubscribeLockRelease(ctx, "free")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, _, err = awaitPush[record.KillNotification](ctx, c, []uint64{match})
	if !errors.Is(err, ErrUnexpectedRecord) {
		t.Fatalf("expected ErrUnexpectedRecord, got %v", err)
	}
	if !c.Connected() {
		t.Fatalf("protocol error must not drop the connection")
	}
}

func TestConcurrentCallsNeverCrossMatches(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	c := connect(t, srv, "a")
	ctx := timeoutCtx(t, 10*time.Second)

	const workers = 32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("slot%d", i)
			want := fmt.Sprintf("value-%d", i)
			if err := c.SetAttribute(ctx, "", "SZG_TEST", name, want); err != nil {
				errs <- err
				return
			}
			got, err := c.GetAttribute(ctx, "", "SZG_TEST", name, "")
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- fmt.Errorf("worker %d got %q", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call: %v", err)
	}
	if got := c.Conn().match.Load(); got != 2*workers {
		t.Fatalf("minted matches got=%d want=%d", got, 2*workers)
	}
	if st := c.Conn().Stats(); st.Waiting != 0 || st.TagBuffered != 0 {
		t.Fatalf("registry not drained: %+v", st)
	}
}

func TestExpiredCallerLeavesConnectionUp(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	c := connect(t, srv, "a")

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if _, err := c.AcquireLock(expired, "wall"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	canceled, stop := context.WithCancel(context.Background())
	stop()
	if _, err := c.ListLocks(canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if !c.Connected() {
		t.Fatalf("caller timeout dropped the connection")
	}
	lock, err := c.AcquireLock(timeoutCtx(t, 2*time.Second), "wall")
	if err != nil || !lock.Held {
		t.Fatalf("acquire after timeout: lock=%+v err=%v", lock, err)
	}
}

func TestDeadlineExpiringWhileQueuedForWrite(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	c := connect(t, srv, "a")

	c.Conn().sendMu.Lock()
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.ListLocks(ctx)
		done <- err
	}()
	time.Sleep(150 * time.Millisecond)
	c.Conn().sendMu.Unlock()

	select {
	case err := <-done:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued caller never returned")
	}
	if !c.Connected() {
		t.Fatalf("queued caller timeout dropped the connection")
	}
	if _, err := c.ListLocks(timeoutCtx(t, 2*time.Second)); err != nil {
		t.Fatalf("list locks after timeout: %v", err)
	}
}
