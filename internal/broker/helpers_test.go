package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/brokerlink/internal/protocol/session"
	"github.com/danmuck/brokerlink/internal/testutil/brokertest"
)

func testConfig(addr, label string) Config {
	sess := session.DefaultConfig()
	sess.CallTimeout = 2 * time.Second
	sess.Backoff.InitialDelay = time.Millisecond
	sess.Backoff.MaxDelay = 5 * time.Millisecond
	return Config{
		Conn: ConnConfig{
			Address:  addr,
			Label:    label,
			Computer: "node-a",
			User:     "tester",
			Session:  sess,
		},
		FirstPort: 20000,
		BlockSize: 100,
	}
}

func connect(t *testing.T, srv *brokertest.Server, label string) *Client {
	t.Helper()
	return connectWith(t, testConfig(srv.Addr(), label))
}

func connectWith(t *testing.T, cfg Config) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect %s: %v", cfg.Conn.Label, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func timeoutCtx(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// loopbackBind ignores the assigned port numbers and binds ephemeral
// loopback ports so tests never collide with real services.
func loopbackBind(fail func(ports []int) bool) BindFunc {
	return func(ports []int) ([]net.Listener, error) {
		if fail != nil && fail(ports) {
			return nil, &net.OpError{Op: "listen", Net: "tcp", Err: errAddrInUse}
		}
		out := make([]net.Listener, 0, len(ports))
		for range ports {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				closeAll(out)
				return nil, err
			}
			out = append(out, ln)
		}
		return out, nil
	}
}

type addrInUse struct{}

func (addrInUse) Error() string { return "address already in use" }

var errAddrInUse error = addrInUse{}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}
