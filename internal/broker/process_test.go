package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/brokerlink/internal/testutil/brokertest"
	"github.com/danmuck/brokerlink/internal/testutil/testlog"
)

func TestKillComponentsQuitsAndForces(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "master")
	polite := connect(t, srv, "polite")
	stubborn := connect(t, srv, "stubborn")

	go quitOnRequest(polite)

	ctx := timeoutCtx(t, 5*time.Second)
	forced, err := a.KillComponents(ctx, []uint32{polite.ComponentID(), stubborn.ComponentID()}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("kill components: %v", err)
	}
	if len(forced) != 1 || forced[0] != stubborn.ComponentID() {
		t.Fatalf("forced got=%v want=[%d]", forced, stubborn.ComponentID())
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(srv.Components()) == 1
	})
	if !waitClosed(stubborn, 2*time.Second) {
		t.Fatalf("stubborn component still connected")
	}
	// Late quit replies and the forced exit notice must not be buffered.
	time.Sleep(50 * time.Millisecond)
	if st := a.Conn().Stats(); st.TagQueues != 0 || st.TagBuffered != 0 {
		t.Fatalf("kill left tagged records behind: %+v", st)
	}
}

func TestRepeatedKillsLeaveNoTagQueues(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "master")
	ctx := timeoutCtx(t, 10*time.Second)

	for i := 0; i < 5; i++ {
		target := connect(t, srv, "polite")
		go quitOnRequest(target)
		forced, err := a.KillComponents(ctx, []uint32{target.ComponentID()}, 2*time.Second)
		if err != nil {
			t.Fatalf("kill %d: %v", i, err)
		}
		if len(forced) != 0 {
			t.Fatalf("kill %d forced %v", i, forced)
		}
	}
	if st := a.Conn().Stats(); st.TagQueues != 0 || st.TagBuffered != 0 || st.Waiting != 0 {
		t.Fatalf("registry not drained: %+v", st)
	}
}

func TestReleaseDropsAbandonedSubscription(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")
	ctx := timeoutCtx(t, 5*time.Second)

	// A free lock notifies at once.
	match, err := a.SubscribeLockRelease(ctx, "free")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return a.Conn().Stats().TagBuffered == 1 })
	a.Release(match)
	if st := a.Conn().Stats(); st.TagQueues != 0 || st.TagBuffered != 0 {
		t.Fatalf("released match still buffered: %+v", st)
	}
	if _, _, err := a.AwaitLockRelease(timeoutCtx(t, 50*time.Millisecond), match); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout on released match, got %v", err)
	}
}

func quitOnRequest(c *Client) {
	for {
		msg, err := c.ReceiveMessage(context.Background())
		if err != nil {
			return
		}
		if msg.Type == MessageQuit {
			_ = c.Close()
			return
		}
	}
}

func TestKillProcessIDUnknown(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "master")
	if err := a.KillProcessID(timeoutCtx(t, 2*time.Second), 999); err == nil {
		t.Fatalf("expected rejection for unknown component")
	}
}

func waitClosed(c *Client, d time.Duration) bool {
	select {
	case <-c.Conn().Done():
		return true
	case <-time.After(d):
		return false
	}
}
