package broker

import (
	"testing"
	"time"

	"github.com/danmuck/brokerlink/internal/testutil/brokertest"
	"github.com/danmuck/brokerlink/internal/testutil/testlog"
)

func TestLockAcquireReleaseNotify(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")
	b := connect(t, srv, "b")
	ctx := timeoutCtx(t, 5*time.Second)

	lock, err := a.AcquireLock(ctx, "graphics/wall")
	if err != nil || !lock.Held || lock.OwnerID != a.ComponentID() {
		t.Fatalf("a acquire: %+v err=%v", lock, err)
	}
	lock, err = b.AcquireLock(ctx, "graphics/wall")
	if err != nil {
		t.Fatalf("b acquire: %v", err)
	}
	if lock.Held || lock.OwnerID != a.ComponentID() {
		t.Fatalf("b must see a as owner: %+v", lock)
	}

	match, err := b.SubscribeLockRelease(ctx, "graphics/wall")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	released, err := a.ReleaseLock(ctx, "graphics/wall")
	if err != nil || !released {
		t.Fatalf("release: %v %v", released, err)
	}
	got, name, err := b.AwaitLockRelease(ctx, match)
	if err != nil {
		t.Fatalf("await release: %v", err)
	}
	if got != match || name != "graphics/wall" {
		t.Fatalf("notification got match=%d name=%q", got, name)
	}

	lock, err = b.AcquireLock(ctx, "graphics/wall")
	if err != nil || !lock.Held {
		t.Fatalf("b reacquire: %+v err=%v", lock, err)
	}
	locks, err := a.ListLocks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(locks) != 1 || locks[0].Name != "graphics/wall" || locks[0].OwnerID != b.ComponentID() {
		t.Fatalf("listing: %+v", locks)
	}
}

func TestReleaseUnheldLock(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")

	released, err := a.ReleaseLock(timeoutCtx(t, 2*time.Second), "nobody")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released {
		t.Fatalf("releasing an unheld lock must report false")
	}
}

func TestLockReleasedWhenOwnerExits(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")
	b := connect(t, srv, "b")
	ctx := timeoutCtx(t, 5*time.Second)

	if lock, err := a.AcquireLock(ctx, "sound"); err != nil || !lock.Held {
		t.Fatalf("acquire: %+v %v", lock, err)
	}
	match, err := b.SubscribeLockRelease(ctx, "sound")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = a.Close()
	if _, name, err := b.AwaitLockRelease(ctx, match); err != nil || name != "sound" {
		t.Fatalf("await: name=%q err=%v", name, err)
	}
}

func TestKillNotificationOnExit(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")
	b := connect(t, srv, "b")
	c := connect(t, srv, "c")
	ctx := timeoutCtx(t, 5*time.Second)

	mb, err := a.SubscribeKill(ctx, b.ComponentID())
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	mc, err := a.SubscribeKill(ctx, c.ComponentID())
	if err != nil {
		t.Fatalf("subscribe c: %v", err)
	}
	_ = c.Close()

	match, id, err := a.AwaitKill(ctx, mb, mc)
	if err != nil {
		t.Fatalf("await kill: %v", err)
	}
	if match != mc || id != c.ComponentID() {
		t.Fatalf("kill got match=%d id=%d, want match=%d id=%d", match, id, mc, c.ComponentID())
	}

	// b is still alive; a bounded wait on it times out cleanly.
	if _, _, err := a.AwaitKill(timeoutCtx(t, 50*time.Millisecond), mb); err == nil {
		t.Fatalf("b has not exited")
	}
}

func TestKillNotificationForGoneComponentFiresAtOnce(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")
	ctx := timeoutCtx(t, 2*time.Second)

	match, err := a.SubscribeKill(ctx, 777)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, id, err := a.AwaitKill(ctx, match); err != nil || id != 777 {
		t.Fatalf("await: id=%d err=%v", id, err)
	}
}

func TestServiceReleaseNotification(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")
	b := connect(t, srv, "b")
	ctx := timeoutCtx(t, 5*time.Second)

	if _, _, err := a.ServeService(ctx, "szg/input", ChannelInput, 1, loopbackBind(nil)); err != nil {
		t.Fatalf("serve: %v", err)
	}
	match, err := b.SubscribeServiceRelease(ctx, "szg/input")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = a.Close()
	if _, name, err := b.AwaitServiceRelease(ctx, match); err != nil || name != "szg/input" {
		t.Fatalf("await: name=%q err=%v", name, err)
	}
}
