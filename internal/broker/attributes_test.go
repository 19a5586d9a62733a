package broker

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/brokerlink/internal/testutil/brokertest"
	"github.com/danmuck/brokerlink/internal/testutil/testlog"
)

func TestAttributesThroughBroker(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")
	b := connect(t, srv, "b")
	ctx := timeoutCtx(t, 5*time.Second)

	if err := a.SetAttribute(ctx, "NULL", "SZG_RENDER", "stereo", "true"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := b.GetAttribute(ctx, "node-a", "SZG_RENDER", "stereo", "|false|true|")
	if err != nil || got != "true" {
		t.Fatalf("get: %q err=%v", got, err)
	}

	if err := a.SetAttribute(ctx, "", "SZG_RENDER", "mode", "anaglyph"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	got, err = b.GetAttribute(ctx, "", "SZG_RENDER", "mode", "|mono|stereo|")
	if err != nil || got != "mono" {
		t.Fatalf("invalid value must fall back to first entry, got %q err=%v", got, err)
	}
}

func TestAttributeEnvFallback(t *testing.T) {
	testlog.Start(t)
	t.Setenv("SZG_DISPLAY_width", "1920")
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")

	got, err := a.GetAttribute(timeoutCtx(t, 2*time.Second), "", "SZG_DISPLAY", "width", "")
	if err != nil || got != "1920" {
		t.Fatalf("env fallback got=%q err=%v", got, err)
	}
}

func TestTestAndSetAndGlobals(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	a := connect(t, srv, "a")
	b := connect(t, srv, "b")
	ctx := timeoutCtx(t, 5*time.Second)

	ok, err := a.TestAndSetAttribute(ctx, "", "SZG_LOCK", "leader", "a")
	if err != nil || !ok {
		t.Fatalf("first test-and-set: ok=%v err=%v", ok, err)
	}
	ok, err = b.TestAndSetAttribute(ctx, "", "SZG_LOCK", "leader", "b")
	if err != nil || ok {
		t.Fatalf("second test-and-set must lose: ok=%v err=%v", ok, err)
	}

	if err := a.SetGlobalAttribute(ctx, "SZG_SCRIPT", "demo"); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if got, err := b.GetGlobalAttribute(ctx, "SZG_SCRIPT"); err != nil || got != "demo" {
		t.Fatalf("get global: %q err=%v", got, err)
	}

	procs, err := a.ProcessList(ctx)
	if err != nil {
		t.Fatalf("process list: %v", err)
	}
	if len(procs) != 2 || !strings.HasPrefix(procs[0], "node-a/a/") || !strings.HasPrefix(procs[1], "node-a/b/") {
		t.Fatalf("process list: %v", procs)
	}
}

func TestStandaloneUsesLocalParameters(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "params.toml")
	params := `
[global]
SZG_SCRIPT = "cube"

[hosts.node-a.SZG_RENDER]
stereo = true
`
	if err := os.WriteFile(path, []byte(params), 0o644); err != nil {
		t.Fatalf("write params: %v", err)
	}

	cfg := testConfig(closedAddr(t), "render")
	cfg.AllowStandalone = true
	cfg.ParameterFile = path
	c := connectWith(t, cfg)
	ctx := timeoutCtx(t, 2*time.Second)

	if c.Connected() {
		t.Fatalf("standalone client reports connected")
	}
	if got, err := c.GetAttribute(ctx, "", "SZG_RENDER", "stereo", "|false|true|"); err != nil || got != "true" {
		t.Fatalf("local get: %q err=%v", got, err)
	}
	if got, err := c.GetGlobalAttribute(ctx, "SZG_SCRIPT"); err != nil || got != "cube" {
		t.Fatalf("local global: %q err=%v", got, err)
	}
	if err := c.SetAttribute(ctx, "", "SZG_RENDER", "eye", "left"); err != nil {
		t.Fatalf("local set: %v", err)
	}
	if got, _ := c.GetAttribute(ctx, "NULL", "SZG_RENDER", "eye", ""); got != "left" {
		t.Fatalf("local round trip got=%q", got)
	}
	if ok, _ := c.TestAndSetAttribute(ctx, "", "SZG_RENDER", "eye", "right"); ok {
		t.Fatalf("test-and-set over a set value must fail")
	}
	if _, err := c.AcquireLock(ctx, "wall"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := c.ProcessList(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
