package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/brokerlink/internal/broker"
	"github.com/danmuck/brokerlink/internal/protocol/session"
	"github.com/danmuck/brokerlink/internal/testutil/brokertest"
	"github.com/danmuck/brokerlink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func peer(t *testing.T, srv *brokertest.Server, label string) *broker.Client {
	t.Helper()
	sess := session.DefaultConfig()
	sess.CallTimeout = 2 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := broker.Connect(ctx, broker.Config{
		Conn: broker.ConnConfig{
			Address:  srv.Addr(),
			Label:    label,
			Computer: "node-b",
			Session:  sess,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	err := run(ctx, args, &out)
	return out.String(), err
}

func TestRunUnknownCommand(t *testing.T) {
	testlog.Start(t)
	out, err := runCLI(t, "bogus")
	require.ErrorContains(t, err, `unknown command "bogus"`)
	require.Contains(t, out, "discover")

	_, err = runCLI(t)
	require.ErrorIs(t, err, errUsage)
}

func TestConfigInitAndValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "client.toml")

	out, err := runCLI(t, "config", "init", path)
	require.NoError(t, err)
	require.Contains(t, out, "wrote client config")

	_, err = runCLI(t, "config", "init", path)
	require.ErrorContains(t, err, "already exists")

	out, err = runCLI(t, "config", "validate", path)
	require.NoError(t, err)
	require.Contains(t, out, "ok")

	_, err = runCLI(t, "config", "rewrite", path)
	require.ErrorIs(t, err, errUsage)
}

func TestDiscoverAndConnectViaConfig(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	port := srv.StartDiscovery(t)

	path := filepath.Join(t.TempDir(), "client.toml")
	body := fmt.Sprintf(`label = "cli"
computer = "node-a"

[server]
name = %q

[discovery]
broadcast = "127.0.0.1"
discovery_port = %d
response_port = 0
timeout = "500ms"
`, srv.Name(), port)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	out, err := runCLI(t, "discover", "-c", path)
	require.NoError(t, err)
	require.Equal(t, srv.Name()+"\t"+srv.Addr()+"\n", out)

	out, err = runCLI(t, "ps", "-c", path)
	require.NoError(t, err)
	require.Contains(t, out, "node-a/cli/")
}

func TestLocksCommands(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	holder := peer(t, srv, "holder")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lock, err := holder.AcquireLock(ctx, "render.lock")
	require.NoError(t, err)
	require.True(t, lock.Held)

	out, err := runCLI(t, "locks", "--server", srv.Addr())
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("render.lock\t%d\n", holder.ComponentID()), out)

	_, err = runCLI(t, "lock", "render.lock", "--hold", "1ms", "--server", srv.Addr())
	require.ErrorContains(t, err, "held by component")

	out, err = runCLI(t, "lock", "scene.lock", "--hold", "10ms", "--server", srv.Addr())
	require.NoError(t, err)
	require.Equal(t, "holding scene.lock\n", out)

	locks, err := holder.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
}

func TestSendWaitsForResponses(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	worker := peer(t, srv, "worker")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msg, err := worker.ReceiveMessage(ctx)
		if err != nil {
			done <- err
			return
		}
		if string(msg.Body) != "frame 1" {
			done <- fmt.Errorf("unexpected body %q", msg.Body)
			return
		}
		if err := worker.RespondToMessage(ctx, msg.ID, []byte("one"), true); err != nil {
			done <- err
			return
		}
		done <- worker.RespondToMessage(ctx, msg.ID, []byte("done"), false)
	}()

	dest := fmt.Sprint(worker.ComponentID())
	out, err := runCLI(t, "send", dest, "render", "frame", "1", "--wait", "--server", srv.Addr())
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, "partial\tone\nfinal_ok\tdone\n", out)

	_, err = runCLI(t, "send", "nobody", "render", "x", "--server", srv.Addr())
	require.ErrorContains(t, err, "invalid destination")
}

func TestSendCBORFields(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	worker := peer(t, srv, "worker")

	type frameJob struct {
		Stage string `cbor:"stage"`
		Frame string `cbor:"frame"`
	}
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msg, err := worker.ReceiveMessage(ctx)
		if err != nil {
			done <- err
			return
		}
		var job frameJob
		if err := broker.UnmarshalBody(msg.Body, &job); err != nil {
			done <- err
			return
		}
		if job.Stage != "cull" || job.Frame != "7" {
			done <- fmt.Errorf("unexpected job %+v", job)
			return
		}
		reply, err := broker.MarshalBody(map[string]int{"culled": 12})
		if err != nil {
			done <- err
			return
		}
		done <- worker.RespondToMessage(ctx, msg.ID, reply, false)
	}()

	dest := fmt.Sprint(worker.ComponentID())
	out, err := runCLI(t, "send", dest, "render", "stage=cull", "frame=7", "--cbor", "--wait", "--server", srv.Addr())
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.True(t, strings.HasPrefix(out, "final_ok\t"), out)
	require.Contains(t, out, `"culled"`)
	require.Contains(t, out, "12")

	_, err = runCLI(t, "send", dest, "render", "nokey", "--cbor", "--server", srv.Addr())
	require.ErrorContains(t, err, "not KEY=VALUE")
}

func TestAttrCommands(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})

	_, err := runCLI(t, "attr", "set", "SZG_RENDER", "stereo", "false", "--server", srv.Addr())
	require.NoError(t, err)

	out, err := runCLI(t, "attr", "get", "SZG_RENDER", "stereo", "--valid", "|true|false|", "--server", srv.Addr())
	require.NoError(t, err)
	require.Equal(t, "false\n", out)

	_, err = runCLI(t, "attr", "set", "SZG_SCRIPT", "cube", "--global", "--server", srv.Addr())
	require.NoError(t, err)
	out, err = runCLI(t, "attr", "get", "SZG_SCRIPT", "--global", "--server", srv.Addr())
	require.NoError(t, err)
	require.Equal(t, "cube\n", out)

	_, err = runCLI(t, "attr", "drop", "SZG_RENDER", "stereo", "--server", srv.Addr())
	require.ErrorIs(t, err, errUsage)
}

func TestServicesAndKill(t *testing.T) {
	testlog.Start(t)
	srv := brokertest.Start(t, brokertest.Options{})
	stubborn := peer(t, srv, "stubborn")

	out, err := runCLI(t, "services", "--server", srv.Addr())
	require.NoError(t, err)
	require.Empty(t, out)

	id := stubborn.ComponentID()
	out, err = runCLI(t, "kill", fmt.Sprint(id), "--wait", "100ms", "--server", srv.Addr())
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("forced %d\n", id), out)

	select {
	case <-stubborn.Conn().Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("stubborn component still connected")
	}
}
