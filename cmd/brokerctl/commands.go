package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/brokerlink/internal/broker"
	"github.com/danmuck/brokerlink/internal/codec"
	"github.com/danmuck/brokerlink/internal/config"
	"github.com/danmuck/brokerlink/internal/discovery"
	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/rs/zerolog/log"
)

func runDiscover(ctx context.Context, args []string, out io.Writer) error {
	var cf clientFlags
	fs := newFlagSet("discover", &cf)
	all := fs.Bool("all", false, "list every broker that answers")
	if _, err := parseFlags(fs, args, 0, "[--all]"); err != nil {
		return err
	}
	cfg, err := cf.load(fs)
	if err != nil {
		return err
	}
	bc, err := cfg.BrokerConfig()
	if err != nil {
		return err
	}

	var found []discovery.Advertisement
	if *all {
		found, err = discovery.ListAll(ctx, bc.Discovery)
	} else {
		var ad discovery.Advertisement
		ad, err = discovery.Discover(ctx, bc.Discovery, bc.ServerName)
		found = []discovery.Advertisement{ad}
	}
	if err != nil {
		return err
	}
	for _, ad := range found {
		fmt.Fprintf(out, "%s\t%s\n", ad.Name, ad.HostPort())
	}
	return nil
}

func runLocks(ctx context.Context, args []string, out io.Writer) error {
	var cf clientFlags
	fs := newFlagSet("locks", &cf)
	if _, err := parseFlags(fs, args, 0, ""); err != nil {
		return err
	}
	ctx, cancel := cf.context(ctx)
	defer cancel()
	client, _, err := cf.connect(ctx, fs)
	if err != nil {
		return err
	}
	defer client.Close()

	locks, err := client.ListLocks(ctx)
	if err != nil {
		return err
	}
	for _, l := range locks {
		fmt.Fprintf(out, "%s\t%d\n", l.Name, l.OwnerID)
	}
	return nil
}

func runLock(ctx context.Context, args []string, out io.Writer) error {
	var cf clientFlags
	fs := newFlagSet("lock", &cf)
	hold := fs.Duration("hold", 0, "release after this long, 0 holds until interrupted")
	rest, err := parseFlags(fs, args, 1, "NAME [--hold DURATION]")
	if err != nil {
		return err
	}
	callCtx, cancel := cf.context(ctx)
	defer cancel()
	client, _, err := cf.connect(callCtx, fs)
	if err != nil {
		return err
	}
	defer client.Close()

	lock, err := client.AcquireLock(callCtx, rest[0])
	if err != nil {
		return err
	}
	if !lock.Held {
		return fmt.Errorf("lock %q held by component %d", lock.Name, lock.OwnerID)
	}
	fmt.Fprintf(out, "holding %s\n", lock.Name)

	waitCtx := ctx
	if *hold > 0 {
		var stop context.CancelFunc
		waitCtx, stop = context.WithTimeout(ctx, *hold)
		defer stop()
	}
	select {
	case <-waitCtx.Done():
	case <-client.Conn().Done():
		return client.Conn().Err()
	}

	releaseCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	released, err := client.ReleaseLock(releaseCtx, lock.Name)
	if err != nil {
		return err
	}
	if !released {
		log.Warn().Str("lock", lock.Name).Msg("brokerctl.lock release refused")
	}
	return nil
}

func runServices(ctx context.Context, args []string, out io.Writer) error {
	var cf clientFlags
	fs := newFlagSet("services", &cf)
	pending := fs.Bool("pending", false, "list services awaiting registration instead of active ones")
	if _, err := parseFlags(fs, args, 0, "[--pending]"); err != nil {
		return err
	}
	ctx, cancel := cf.context(ctx)
	defer cancel()
	client, _, err := cf.connect(ctx, fs)
	if err != nil {
		return err
	}
	defer client.Close()

	listType := record.ListActive
	if *pending {
		listType = record.ListPending
	}
	entries, err := client.ListServices(ctx, listType)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\t%d\n", e.Name, e.ComponentID)
	}
	return nil
}

func runServe(ctx context.Context, args []string, out io.Writer) error {
	var cf clientFlags
	fs := newFlagSet("serve", &cf)
	channel := fs.String("channel", broker.ChannelDefault, "network channel")
	ports := fs.Int("ports", 1, "number of ports")
	rest, err := parseFlags(fs, args, 1, "NAME [--channel CHANNEL] [--ports N]")
	if err != nil {
		return err
	}
	client, cfg, err := cf.connect(ctx, fs)
	if err != nil {
		return err
	}
	defer client.Close()

	callCtx, cancel := cf.context(ctx)
	defer cancel()
	reg, listeners, err := client.ServeService(callCtx, rest[0], *channel, *ports, broker.TCPBinder(bindHost(cfg, *channel)))
	if err != nil {
		return err
	}
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()
	fmt.Fprintf(out, "%s\t%s\t%v\n", reg.Name, reg.Address, reg.Ports)

	select {
	case <-ctx.Done():
		return nil
	case <-client.Conn().Done():
		return client.Conn().Err()
	}
}

// bindHost is this host's first address on channel, or all interfaces.
func bindHost(cfg config.ClientConfig, channel string) string {
	for _, n := range cfg.Networks {
		if n.Channel == channel && len(n.Addresses) > 0 {
			return n.Addresses[0]
		}
	}
	return ""
}

func runSend(ctx context.Context, args []string, out io.Writer) error {
	var cf clientFlags
	fs := newFlagSet("send", &cf)
	wait := fs.Bool("wait", false, "wait for the response stream")
	msgContext := fs.String("context", "", "message context")
	asCBOR := fs.Bool("cbor", false, "send KEY=VALUE body fields as a CBOR map and decode CBOR replies")
	rest, err := parseFlags(fs, args, 3, "DEST TYPE BODY... [--wait] [--cbor]")
	if err != nil {
		return err
	}
	dest, err := strconv.ParseUint(rest[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid destination %q", rest[0])
	}
	body := []byte(strings.Join(rest[2:], " "))
	if *asCBOR {
		if body, err = fieldsBody(rest[2:]); err != nil {
			return err
		}
	}
	ctx, cancel := cf.context(ctx)
	defer cancel()
	client, cfg, err := cf.connect(ctx, fs)
	if err != nil {
		return err
	}
	defer client.Close()

	match, err := client.SendMessage(ctx, record.Message{
		Type:       rest[1],
		Body:       body,
		Dest:       uint32(dest),
		User:       cfg.User,
		Context:    *msgContext,
		WantsReply: *wait,
	})
	if err != nil {
		return err
	}
	if !*wait {
		return nil
	}
	final, err := client.CollectResponses(ctx, match, func(r broker.Response) error {
		if *asCBOR {
			fmt.Fprintf(out, "%s\t%s\n", r.Status, codec.Describe(r.Body))
			return nil
		}
		fmt.Fprintf(out, "%s\t%s\n", r.Status, r.Body)
		return nil
	})
	if err != nil {
		return err
	}
	if final.Status == broker.StatusFinalFail {
		return fmt.Errorf("message %d failed", final.MessageID)
	}
	return nil
}

// fieldsBody encodes KEY=VALUE arguments as a CBOR map body.
func fieldsBody(args []string) ([]byte, error) {
	fields := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("body field %q is not KEY=VALUE", arg)
		}
		fields[k] = v
	}
	return broker.MarshalBody(fields)
}

func runKill(ctx context.Context, args []string, out io.Writer) error {
	var cf clientFlags
	fs := newFlagSet("kill", &cf)
	wait := fs.Duration("wait", 3*time.Second, "time each component gets to quit")
	rest, err := parseFlags(fs, args, 1, "ID... [--wait DURATION]")
	if err != nil {
		return err
	}
	ids := make([]uint32, 0, len(rest))
	for _, arg := range rest {
		id, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid component id %q", arg)
		}
		ids = append(ids, uint32(id))
	}
	client, _, err := cf.connect(ctx, fs)
	if err != nil {
		return err
	}
	defer client.Close()

	forced, err := client.KillComponents(ctx, ids, *wait)
	if err != nil {
		return err
	}
	for _, id := range forced {
		fmt.Fprintf(out, "forced %d\n", id)
	}
	return nil
}

func runProcessList(ctx context.Context, args []string, out io.Writer) error {
	var cf clientFlags
	fs := newFlagSet("ps", &cf)
	if _, err := parseFlags(fs, args, 0, ""); err != nil {
		return err
	}
	ctx, cancel := cf.context(ctx)
	defer cancel()
	client, _, err := cf.connect(ctx, fs)
	if err != nil {
		return err
	}
	defer client.Close()

	procs, err := client.ProcessList(ctx)
	if err != nil {
		return err
	}
	for _, p := range procs {
		fmt.Fprintln(out, p)
	}
	return nil
}

func runAttr(ctx context.Context, args []string, out io.Writer) error {
	var cf clientFlags
	fs := newFlagSet("attr", &cf)
	computer := fs.String("computer", "", "computer name, defaults to this host")
	valid := fs.String("valid", "", "allowed values as |a|b|")
	global := fs.Bool("global", false, "address a global attribute by name")
	rest, err := parseFlags(fs, args, 2, "get|set [GROUP] NAME [VALUE]")
	if err != nil {
		return err
	}
	ctx, cancel := cf.context(ctx)
	defer cancel()
	client, _, err := cf.connect(ctx, fs)
	if err != nil {
		return err
	}
	defer client.Close()

	op, rest := rest[0], rest[1:]
	switch {
	case op == "get" && *global:
		v, err := client.GetGlobalAttribute(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case op == "set" && *global && len(rest) == 2:
		return client.SetGlobalAttribute(ctx, rest[0], rest[1])
	case op == "get" && len(rest) == 2:
		v, err := client.GetAttribute(ctx, *computer, rest[0], rest[1], *valid)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case op == "set" && len(rest) == 3:
		return client.SetAttribute(ctx, *computer, rest[0], rest[1], rest[2])
	default:
		fs.Usage()
		return errUsage
	}
	return nil
}

func runConfig(_ context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("config", nil)
	kind := fs.String("kind", "client", "config kind: client|params")
	force := fs.Bool("force", false, "overwrite an existing file")
	rest, err := parseFlags(fs, args, 2, "init|validate PATH [--kind client|params] [--force]")
	if err != nil {
		return err
	}
	switch rest[0] {
	case "init":
		if err := config.WriteTemplate(rest[1], *kind, *force); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s config to %s\n", *kind, rest[1])
	case "validate":
		if _, err := config.LoadClientConfig(rest[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s ok\n", rest[1])
	default:
		fs.Usage()
		return errUsage
	}
	return nil
}
