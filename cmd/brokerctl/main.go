// Command brokerctl inspects and drives a cluster broker from the shell. It
// also runs a long-lived agent that keeps a broker session open behind an
// HTTP status server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/brokerlink/internal/broker"
	"github.com/danmuck/brokerlink/internal/config"
	"github.com/danmuck/brokerlink/internal/logging"
	"github.com/spf13/pflag"
)

var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, out io.Writer) error
}

func commands() []command {
	return []command{
		{"discover", "find brokers on the local network", runDiscover},
		{"locks", "list held locks", runLocks},
		{"lock", "acquire a lock and hold it", runLock},
		{"services", "list registered services", runServices},
		{"serve", "register a service and hold its ports", runServe},
		{"send", "send a message to a component", runSend},
		{"kill", "stop components, forcing stragglers", runKill},
		{"ps", "list connected components", runProcessList},
		{"attr", "get or set an attribute", runAttr},
		{"config", "write or validate config files", runConfig},
		{"agent", "hold a broker session behind a status server", runAgent},
	}
}

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "brokerctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errUsage
	}
	switch args[0] {
	case "help", "-h", "--help":
		usage(out)
		return nil
	}
	for _, cmd := range commands() {
		if cmd.name == args[0] {
			return cmd.run(ctx, args[1:], out)
		}
	}
	usage(out)
	return fmt.Errorf("unknown command %q", args[0])
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "usage: brokerctl <command> [flags]")
	fmt.Fprintln(out)
	for _, cmd := range commands() {
		fmt.Fprintf(out, "  %-10s %s\n", cmd.name, cmd.summary)
	}
}

// clientFlags are shared by every command that talks to a broker.
type clientFlags struct {
	configPath    string
	server        string
	name          string
	label         string
	broadcast     string
	discoveryPort int
	timeout       time.Duration
	standalone    bool
}

func newFlagSet(name string, cf *clientFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("brokerctl "+name, pflag.ContinueOnError)
	if cf != nil {
		fs.StringVarP(&cf.configPath, "config", "c", "", "client config file")
		fs.StringVar(&cf.server, "server", "", "broker host:port, skips discovery")
		fs.StringVar(&cf.name, "name", "", "broker name to discover")
		fs.StringVar(&cf.label, "label", "", "component label")
		fs.StringVar(&cf.broadcast, "broadcast", "", "discovery broadcast address")
		fs.IntVar(&cf.discoveryPort, "discovery-port", 0, "discovery port")
		fs.DurationVar(&cf.timeout, "timeout", 10*time.Second, "command timeout, 0 for none")
		fs.BoolVar(&cf.standalone, "standalone", false, "fall back to local parameters when no broker answers")
	}
	return fs
}

// load resolves the client config: file (or defaults), then explicit flags.
func (cf *clientFlags) load(fs *pflag.FlagSet) (config.ClientConfig, error) {
	cfg := config.DefaultClientConfig()
	if cf.configPath != "" {
		loaded, err := config.LoadClientConfig(cf.configPath)
		if err != nil {
			return config.ClientConfig{}, err
		}
		cfg = loaded
	}
	if fs.Changed("server") {
		host, portText, err := net.SplitHostPort(strings.TrimSpace(cf.server))
		if err != nil {
			return config.ClientConfig{}, fmt.Errorf("--server: %w", err)
		}
		port, err := strconv.Atoi(portText)
		if err != nil {
			return config.ClientConfig{}, fmt.Errorf("--server: invalid port %q", portText)
		}
		cfg.Server.Address = host
		cfg.Server.Port = port
	}
	if fs.Changed("name") {
		cfg.Server.Name = cf.name
	}
	if fs.Changed("label") {
		cfg.Label = cf.label
	}
	if fs.Changed("broadcast") {
		cfg.Discovery.Broadcast = cf.broadcast
	}
	if fs.Changed("discovery-port") {
		cfg.Discovery.DiscoveryPort = cf.discoveryPort
	}
	if fs.Changed("standalone") {
		cfg.Standalone = cf.standalone
	}
	if err := config.ValidateClientConfig(cfg); err != nil {
		return config.ClientConfig{}, err
	}
	return cfg, nil
}

func (cf *clientFlags) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if cf.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cf.timeout)
}

func (cf *clientFlags) connect(ctx context.Context, fs *pflag.FlagSet) (*broker.Client, config.ClientConfig, error) {
	cfg, err := cf.load(fs)
	if err != nil {
		return nil, config.ClientConfig{}, err
	}
	bc, err := cfg.BrokerConfig()
	if err != nil {
		return nil, config.ClientConfig{}, err
	}
	client, err := broker.Connect(ctx, bc)
	if err != nil {
		return nil, config.ClientConfig{}, err
	}
	return client, cfg, nil
}

func parseFlags(fs *pflag.FlagSet, args []string, minArgs int, synopsis string) ([]string, error) {
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s %s\n", fs.Name(), synopsis)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() < minArgs {
		fs.Usage()
		return nil, errUsage
	}
	return fs.Args(), nil
}
