package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/brokerlink/internal/auth"
	"github.com/danmuck/brokerlink/internal/broker"
	"github.com/danmuck/brokerlink/internal/codec"
	"github.com/danmuck/brokerlink/internal/observability"
	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/danmuck/brokerlink/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit requested")

// agent keeps one broker session open and reports on it over HTTP. A quit
// message from the broker shuts it down.
type agent struct {
	client  *broker.Client
	label   string
	started time.Time
	router  *gin.Engine
}

func newAgent(client *broker.Client, label, token string) *agent {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(label))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &agent{
		client:  client,
		label:   label,
		started: time.Now(),
		router:  r,
	}
	a.routes(token)
	return a
}

func (a *agent) routes(token string) {
	a.router.GET("/health", func(c *gin.Context) {
		status := "ok"
		if !a.client.Connected() {
			status = "standalone"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":       status,
			"uptime":       time.Since(a.started).String(),
			"label":        a.label,
			"component_id": a.client.ComponentID(),
			"server":       a.client.ServerName(),
			"protocol":     session.ProtocolVersion,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		code := http.StatusOK
		if !a.client.Connected() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"ready": code == http.StatusOK})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := a.router.Group("/")
	if token != "" {
		api.Use(auth.Middleware(auth.StaticToken{Token: token}))
	}

	api.GET("/locks", func(c *gin.Context) {
		locks, err := a.client.ListLocks(c.Request.Context())
		if err != nil {
			a.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"locks": locks})
	})

	api.GET("/services", func(c *gin.Context) {
		listType := record.ListActive
		if c.Query("pending") == "true" {
			listType = record.ListPending
		}
		services, err := a.client.ListServices(c.Request.Context(), listType)
		if err != nil {
			a.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"services": services})
	})

	api.GET("/registrations", func(c *gin.Context) {
		regs := a.client.Registrations().List()
		out := make([]gin.H, 0, len(regs))
		for _, reg := range regs {
			out = append(out, gin.H{
				"name":     reg.Name,
				"channel":  reg.Channel,
				"ports":    reg.Ports,
				"state":    reg.State.String(),
				"attempts": reg.Attempts,
			})
		}
		c.JSON(http.StatusOK, gin.H{"registrations": out})
	})

	api.GET("/attributes/:group/:name", func(c *gin.Context) {
		v, err := a.client.GetAttribute(c.Request.Context(), c.Query("computer"), c.Param("group"), c.Param("name"), c.Query("valid"))
		if err != nil {
			a.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"value": v})
	})
}

func (a *agent) fail(c *gin.Context, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, broker.ErrNotConnected), errors.Is(err, broker.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, broker.ErrTimeout):
		code = http.StatusGatewayTimeout
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// serve runs the status server on ln until ctx ends, the broker asks the
// agent to quit, or the session is lost.
func (a *agent) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: a.router, ReadHeaderTimeout: 3 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.watch(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func (a *agent) watch(ctx context.Context) error {
	if !a.client.Connected() {
		<-ctx.Done()
		return nil
	}
	for {
		msg, err := a.client.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.Type == broker.MessageQuit {
			log.Info().Uint32("from", msg.From).Msg("agent.watch quit")
			return errQuit
		}
		log.Info().
			Uint32("from", msg.From).
			Str("type", msg.Type).
			Str("body", codec.Describe(msg.Body)).
			Msg("agent.watch message ignored")
		if msg.WantsReply {
			if err := a.client.FailMessage(ctx, msg.ID, []byte("unsupported message type")); err != nil {
				log.Warn().Err(err).Uint32("message_id", msg.ID).Msg("agent.watch reply failed")
			}
		}
	}
}

func runAgent(ctx context.Context, args []string, out io.Writer) error {
	var cf clientFlags
	fs := newFlagSet("agent", &cf)
	addr := fs.String("addr", "", "status server listen address, overrides agent.addr")
	if _, err := parseFlags(fs, args, 0, "[--addr HOST:PORT]"); err != nil {
		return err
	}

	connectCtx, cancel := cf.context(ctx)
	client, cfg, err := cf.connect(connectCtx, fs)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()
	observability.InitLogger("brokerctl", client.ComponentID())
	gin.SetMode(gin.ReleaseMode)

	listen := cfg.Agent.Addr
	if fs.Changed("addr") {
		listen = *addr
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("agent listen: %w", err)
	}
	fmt.Fprintf(out, "agent %s serving on %s\n", cfg.Label, ln.Addr())
	return newAgent(client, cfg.Label, cfg.Agent.Token).serve(ctx, ln)
}
