package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/danmuck/brokerlink/internal/observability"
	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/danmuck/brokerlink/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// Service channels.
const (
	ChannelDefault  = "default"
	ChannelGraphics = "graphics"
	ChannelSound    = "sound"
	ChannelInput    = "input"
)

func ValidateChannel(channel string) error {
	switch channel {
	case ChannelDefault, ChannelGraphics, ChannelSound, ChannelInput:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
}

// BindFunc tries to bind every port and returns one listener per port. On
// failure it must release whatever it already bound.
type BindFunc func(ports []int) ([]net.Listener, error)

// TCPBinder binds TCP listeners on host.
func TCPBinder(host string) BindFunc {
	return func(ports []int) ([]net.Listener, error) {
		out := make([]net.Listener, 0, len(ports))
		for _, port := range ports {
			ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err != nil {
				for _, l := range out {
					_ = l.Close()
				}
				return nil, err
			}
			out = append(out, ln)
		}
		return out, nil
	}
}

func (c *Client) registerRecord(reg ServiceRegistration, status string) record.RegisterService {
	nets := c.cfg.Networks[reg.Channel]
	rec := record.RegisterService{
		Status:    status,
		Name:      reg.Name,
		Channel:   reg.Channel,
		Networks:  nets.Names,
		Addresses: nets.Addresses,
		PortCount: uint32(reg.PortCount),
		Computer:  c.cfg.Conn.Computer,
	}
	if c.cfg.BlockSize > 0 {
		rec.FirstPort = uint32(c.cfg.FirstPort)
		rec.BlockSize = uint32(c.cfg.BlockSize)
	}
	if status != schema.StatusTry {
		rec.Ports = make([]uint32, len(reg.Ports))
		for i, p := range reg.Ports {
			rec.Ports[i] = uint32(p)
		}
	}
	return rec
}

// RegisterService asks the broker for n candidate ports for name.
func (c *Client) RegisterService(ctx context.Context, name, channel string, n int) (*ServiceRegistration, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: empty service name", ErrInvalidService)
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: %s: port count %d", ErrInvalidService, name, n)
	}
	reg, err := c.regs.begin(ServiceRegistration{Name: name, Channel: channel, PortCount: n})
	if err != nil {
		return nil, err
	}
	out, err := c.requestPorts(ctx, c.registerRecord(reg, schema.StatusTry))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestNewPorts asks again after a bind failure, handing back the ports
// that could not be bound.
func (c *Client) RequestNewPorts(ctx context.Context, reg *ServiceRegistration) error {
	failed := *reg
	next, err := c.regs.transition(reg.Name, StateAwaitingAssignment, func(r *ServiceRegistration) {
		r.Attempts++
	})
	if err != nil {
		return err
	}
	*reg = next
	out, err := c.requestPorts(ctx, c.registerRecord(failed, schema.StatusRetry))
	if err != nil {
		if cur, ok := c.regs.Get(reg.Name); ok {
			*reg = cur
		}
		return err
	}
	*reg = out
	return nil
}

func (c *Client) requestPorts(ctx context.Context, req record.RegisterService) (ServiceRegistration, error) {
	res, err := exchangeAs[record.BrokerResult](ctx, c, req)
	if err == nil && !res.OK() {
		err = rejected("register "+req.Name, res.Reason)
	}
	if err == nil && len(res.Ports) != int(req.PortCount) {
		err = fmt.Errorf("%w: %d ports for %s, want %d", ErrUnexpectedRecord, len(res.Ports), req.Name, req.PortCount)
	}
	if err != nil {
		_, _ = c.regs.transition(req.Name, StateUnregistered, func(r *ServiceRegistration) {
			r.LastError = err.Error()
		})
		return ServiceRegistration{}, err
	}
	return c.regs.transition(req.Name, StateCandidatesReceived, func(r *ServiceRegistration) {
		r.Ports = make([]int, len(res.Ports))
		for i, p := range res.Ports {
			r.Ports[i] = int(p)
		}
		r.Address = res.Address
		r.LastError = ""
	})
}

func (c *Client) MarkBound(reg *ServiceRegistration) error {
	next, err := c.regs.transition(reg.Name, StateBound, nil)
	if err != nil {
		return err
	}
	observability.RecordBind(reg.Name, true)
	*reg = next
	return nil
}

func (c *Client) MarkBindFailed(reg *ServiceRegistration, cause error) error {
	next, err := c.regs.transition(reg.Name, StateBindFailed, func(r *ServiceRegistration) {
		if cause != nil {
			r.LastError = cause.Error()
		}
	})
	if err != nil {
		return err
	}
	observability.RecordBind(reg.Name, false)
	*reg = next
	return nil
}

// ConfirmPorts tells the broker the ports are bound. The broker does not
// reply.
func (c *Client) ConfirmPorts(ctx context.Context, reg *ServiceRegistration) error {
	cur, ok := c.regs.Get(reg.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, reg.Name)
	}
	if cur.State != StateBound {
		return fmt.Errorf("%w: confirm %s in %s", ErrInvalidTransition, cur.Name, cur.State)
	}
	if _, err := c.Call(ctx, c.registerRecord(cur, schema.StatusSuccess)); err != nil {
		return err
	}
	next, err := c.regs.transition(reg.Name, StateActive, nil)
	if err != nil {
		return err
	}
	*reg = next
	return nil
}

// ServeService registers name, binds the assigned ports and confirms them,
// asking for new ports after each bind failure.
func (c *Client) ServeService(ctx context.Context, name, channel string, n int, bind BindFunc) (*ServiceRegistration, []net.Listener, error) {
	if bind == nil {
		return nil, nil, errors.New("broker: nil bind func")
	}
	reg, err := c.RegisterService(ctx, name, channel, n)
	if err != nil {
		return nil, nil, err
	}
	for attempt := 1; ; attempt++ {
		listeners, bindErr := bind(reg.Ports)
		if bindErr == nil {
			if err := c.MarkBound(reg); err != nil {
				closeAll(listeners)
				return reg, nil, err
			}
			if err := c.ConfirmPorts(ctx, reg); err != nil {
				closeAll(listeners)
				return reg, nil, err
			}
			log.Info().Str("service", name).Ints("ports", reg.Ports).Int("attempts", reg.Attempts).Msg("broker.ServeService active")
			return reg, listeners, nil
		}

		log.Warn().Err(bindErr).Str("service", name).Ints("ports", reg.Ports).Int("attempt", attempt).Msg("broker.ServeService bind failed")
		if err := c.MarkBindFailed(reg, bindErr); err != nil {
			return reg, nil, err
		}
		if attempt >= c.cfg.MaxBindAttempts {
			next, _ := c.regs.transition(name, StateUnregistered, nil)
			*reg = next
			return reg, nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrBindExhausted, name, attempt, bindErr)
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return reg, nil, err
		}
		if err := c.RequestNewPorts(ctx, reg); err != nil {
			return reg, nil, err
		}
	}
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
