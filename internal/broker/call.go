package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/brokerlink/internal/observability"
	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/danmuck/brokerlink/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// Call mints a fresh match, sends req under it and returns the match
// without waiting for any reply.
func (c *Client) Call(ctx context.Context, req record.Record) (uint64, error) {
	conn, err := c.live()
	if err != nil {
		return 0, err
	}
	match := conn.nextMatch()
	if err := conn.Send(ctx, req, match); err != nil {
		return 0, err
	}
	return match, nil
}

// Exchange sends req and waits for the single reply tagged with its match.
// A reply of any kind other than want is a protocol error.
func (c *Client) Exchange(ctx context.Context, req record.Record, want schema.Kind) (record.Record, error) {
	_, rec, err := c.roundTrip(ctx, req, want)
	return rec, err
}

func (c *Client) roundTrip(ctx context.Context, req record.Record, want schema.Kind) (uint64, record.Record, error) {
	start := time.Now()
	op := schema.KindName(req.Kind())

	match, err := c.Call(ctx, req)
	if err != nil {
		observability.RecordCall(op, callResult(err), time.Since(start))
		return 0, nil, err
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	_, rec, err := c.take(callCtx, []uint64{match})
	if err == nil {
		err = expectKind(match, rec, want)
	}
	observability.RecordCall(op, callResult(err), time.Since(start))
	if err != nil {
		// A late reply has no taker.
		c.Release(match)
		return match, nil, err
	}
	return match, rec, nil
}

// Release abandons matches returned by Call, SendMessage or a Subscribe
// method. Records still buffered for them, and any that arrive later, are
// dropped.
func (c *Client) Release(matches ...uint64) {
	if c.conn == nil || len(matches) == 0 {
		return
	}
	c.conn.Release(matches...)
}

// callContext applies the default call timeout when ctx has no deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.cfg.Conn.Session.CallTimeout
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Client) take(ctx context.Context, matches []uint64) (uint64, record.Record, error) {
	conn, err := c.live()
	if err != nil {
		return 0, nil, err
	}
	return conn.reg.TakeTagged(ctx, matches)
}

func expectKind(match uint64, rec record.Record, want schema.Kind) error {
	if rec.Kind() == want {
		return nil
	}
	observability.RecordProtocolError("unexpected_kind")
	log.Warn().
		Uint64("match", match).
		Str("got", schema.KindName(rec.Kind())).
		Str("want", schema.KindName(want)).
		Msg("broker.Client dropped unexpected reply")
	return fmt.Errorf("%w: got %s want %s", ErrUnexpectedRecord, schema.KindName(rec.Kind()), schema.KindName(want))
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrUnexpectedRecord):
		return "protocol"
	default:
		return "error"
	}
}

func rejected(op, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: %s", ErrRejected, op)
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, op, reason)
}

// exchangeAs runs Exchange and narrows the reply to T.
func exchangeAs[T record.Record](ctx context.Context, c *Client, req record.Record) (T, error) {
	var zero T
	rec, err := c.Exchange(ctx, req, zero.Kind())
	if err != nil {
		return zero, err
	}
	out, ok := rec.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrUnexpectedRecord, rec)
	}
	return out, nil
}

// awaitPush waits, without the default call timeout, for the next record
// tagged with any of matches and narrows it to T.
func awaitPush[T record.Record](ctx context.Context, c *Client, matches []uint64) (uint64, T, error) {
	var zero T
	match, rec, err := c.take(ctx, matches)
	if err != nil {
		return 0, zero, err
	}
	if err := expectKind(match, rec, zero.Kind()); err != nil {
		return match, zero, err
	}
	out, ok := rec.(T)
	if !ok {
		return match, zero, fmt.Errorf("%w: %T", ErrUnexpectedRecord, rec)
	}
	return match, out, nil
}
