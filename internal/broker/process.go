package broker

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/rs/zerolog/log"
)

// MessageQuit asks a component to exit.
const MessageQuit = "quit"

// KillProcessID removes a component from the broker's tables. The process
// itself is not signalled.
func (c *Client) KillProcessID(ctx context.Context, componentID uint32) error {
	ack, err := exchangeAs[record.Ack](ctx, c, record.Kill{ComponentID: componentID})
	if err != nil {
		return err
	}
	if !ack.OK() {
		return rejected("kill", ack.Reason)
	}
	return nil
}

// KillComponents asks each component to quit and waits up to perWait for
// the next exit. Once a wait expires the stragglers are removed with
// KillProcessID and returned.
func (c *Client) KillComponents(ctx context.Context, ids []uint32, perWait time.Duration) ([]uint32, error) {
	pending := make(map[uint64]uint32, len(ids))
	defer func() {
		for m := range pending {
			c.Release(m)
		}
	}()
	for _, id := range ids {
		match, err := c.SubscribeKill(ctx, id)
		if err != nil {
			return nil, err
		}
		pending[match] = id
		quit, err := c.SendMessage(ctx, record.Message{Type: MessageQuit, Dest: id})
		if err != nil {
			if !errors.Is(err, ErrRejected) {
				return nil, err
			}
			log.Warn().Err(err).Uint32("component_id", id).Msg("broker.KillComponents quit not delivered")
			continue
		}
		// Replies to the quit message are not awaited.
		c.Release(quit)
	}

	for len(pending) > 0 {
		matches := make([]uint64, 0, len(pending))
		for m := range pending {
			matches = append(matches, m)
		}
		waitCtx, cancel := context.WithTimeout(ctx, perWait)
		match, _, err := c.AwaitKill(waitCtx, matches...)
		cancel()
		if err == nil {
			delete(pending, match)
			continue
		}
		if !errors.Is(err, ErrTimeout) || ctx.Err() != nil {
			return nil, err
		}
		break
	}

	forced := make([]uint32, 0, len(pending))
	for _, id := range pending {
		forced = append(forced, id)
	}
	sort.Slice(forced, func(i, j int) bool { return forced[i] < forced[j] })
	for _, id := range forced {
		if err := c.KillProcessID(ctx, id); err != nil {
			return forced, err
		}
	}
	return forced, nil
}
