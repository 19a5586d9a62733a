package broker

import (
	"context"

	"github.com/danmuck/brokerlink/internal/protocol/record"
)

// SubscribeKill asks to be told when componentID exits.
func (c *Client) SubscribeKill(ctx context.Context, componentID uint32) (uint64, error) {
	return c.Call(ctx, record.KillNotification{ComponentID: componentID})
}

// AwaitKill returns the match that fired and the component that exited.
func (c *Client) AwaitKill(ctx context.Context, matches ...uint64) (uint64, uint32, error) {
	match, n, err := awaitPush[record.KillNotification](ctx, c, matches)
	if err != nil {
		return 0, 0, err
	}
	return match, n.ComponentID, nil
}

// SubscribeServiceRelease asks to be told when the named service goes
// away. A service that is not registered fires immediately.
func (c *Client) SubscribeServiceRelease(ctx context.Context, service string) (uint64, error) {
	return c.Call(ctx, record.ServiceRelease{Name: service})
}

func (c *Client) AwaitServiceRelease(ctx context.Context, matches ...uint64) (uint64, string, error) {
	match, n, err := awaitPush[record.ServiceRelease](ctx, c, matches)
	if err != nil {
		return 0, "", err
	}
	return match, n.Name, nil
}
