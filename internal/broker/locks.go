package broker

import (
	"context"

	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/danmuck/brokerlink/internal/protocol/schema"
)

// Lock is the outcome of a lock request. When Held is false OwnerID names
// the component that holds it.
type Lock struct {
	Name    string
	OwnerID uint32
	Held    bool
}

// LockInfo is one row of the broker's lock table.
type LockInfo struct {
	Name    string
	OwnerID uint32
}

// AcquireLock asks for the named lock. A lock held elsewhere is not an
// error.
func (c *Client) AcquireLock(ctx context.Context, name string) (Lock, error) {
	resp, err := exchangeAs[record.LockResponse](ctx, c, record.LockRequest{Name: name})
	if err != nil {
		return Lock{}, err
	}
	return Lock{
		Name:    name,
		OwnerID: resp.Owner,
		Held:    resp.Status == schema.StatusSuccess,
	}, nil
}

// ReleaseLock reports whether the broker released the lock. Releasing a
// lock this component does not hold yields false.
func (c *Client) ReleaseLock(ctx context.Context, name string) (bool, error) {
	resp, err := exchangeAs[record.LockResponse](ctx, c, record.LockRelease{Name: name})
	if err != nil {
		return false, err
	}
	return resp.Status == schema.StatusSuccess, nil
}

// SubscribeLockRelease asks to be told when name is released. The
// notification arrives under the returned match.
func (c *Client) SubscribeLockRelease(ctx context.Context, name string) (uint64, error) {
	return c.Call(ctx, record.LockNotification{Name: name})
}

// AwaitLockRelease waits for any of matches to fire and returns the match
// and the released lock name.
func (c *Client) AwaitLockRelease(ctx context.Context, matches ...uint64) (uint64, string, error) {
	match, n, err := awaitPush[record.LockNotification](ctx, c, matches)
	if err != nil {
		return 0, "", err
	}
	return match, n.Name, nil
}

func (c *Client) ListLocks(ctx context.Context) ([]LockInfo, error) {
	listing, err := exchangeAs[record.LockListing](ctx, c, record.LockListing{})
	if err != nil {
		return nil, err
	}
	out := make([]LockInfo, 0, len(listing.Names))
	for i, name := range listing.Names {
		info := LockInfo{Name: name}
		if i < len(listing.Owners) {
			info.OwnerID = listing.Owners[i]
		}
		out = append(out, info)
	}
	return out, nil
}
