package broker

import (
	"context"
	"fmt"

	"github.com/danmuck/brokerlink/internal/protocol/record"
)

// ServiceAddress is where a registered service can be reached.
type ServiceAddress struct {
	Name        string
	Address     string
	Ports       []int
	ComponentID uint32
}

// ServiceEntry is one row of a service listing.
type ServiceEntry struct {
	Name        string
	ComponentID uint32
}

// DiscoverService looks up name on the broker. With async set the broker
// holds the answer until the service registers, bounded only by ctx.
func (c *Client) DiscoverService(ctx context.Context, name string, networks []string, async bool) (ServiceAddress, error) {
	req := record.RequestService{
		Name:     name,
		Computer: c.cfg.Conn.Computer,
		Networks: networks,
		Async:    async,
	}
	var (
		res record.BrokerResult
		err error
	)
	if async {
		var match uint64
		match, err = c.Call(ctx, req)
		if err == nil {
			_, res, err = awaitPush[record.BrokerResult](ctx, c, []uint64{match})
		}
	} else {
		res, err = exchangeAs[record.BrokerResult](ctx, c, req)
	}
	if err != nil {
		return ServiceAddress{}, err
	}
	if !res.OK() {
		return ServiceAddress{}, fmt.Errorf("%w: %s: %s", ErrServiceNotFound, name, res.Reason)
	}
	out := ServiceAddress{
		Name:        name,
		Address:     res.Address,
		Ports:       make([]int, len(res.Ports)),
		ComponentID: res.ComponentID,
	}
	for i, p := range res.Ports {
		out.Ports[i] = int(p)
	}
	return out, nil
}

func (c *Client) ServiceInfo(ctx context.Context, name string) (string, error) {
	res, err := exchangeAs[record.ServiceInfo](ctx, c, record.ServiceInfo{Op: record.InfoGet, Name: name})
	if err != nil {
		return "", err
	}
	return res.Info, nil
}

// SetServiceInfo attaches a free-form info string to a service this
// component registered.
func (c *Client) SetServiceInfo(ctx context.Context, name, info string) error {
	ack, err := exchangeAs[record.Ack](ctx, c, record.ServiceInfo{Op: record.InfoSet, Name: name, Info: info})
	if err != nil {
		return err
	}
	if !ack.OK() {
		return rejected("set service info "+name, ack.Reason)
	}
	return nil
}

// ServiceComponentID returns the component owning name. ok is false when
// the service is not registered.
func (c *Client) ServiceComponentID(ctx context.Context, name string) (uint32, bool, error) {
	res, err := exchangeAs[record.BrokerResult](ctx, c, record.ServiceInfo{Op: record.InfoOwner, Name: name})
	if err != nil {
		return 0, false, err
	}
	if !res.OK() {
		return 0, false, nil
	}
	return res.ComponentID, true, nil
}

// ListServices lists active or pending registrations.
func (c *Client) ListServices(ctx context.Context, listType string) ([]ServiceEntry, error) {
	if listType != record.ListActive && listType != record.ListPending {
		return nil, fmt.Errorf("broker: unknown service list type %q", listType)
	}
	res, err := exchangeAs[record.GetServices](ctx, c, record.GetServices{ListType: listType})
	if err != nil {
		return nil, err
	}
	out := make([]ServiceEntry, 0, len(res.Names))
	for i, name := range res.Names {
		e := ServiceEntry{Name: name}
		if i < len(res.Components) {
			e.ComponentID = res.Components[i]
		}
		out = append(out, e)
	}
	return out, nil
}
