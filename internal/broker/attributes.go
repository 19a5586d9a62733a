package broker

import (
	"context"
	"strings"

	"github.com/danmuck/brokerlink/internal/attrstore"
	"github.com/danmuck/brokerlink/internal/protocol/record"
)

// GetAttribute reads computer/group/name. An empty computer or "NULL" means
// this host. Unset attributes fall back to the GROUP_NAME environment
// variable, and valid, a "|a|b|" list, constrains the result.
func (c *Client) GetAttribute(ctx context.Context, computer, group, name, valid string) (string, error) {
	if c.conn == nil {
		v, _ := c.attrs.Get(computer, group, name)
		return attrstore.ValidValue(v, valid), nil
	}
	res, err := exchangeAs[record.AttrGetResult](ctx, c, record.AttrGet{
		Attr: attrstore.Path(c.Computer(), computer, group, name),
		Type: record.AttrTypeValue,
	})
	if err != nil {
		return "", err
	}
	v := res.Value
	if v == "" {
		v, _ = attrstore.EnvValue(group, name)
	}
	return attrstore.ValidValue(v, valid), nil
}

func (c *Client) SetAttribute(ctx context.Context, computer, group, name, value string) error {
	if c.conn == nil {
		c.attrs.Set(computer, group, name, value)
		return nil
	}
	ack, err := exchangeAs[record.Ack](ctx, c, record.AttrSet{
		Attr:  attrstore.Path(c.Computer(), computer, group, name),
		Value: value,
		Type:  record.AttrTypeValue,
	})
	if err != nil {
		return err
	}
	if !ack.OK() {
		return rejected("set attribute", ack.Reason)
	}
	return nil
}

// TestAndSetAttribute writes value only if the attribute is empty and
// reports whether it did.
func (c *Client) TestAndSetAttribute(ctx context.Context, computer, group, name, value string) (bool, error) {
	if c.conn == nil {
		return c.attrs.TestAndSet(computer, group, name, value), nil
	}
	ack, err := exchangeAs[record.Ack](ctx, c, record.AttrSet{
		Attr:    attrstore.Path(c.Computer(), computer, group, name),
		Value:   value,
		Type:    record.AttrTypeValue,
		TestSet: true,
	})
	if err != nil {
		return false, err
	}
	return ack.OK(), nil
}

func (c *Client) GetGlobalAttribute(ctx context.Context, name string) (string, error) {
	if c.conn == nil {
		v, _ := c.attrs.GetGlobal(name)
		return v, nil
	}
	res, err := exchangeAs[record.AttrGetResult](ctx, c, record.AttrGet{Attr: name, Type: record.AttrTypeGlobal})
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

func (c *Client) SetGlobalAttribute(ctx context.Context, name, value string) error {
	if c.conn == nil {
		c.attrs.SetGlobal(name, value)
		return nil
	}
	ack, err := exchangeAs[record.Ack](ctx, c, record.AttrSet{Attr: name, Value: value, Type: record.AttrTypeGlobal})
	if err != nil {
		return err
	}
	if !ack.OK() {
		return rejected("set global attribute", ack.Reason)
	}
	return nil
}

// ProcessList returns the broker's process table, one
// "computer/label/componentID" entry per connected component.
func (c *Client) ProcessList(ctx context.Context) ([]string, error) {
	res, err := exchangeAs[record.AttrGetResult](ctx, c, record.AttrGet{Type: record.AttrTypeProcesses})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(res.Value, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
