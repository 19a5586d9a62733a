package broker

import (
	"context"
	"fmt"

	"github.com/danmuck/brokerlink/internal/codec"
	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/danmuck/brokerlink/internal/protocol/schema"
)

// ResponseStatus classifies one response to a sent message.
type ResponseStatus int

const (
	StatusFinalOK ResponseStatus = iota + 1
	StatusPartial
	StatusFinalFail
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusFinalOK:
		return "final_ok"
	case StatusPartial:
		return "partial"
	case StatusFinalFail:
		return "final_fail"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further responses follow.
func (s ResponseStatus) Terminal() bool { return s != StatusPartial }

// Response is one reply to a message sent with SendMessage.
type Response struct {
	Match     uint64
	MessageID uint32
	Status    ResponseStatus
	Body      []byte
}

func responseStatus(s string) ResponseStatus {
	switch s {
	case schema.StatusSuccess:
		return StatusFinalOK
	case schema.StatusContinue:
		return StatusPartial
	default:
		return StatusFinalFail
	}
}

// SendMessage sends msg and waits for the broker to acknowledge it. Replies
// from the destination arrive later under the returned match.
func (c *Client) SendMessage(ctx context.Context, msg record.Message) (uint64, error) {
	match, rec, err := c.roundTrip(ctx, msg, schema.KindAck)
	if err != nil {
		return 0, err
	}
	if ack := rec.(record.Ack); !ack.OK() {
		c.Release(match)
		return 0, rejected("send message", ack.Reason)
	}
	return match, nil
}

// AwaitResponse waits for the next response to any of matches. A partial
// response leaves the exchange open.
func (c *Client) AwaitResponse(ctx context.Context, matches ...uint64) (Response, error) {
	match, admin, err := awaitPush[record.MessageAdmin](ctx, c, matches)
	if err != nil {
		return Response{}, err
	}
	if admin.Type != schema.AdminResponse {
		return Response{}, fmt.Errorf("%w: admin type %q", ErrUnexpectedRecord, admin.Type)
	}
	return Response{
		Match:     match,
		MessageID: admin.MessageID,
		Status:    responseStatus(admin.Status),
		Body:      admin.Body,
	}, nil
}

// CollectResponses feeds every response for match to fn until a terminal
// one arrives and returns that terminal response. An error from fn stops
// the loop.
func (c *Client) CollectResponses(ctx context.Context, match uint64, fn func(Response) error) (Response, error) {
	for {
		resp, err := c.AwaitResponse(ctx, match)
		if err != nil {
			return Response{}, err
		}
		if fn != nil {
			if err := fn(resp); err != nil {
				return resp, err
			}
		}
		if resp.Status.Terminal() {
			return resp, nil
		}
	}
}

// ReceiveMessage blocks until a message addressed to this component
// arrives.
func (c *Client) ReceiveMessage(ctx context.Context) (record.Message, error) {
	conn, err := c.live()
	if err != nil {
		return record.Message{}, err
	}
	rec, err := conn.reg.TakeKind(ctx, schema.KindMessage)
	if err != nil {
		return record.Message{}, err
	}
	msg, ok := rec.(record.Message)
	if !ok {
		return record.Message{}, fmt.Errorf("%w: %T", ErrUnexpectedRecord, rec)
	}
	return msg, nil
}

// RespondToMessage answers a received message. With partial set the sender
// keeps waiting for more.
func (c *Client) RespondToMessage(ctx context.Context, messageID uint32, body []byte, partial bool) error {
	status := schema.StatusSuccess
	if partial {
		status = schema.StatusContinue
	}
	ack, err := exchangeAs[record.Ack](ctx, c, record.MessageAdmin{
		Type:      schema.AdminResponse,
		MessageID: messageID,
		Status:    status,
		Body:      body,
	})
	if err != nil {
		return err
	}
	if !ack.OK() {
		return rejected("respond", ack.Reason)
	}
	return nil
}

// FailMessage sends a terminal failure response.
func (c *Client) FailMessage(ctx context.Context, messageID uint32, body []byte) error {
	ack, err := exchangeAs[record.Ack](ctx, c, record.MessageAdmin{
		Type:      schema.AdminResponse,
		MessageID: messageID,
		Status:    schema.StatusFailure,
		Body:      body,
	})
	if err != nil {
		return err
	}
	if !ack.OK() {
		return rejected("respond", ack.Reason)
	}
	return nil
}

// StartOwnershipTrade offers the right to answer messageID to whichever
// component presents key. The returned match completes in
// FinishOwnershipTrade.
func (c *Client) StartOwnershipTrade(ctx context.Context, messageID uint32, key string) (uint64, error) {
	match, rec, err := c.roundTrip(ctx, record.MessageAdmin{
		Type:      schema.AdminTrade,
		MessageID: messageID,
		Key:       key,
	}, schema.KindAck)
	if err != nil {
		return 0, err
	}
	if ack := rec.(record.Ack); !ack.OK() {
		c.Release(match)
		return 0, rejected("start trade", ack.Reason)
	}
	return match, nil
}

// FinishOwnershipTrade waits for the trade to be taken or revoked and
// reports whether another component took it.
func (c *Client) FinishOwnershipTrade(ctx context.Context, match uint64) (bool, error) {
	_, admin, err := awaitPush[record.MessageAdmin](ctx, c, []uint64{match})
	if err != nil {
		return false, err
	}
	return admin.Status == schema.StatusSuccess, nil
}

func (c *Client) RevokeOwnershipTrade(ctx context.Context, key string) error {
	ack, err := exchangeAs[record.Ack](ctx, c, record.MessageAdmin{Type: schema.AdminRevokeTrade, Key: key})
	if err != nil {
		return err
	}
	if !ack.OK() {
		return rejected("revoke trade", ack.Reason)
	}
	return nil
}

// RequestMessageOwnership takes over the message offered under key and
// returns its message id.
func (c *Client) RequestMessageOwnership(ctx context.Context, key string) (uint32, error) {
	ack, err := exchangeAs[record.Ack](ctx, c, record.MessageAdmin{Type: schema.AdminOwnershipRequest, Key: key})
	if err != nil {
		return 0, err
	}
	if !ack.OK() {
		return 0, rejected("ownership request", ack.Reason)
	}
	return ack.ID, nil
}

// MarshalBody encodes v as a CBOR message body.
func MarshalBody(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// UnmarshalBody decodes a CBOR message body into v.
func UnmarshalBody(body []byte, v any) error {
	return codec.Unmarshal(body, v)
}
