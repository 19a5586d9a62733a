package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

const (
	controlTypeHello    = "broker.hello"
	controlTypeHelloAck = "broker.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	// ProtocolVersion is the broker protocol version this client speaks.
	ProtocolVersion = "1.0.0"
	// protocolConstraint admits brokers sharing the client's major version.
	protocolConstraint = "^1.0.0"
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrHelloRejected          = errors.New("session: hello rejected")
	ErrIncompatibleProtocol   = errors.New("session: incompatible protocol version")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Hello is the client->broker session-start payload.
type Hello struct {
	SessionID       string `json:"session_id"`
	ProtocolVersion string `json:"protocol_version"`
	Label           string `json:"label"`
	Computer        string `json:"computer"`
	User            string `json:"user"`
	PID             int    `json:"pid,omitempty"`
}

// NewHello fills in a fresh session id and the client protocol version.
func NewHello(label, computer, user string, pid int) Hello {
	return Hello{
		SessionID:       uuid.NewString(),
		ProtocolVersion: ProtocolVersion,
		Label:           label,
		Computer:        computer,
		User:            user,
		PID:             pid,
	}
}

func (h Hello) Validate() error {
	if _, err := uuid.Parse(h.SessionID); err != nil {
		return fmt.Errorf("%w: session_id: %v", ErrInvalidHello, err)
	}
	if _, err := semver.NewVersion(h.ProtocolVersion); err != nil {
		return fmt.Errorf("%w: protocol_version: %v", ErrInvalidHello, err)
	}
	if strings.TrimSpace(h.Label) == "" {
		return fmt.Errorf("%w: missing label", ErrInvalidHello)
	}
	if strings.TrimSpace(h.Computer) == "" {
		return fmt.Errorf("%w: missing computer", ErrInvalidHello)
	}
	return nil
}

// HelloAck is the broker->client response. ComponentID is the id the broker
// assigned to this connection.
type HelloAck struct {
	Status          string `json:"status"`
	SessionID       string `json:"session_id"`
	ServerName      string `json:"server_name"`
	ProtocolVersion string `json:"protocol_version"`
	ComponentID     uint32 `json:"component_id"`
	Message         string `json:"message,omitempty"`
	TimestampMS     uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	if status == AckStatusAccepted && a.ComponentID == 0 {
		return fmt.Errorf("%w: missing component_id", ErrInvalidHelloAck)
	}
	return nil
}

// CheckProtocolVersion reports whether a peer speaking version v is usable.
func CheckProtocolVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrIncompatibleProtocol, v, err)
	}
	c, err := semver.NewConstraint(protocolConstraint)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("%w: peer=%s want %s", ErrIncompatibleProtocol, ver, protocolConstraint)
	}
	return nil
}

// Accepted validates an ack against the hello it answers.
func (a HelloAck) Accepted(h Hello) error {
	if a.SessionID != h.SessionID {
		return fmt.Errorf("%w: session_id mismatch", ErrInvalidHelloAck)
	}
	if a.Status != AckStatusAccepted {
		return fmt.Errorf("%w: %s", ErrHelloRejected, a.Message)
	}
	return CheckProtocolVersion(a.ProtocolVersion)
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:  controlTypeHello,
		Hello: &h,
	})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type: controlTypeHelloAck,
		Ack:  &ack,
	})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHelloAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > 128*1024 {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
