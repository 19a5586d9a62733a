package discovery

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog/log"
)

// Responder answers probes on behalf of one broker.
type Responder struct {
	conn *net.UDPConn
	ad   Advertisement
}

// Listen binds addr, normally ":4620", and answers with ad.
func Listen(addr string, ad Advertisement) (*Responder, error) {
	a, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", a)
	if err != nil {
		return nil, err
	}
	return &Responder{conn: conn, ad: ad}, nil
}

func (r *Responder) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Serve answers probes until ctx is done or the responder is closed.
func (r *Responder) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.conn.Close() })
	defer stop()

	reply, err := Packet{
		Version:  Version,
		Response: true,
		Name:     r.ad.Name,
		Address:  r.ad.Address,
		Port:     r.ad.Port,
	}.Marshal()
	if err != nil {
		return err
	}

	buf := make([]byte, PacketSize*2)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		p, err := Unmarshal(buf[:n])
		if err != nil || p.Version != Version || p.Response {
			continue
		}
		if p.Name != AnyServer && p.Name != r.ad.Name {
			continue
		}
		if _, err := r.conn.WriteToUDP(reply, from); err != nil {
			log.Warn().Err(err).Str("to", from.String()).Msg("discovery.Responder reply failed")
		}
	}
}

func (r *Responder) Close() error {
	return r.conn.Close()
}
