package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrMTLSRequired            = errors.New("session: mtls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

// NormalizeSecurityMode lowercases mode and maps blank to development.
func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	m := strings.ToLower(strings.TrimSpace(string(mode)))
	if m == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(m)
}

type transportSide int

const (
	dialSide transportSide = iota
	listenSide
)

// ownIdentity reports whether this side must present a certificate.
func (s transportSide) ownIdentity(t TLSConfig) bool {
	if s == listenSide {
		return t.Enabled
	}
	return t.Mutual
}

// needsCA reports whether this side must verify its peer against a bundle.
func (s transportSide) needsCA(t TLSConfig) bool {
	if s == listenSide {
		return t.Mutual
	}
	return t.Enabled && !t.InsecureSkipVerify
}

func (c Config) checkTransport(side transportSide) error {
	t := c.TLS
	switch NormalizeSecurityMode(c.SecurityMode) {
	case SecurityModeDevelopment:
	case SecurityModeProduction:
		switch {
		case !t.Enabled:
			return ErrTLSRequired
		case !t.Mutual:
			return ErrMTLSRequired
		case side == dialSide && t.InsecureSkipVerify:
			return ErrTLSInsecureSkipNotAllow
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}

	if t.Mutual && !t.Enabled {
		return ErrTLSRequired
	}
	if side == dialSide && side.needsCA(t) && blank(t.CAFile) {
		return ErrTLSCAFileRequired
	}
	if side.ownIdentity(t) {
		if blank(t.CertFile) {
			return ErrTLSCertFileRequired
		}
		if blank(t.KeyFile) {
			return ErrTLSKeyFileRequired
		}
	}
	if side == listenSide && side.needsCA(t) && blank(t.CAFile) {
		return ErrTLSCAFileRequired
	}
	return nil
}

// ValidateClientTransport checks the dial-side security settings.
func (c Config) ValidateClientTransport() error { return c.checkTransport(dialSide) }

// ValidateServerTransport checks the listener-side settings used by test
// brokers.
func (c Config) ValidateServerTransport() error { return c.checkTransport(listenSide) }

// ClientTLSConfig builds the dial-side TLS config. addr supplies the server
// name when TLS.ServerName is empty.
func (c Config) ClientTLSConfig(addr string) (*tls.Config, error) {
	name := strings.TrimSpace(c.TLS.ServerName)
	if name == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		name = host
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         name,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if !blank(c.TLS.CAFile) {
		pool, err := loadCertPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}
	if dialSide.ownIdentity(c.TLS) {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// ServerTLSConfig builds the listener-side TLS config.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	out := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if listenSide.needsCA(c.TLS) {
		pool, err := loadCertPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		out.ClientAuth = tls.RequireAndVerifyClientCert
		out.ClientCAs = pool
	}
	return out, nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func loadCertPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("session: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
