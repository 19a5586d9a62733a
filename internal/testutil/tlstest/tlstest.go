// Package tlstest issues throwaway certificates for broker TLS tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/brokerlink/internal/protocol/session"
)

var serial atomic.Int64

// Pair is a matching broker and client TLS setup signed by one authority.
type Pair struct {
	Server session.TLSConfig
	Client session.TLSConfig
}

type signer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// leaf describes one certificate to mint.
type leaf struct {
	name  string
	ca    bool
	usage []x509.ExtKeyUsage
	dns   []string
	ips   []net.IP
}

// NewMutualPair issues a CA, a loopback broker certificate and a component
// certificate under t.TempDir.
func NewMutualPair(t testing.TB) Pair {
	t.Helper()
	dir := t.TempDir()

	ca := mint(t, dir, nil, leaf{name: "ca", ca: true})
	broker := mint(t, dir, ca, leaf{
		name:  "broker",
		usage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		dns:   []string{"localhost"},
		ips:   []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	})
	component := mint(t, dir, ca, leaf{
		name:  "component",
		usage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})

	caFile := filepath.Join(dir, "ca.crt")
	return Pair{
		Server: session.TLSConfig{
			Enabled:  true,
			Mutual:   true,
			CAFile:   caFile,
			CertFile: broker.certFile(dir),
			KeyFile:  broker.keyFile(dir),
		},
		Client: session.TLSConfig{
			Enabled:    true,
			Mutual:     true,
			CAFile:     caFile,
			CertFile:   component.certFile(dir),
			KeyFile:    component.keyFile(dir),
			ServerName: "localhost",
		},
	}
}

type minted struct {
	signer
	name string
}

func (m *minted) certFile(dir string) string { return filepath.Join(dir, m.name+".crt") }
func (m *minted) keyFile(dir string) string  { return filepath.Join(dir, m.name+".key") }

// mint self-signs when parent is nil.
func mint(t testing.TB, dir string, parent *minted, req leaf) *minted {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate %s key: %v", req.name, err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: "brokerlink-" + req.name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  req.usage,
		DNSNames:     req.dns,
		IPAddresses:  req.ips,
	}
	if req.ca {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		tmpl.BasicConstraintsValid = true
		tmpl.IsCA = true
		tmpl.MaxPathLen = 1
	}

	issuer, issuerKey := tmpl, key
	if parent != nil {
		issuer, issuerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer, &key.PublicKey, issuerKey)
	if err != nil {
		t.Fatalf("create %s cert: %v", req.name, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse %s cert: %v", req.name, err)
	}

	out := &minted{signer: signer{cert: cert, key: key}, name: req.name}
	writePEM(t, out.certFile(dir), "CERTIFICATE", der, 0o644)
	if !req.ca {
		keyDER, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			t.Fatalf("marshal %s key: %v", req.name, err)
		}
		writePEM(t, out.keyFile(dir), "EC PRIVATE KEY", keyDER, 0o600)
	}
	return out
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
