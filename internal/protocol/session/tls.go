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

var ErrTLSConfig = errors.New("session: invalid tls config")

// TLSConfig secures socket links between a hub and out-of-process zones.
type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	Mutual             bool
	InsecureSkipVerify bool
}

// Validate checks that the files required by the enabled mode are named.
func (c TLSConfig) Validate(server bool) error {
	if !c.Enabled {
		return nil
	}
	needPair := server || c.Mutual
	if needPair && (strings.TrimSpace(c.CertFile) == "" || strings.TrimSpace(c.KeyFile) == "") {
		return fmt.Errorf("%w: cert_file and key_file required", ErrTLSConfig)
	}
	if server && c.Mutual && strings.TrimSpace(c.CAFile) == "" {
		return fmt.Errorf("%w: ca_file required for mutual tls", ErrTLSConfig)
	}
	return nil
}

// ServerTLS builds the hub listener config. Mutual mode requires and
// verifies client certificates against CAFile.
func (c TLSConfig) ServerTLS() (*tls.Config, error) {
	if err := c.Validate(true); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if c.Mutual {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientTLS builds the dialer config for address. ServerName defaults to
// the host part of address.
func (c TLSConfig) ClientTLS(address string) (*tls.Config, error) {
	if err := c.Validate(false); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	serverName := strings.TrimSpace(c.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.CAFile); caPath != "" {
		pool, err := loadPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if c.Mutual {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// PeerIdentity names the verified client of conn by certificate CN, then
// URI, then DNS name. It is empty for plain or unauthenticated conns.
func PeerIdentity(conn net.Conn) string {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return ""
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	cert := state.PeerCertificates[0]
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		return cert.URIs[0].String()
	}
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}
	return ""
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: parse ca bundle %s", ErrTLSConfig, path)
	}
	return pool, nil
}
