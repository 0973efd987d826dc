package node

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSConfig describes the certificates used between peers. Both directions
// use the same certificate; CAFile lists the authorities peers must chain to.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string

	// ClientAuth requires and verifies certificates of connecting peers
	ClientAuth bool

	// MinVersion is "1.2" or "1.3". Empty means 1.2.
	MinVersion string
}

// Validate checks that an enabled configuration names its files
func (t TLSConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.CertFile == "" || t.KeyFile == "" {
		return errors.New("cert file and key file are required")
	}
	if _, err := t.minVersion(); err != nil {
		return err
	}
	return nil
}

func (t TLSConfig) minVersion() (uint16, error) {
	switch t.MinVersion {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS min version %q", t.MinVersion)
	}
}

// Build loads the certificates and returns the dialing and accepting
// configurations
func (t TLSConfig) Build() (client, server *tls.Config, err error) {
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load key pair: %w", err)
	}
	minVersion, _ := t.minVersion()

	var pool *x509.CertPool
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read CA file: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("no certificates in %s", t.CAFile)
		}
	}

	client = &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   minVersion,
	}
	server = &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		MinVersion:   minVersion,
	}
	if t.ClientAuth {
		server.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return client, server, nil
}
