package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Config holds client TLS settings for outbound broker and destination
// connections.
type Config struct {
	// Enabled determines if TLS should be used.
	Enabled bool `yaml:"enabled" json:"enabled" default:"false"`

	// CertFile and KeyFile hold an optional client certificate for mutual TLS.
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`

	// CACertFile verifies the server certificate; system CAs are used if empty.
	CACertFile string `yaml:"ca_cert_file" json:"ca_cert_file"`

	// MinVersion is the minimum TLS version, one of "1.0", "1.1", "1.2", "1.3".
	MinVersion string `yaml:"min_version" json:"min_version" default:"1.2" validate:"omitempty,oneof=1.0 1.1 1.2 1.3"`

	// InsecureSkipVerify disables server certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify" default:"false"`

	// ServerName overrides the hostname used for certificate verification.
	ServerName string `yaml:"server_name" json:"server_name"`
}

// BuildClientConfig creates a tls.Config for client use, or nil when TLS is
// disabled.
func (c *Config) BuildClientConfig() (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}

	// #nosec G402 - MinVersion and InsecureSkipVerify are operator-configured
	config := &tls.Config{
		MinVersion:         c.minTLSVersion(),
		CipherSuites:       secureCipherSuites(),
		InsecureSkipVerify: c.InsecureSkipVerify,
		ServerName:         c.ServerName,
	}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate and key: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	} else if c.CertFile != "" || c.KeyFile != "" {
		return nil, fmt.Errorf("both cert_file and key_file must be provided for client authentication")
	}

	if c.CACertFile != "" {
		caCert, err := os.ReadFile(c.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	return config, nil
}

func (c *Config) minTLSVersion() uint16 {
	switch c.MinVersion {
	case "1.0":
		return tls.VersionTLS10
	case "1.1":
		return tls.VersionTLS11
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

func secureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	}
}
