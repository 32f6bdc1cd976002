package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// TLSConfig holds optional TLS and mutual TLS settings for the API server.
type TLSConfig struct {
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
}

func (c TLSConfig) Enabled() bool { return c.CertFile != "" && c.KeyFile != "" }

// Build loads the server certificate and, when client certificates are
// required, the CA pool used to verify them.
func (c TLSConfig) Build() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.RequireClientCert {
		if c.ClientCAFile == "" {
			return nil, fmt.Errorf("client CA required for mTLS")
		}
		caCert, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", c.ClientCAFile).Msg("mTLS client authentication enabled")
	}
	return cfg, nil
}

// clientIdentity records the verified client certificate subject, if any.
func clientIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tlsState := c.Request.TLS; tlsState != nil && len(tlsState.PeerCertificates) > 0 {
			cert := tlsState.PeerCertificates[0]
			c.Set("client_subject", cert.Subject.String())
			log.Debug().
				Str("subject", cert.Subject.String()).
				Str("serial", cert.SerialNumber.String()).
				Msg("mTLS client authenticated")
		}
		c.Next()
	}
}
