// Package sslcert provides TLS certificates with hot reload for the
// RTMPS and HTTPS listeners, wrapping the certificate-loader dependency
// the way the hand-rolled stat-polling loop it replaces worked: the
// loader watches the certificate and key files and swaps the parsed
// pair when they change, and GetCertificateFunc plugs into
// tls.Config.GetCertificate so new handshakes pick up the swap.
package sslcert

import (
	"crypto/tls"
	"time"

	certloader "github.com/AgustinSRG/go-tls-certificate-loader"

	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
)

// How often the underlying loader checks the files for changes.
const checkReloadPeriod = 60 * time.Second

// Loader wraps the certificate loader for one cert/key pair.
type Loader struct {
	inner *certloader.TlsCertificateLoader
}

// NewLoader loads the pair once and starts watching for changes.
func NewLoader(certPath string, keyPath string) (*Loader, error) {
	inner, err := certloader.NewTlsCertificateLoader(certloader.TlsCertificateLoaderConfig{
		CertificatePath:   certPath,
		KeyPath:           keyPath,
		CheckReloadPeriod: checkReloadPeriod,
		OnReload: func() {
			rtlog.Info("Reloaded SSL certificates")
		},
		OnError: func(err error) {
			rtlog.Error(err)
		},
	})
	if err != nil {
		return nil, err
	}
	return &Loader{inner: inner}, nil
}

// GetCertificateFunc returns the callback for tls.Config.GetCertificate.
func (l *Loader) GetCertificateFunc() func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return l.inner.GetCertificate
}

// Close stops the reload watcher.
func (l *Loader) Close() {
	l.inner.Close()
}
