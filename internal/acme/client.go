// Package acme obtains and renews the API listener certificate from an
// ACME CA using the DNS-01 challenge.
package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/dns"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog"
)

const (
	// RenewBefore is how long before expiry a certificate is replaced
	RenewBefore = 30 * 24 * time.Hour

	// DefaultCheckInterval is how often the renewal loop inspects the certificate
	DefaultCheckInterval = 12 * time.Hour
)

// Config holds ACME client configuration
type Config struct {
	Email       string // Email for the ACME account
	DNSProvider string // lego DNS provider name (e.g. "cloudflare", "route53")
	CertPath    string // Path to store certificate
	KeyPath     string // Path to store private key
	CADirURL    string // ACME directory URL
	Domain      string // Domain to obtain certificate for
}

// User implements the ACME user interface
type User struct {
	Email        string
	Registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *User) GetEmail() string {
	return u.Email
}

func (u *User) GetRegistration() *registration.Resource {
	return u.Registration
}

func (u *User) GetPrivateKey() crypto.PrivateKey {
	return u.key
}

// Client keeps a certificate on disk current and serves it to TLS listeners
type Client struct {
	config Config
	logger zerolog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewClient creates a new ACME client
func NewClient(config Config, logger zerolog.Logger) *Client {
	return &Client{
		config: config,
		logger: logger.With().Str("component", "acme").Logger(),
	}
}

// EnsureCertificate obtains a certificate when none is stored or the stored
// one is due for renewal, then loads it for serving
func (c *Client) EnsureCertificate(now time.Time) error {
	due, err := NeedsRenewal(c.config.CertPath, now)
	if err != nil {
		return err
	}
	if due {
		if err := c.ObtainCertificate(); err != nil {
			return err
		}
	} else {
		c.logger.Debug().Str("cert_path", c.config.CertPath).Msg("Stored certificate is current")
	}
	return c.Reload()
}

// Reload reads the certificate and key from disk
func (c *Client) Reload() error {
	cert, err := tls.LoadX509KeyPair(c.config.CertPath, c.config.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}
	c.mu.Lock()
	c.cert = &cert
	c.mu.Unlock()
	return nil
}

// TLSConfig returns a server TLS config that always serves the latest certificate
func (c *Client) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: c.getCertificate,
	}
}

func (c *Client) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cert == nil {
		return nil, fmt.Errorf("no certificate loaded")
	}
	return c.cert, nil
}

// StartRenewal checks the certificate periodically and renews it when due
func (c *Client) StartRenewal(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	c.stopChan = make(chan struct{})
	c.doneChan = make(chan struct{})

	go func() {
		defer close(c.doneChan)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopChan:
				return
			case <-ticker.C:
				if err := c.EnsureCertificate(time.Now()); err != nil {
					c.logger.Error().Err(err).Msg("Certificate renewal failed")
				}
			}
		}
	}()
}

// StopRenewal stops the renewal loop
func (c *Client) StopRenewal() {
	if c.stopChan == nil {
		return
	}
	close(c.stopChan)
	<-c.doneChan
	c.stopChan = nil
}

// ObtainCertificate obtains a certificate using the DNS-01 challenge
func (c *Client) ObtainCertificate() error {
	// lego logs through the standard log package
	log.SetOutput(&legoLogWriter{logger: c.logger})
	log.SetFlags(0)

	c.logger.Info().
		Str("domain", c.config.Domain).
		Str("dns_provider", c.config.DNSProvider).
		Str("ca_url", c.config.CADirURL).
		Msg("Starting ACME certificate acquisition")

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate account key: %w", err)
	}
	user := &User{
		Email: c.config.Email,
		key:   privateKey,
	}

	legoConfig := lego.NewConfig(user)
	legoConfig.CADirURL = c.config.CADirURL
	legoConfig.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(legoConfig)
	if err != nil {
		return fmt.Errorf("failed to create ACME client: %w", err)
	}

	// Provider credentials come from the environment
	provider, err := dns.NewDNSChallengeProviderByName(c.config.DNSProvider)
	if err != nil {
		return fmt.Errorf("failed to create DNS provider %q (check environment variables): %w", c.config.DNSProvider, err)
	}
	if err := client.Challenge.SetDNS01Provider(provider); err != nil {
		return fmt.Errorf("failed to set DNS provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return fmt.Errorf("failed to register ACME account: %w", err)
	}
	user.Registration = reg

	certificates, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{c.config.Domain},
		Bundle:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to obtain certificate: %w", err)
	}

	if err := c.saveCertificates(certificates); err != nil {
		return fmt.Errorf("failed to save certificates: %w", err)
	}

	c.logger.Info().
		Str("domain", certificates.Domain).
		Str("cert_path", c.config.CertPath).
		Msg("Certificate obtained")

	return nil
}

// NeedsRenewal reports whether the PEM certificate at path is missing or
// expires within RenewBefore of now
func NeedsRenewal(path string, now time.Time) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read certificate: %w", err)
	}

	cert, err := certcrypto.ParsePEMCertificate(data)
	if err != nil {
		// Unreadable certificates are replaced
		return true, nil
	}
	return now.Add(RenewBefore).After(cert.NotAfter), nil
}

// legoLogWriter redirects lego's standard log output to zerolog
type legoLogWriter struct {
	logger zerolog.Logger
}

func (w *legoLogWriter) Write(p []byte) (n int, err error) {
	msg := string(p)
	if len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}
	w.logger.Info().Str("source", "lego").Msg(msg)
	return len(p), nil
}

// Ensure legoLogWriter satisfies io.Writer
var _ io.Writer = (*legoLogWriter)(nil)

// saveCertificates saves the obtained certificates to disk
func (c *Client) saveCertificates(certs *certificate.Resource) error {
	for _, dir := range []string{filepath.Dir(c.config.CertPath), filepath.Dir(c.config.KeyPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	// Full chain
	if err := os.WriteFile(c.config.CertPath, certs.Certificate, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(c.config.KeyPath, certs.PrivateKey, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	return nil
}
