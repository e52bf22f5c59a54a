package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// writeSelfSigned writes a certificate valid from notBefore for 90 days
func writeSelfSigned(t *testing.T, dir string, notBefore time.Time) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ktime.test"},
		DNSNames:     []string{"ktime.test"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(90 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() error = %v", err)
	}

	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestNeedsRenewal(t *testing.T) {
	issued := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	certPath, _ := writeSelfSigned(t, t.TempDir(), issued)

	garbage := filepath.Join(t.TempDir(), "garbage.crt")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		now  time.Time
		want bool
	}{
		{name: "missing file", path: filepath.Join(t.TempDir(), "none.crt"), now: issued, want: true},
		{name: "unparseable file", path: garbage, now: issued, want: true},
		{name: "fresh certificate", path: certPath, now: issued.Add(24 * time.Hour), want: false},
		{name: "inside renewal window", path: certPath, now: issued.Add(70 * 24 * time.Hour), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NeedsRenewal(tt.path, tt.now)
			if err != nil {
				t.Fatalf("NeedsRenewal() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("NeedsRenewal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTLSConfigServesLoadedCertificate(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir(), time.Now().Add(-time.Hour))
	c := NewClient(Config{CertPath: certPath, KeyPath: keyPath}, zerolog.Nop())

	cfg := c.TLSConfig()
	if _, err := cfg.GetCertificate(&tls.ClientHelloInfo{}); err == nil {
		t.Fatal("expected an error before the certificate is loaded")
	}

	// A current certificate is loaded without contacting the CA
	if err := c.EnsureCertificate(time.Now()); err != nil {
		t.Fatalf("EnsureCertificate() error = %v", err)
	}
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil || cert == nil {
		t.Fatalf("GetCertificate() = %v, %v", cert, err)
	}
}
