package credential

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/pomodoro/internal/clock"
	"github.com/rs/zerolog"
)

var testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func writeRSAKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return writePEM(t, block), key
}

func writeECKey(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal ec key: %v", err)
	}
	return writePEM(t, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), key
}

func writePEM(t *testing.T, block *pem.Block) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "private.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func newTestIssuer(t *testing.T, algorithm, keyFile string, window time.Duration, clk clock.Clock) *Issuer {
	t.Helper()

	issuer, err := NewIssuer(Config{
		Audience:       "pomodoro-90fd7",
		PrivateKeyFile: keyFile,
		Algorithm:      algorithm,
		RefreshWindow:  window,
	}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return issuer
}

func TestIssueLifetimeEqualsWindow(t *testing.T) {
	rsaFile, rsaKey := writeRSAKey(t)
	ecFile, ecKey := writeECKey(t)

	tests := []struct {
		name      string
		algorithm string
		keyFile   string
		public    crypto.PublicKey
		window    time.Duration
	}{
		{"RS256 default window", "RS256", rsaFile, &rsaKey.PublicKey, 2 * time.Minute},
		{"RS256 ten minutes", "RS256", rsaFile, &rsaKey.PublicKey, 10 * time.Minute},
		{"ES256 default window", "ES256", ecFile, &ecKey.PublicKey, 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(testStart.Add(250 * time.Millisecond))
			issuer := newTestIssuer(t, tt.algorithm, tt.keyFile, tt.window, clk)

			cred, err := issuer.Issue()
			if err != nil {
				t.Fatalf("Issue() error = %v", err)
			}
			if cred.Lifetime() != tt.window {
				t.Errorf("Lifetime() = %s, want %s", cred.Lifetime(), tt.window)
			}

			decoded, err := Verify(cred.Token, tt.public)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if got := decoded.ExpiresAt.Sub(decoded.IssuedAt); got != tt.window {
				t.Errorf("decoded exp - iat = %s, want %s", got, tt.window)
			}
			if !decoded.IssuedAt.Equal(testStart) {
				t.Errorf("decoded iat = %s, want %s", decoded.IssuedAt, testStart)
			}
			if decoded.Audience != "pomodoro-90fd7" {
				t.Errorf("decoded aud = %q, want pomodoro-90fd7", decoded.Audience)
			}
		})
	}
}

func TestIssueAdvancesIssuedAt(t *testing.T) {
	keyFile, _ := writeRSAKey(t)
	clk := clock.NewFake(testStart)
	issuer := newTestIssuer(t, "RS256", keyFile, 0, clk)

	first, err := issuer.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if first.Lifetime() != DefaultRefreshWindow {
		t.Errorf("Lifetime() = %s, want default %s", first.Lifetime(), DefaultRefreshWindow)
	}

	clk.Advance(time.Minute)
	second, err := issuer.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !second.IssuedAt.After(first.IssuedAt) {
		t.Errorf("second IssuedAt %s not after first %s", second.IssuedAt, first.IssuedAt)
	}
}

func TestIssueErrors(t *testing.T) {
	ecFile, _ := writeECKey(t)
	garbage := writePEM(t, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: []byte("not a key")})

	tests := []struct {
		name      string
		algorithm string
		keyFile   string
	}{
		{"missing key file", "RS256", filepath.Join(t.TempDir(), "absent.pem")},
		{"corrupt key", "RS256", garbage},
		{"wrong key type", "RS256", ecFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := newTestIssuer(t, tt.algorithm, tt.keyFile, time.Minute, clock.NewFake(testStart))

			_, err := issuer.Issue()
			var credErr *Error
			if !errors.As(err, &credErr) {
				t.Fatalf("Issue() error = %v, want *credential.Error", err)
			}
		})
	}
}

func TestNewIssuerRejectsAlgorithm(t *testing.T) {
	_, err := NewIssuer(Config{Algorithm: "HS256"}, nil, zerolog.Nop())
	if err == nil {
		t.Fatal("NewIssuer() error = nil, want unsupported algorithm")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	keyFile, _ := writeRSAKey(t)
	_, other := writeRSAKey(t)
	issuer := newTestIssuer(t, "RS256", keyFile, time.Minute, clock.NewFake(testStart))

	cred, err := issuer.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := Verify(cred.Token, &other.PublicKey); err == nil {
		t.Error("Verify() with foreign key error = nil, want error")
	}
}
