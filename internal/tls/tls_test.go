package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func parseLeaf(t *testing.T, cert *standardtls.Certificate) *x509.Certificate {
	t.Helper()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return leaf
}

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := parseLeaf(t, cert)

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
	if !slices.Contains(leaf.DNSNames, "localhost") {
		t.Errorf("DNS SANs: %v does not contain localhost", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("IP SANs: got %v, want [127.0.0.1]", leaf.IPAddresses)
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	expectedDuration := 365 * 24 * time.Hour
	if validDuration < expectedDuration-time.Hour || validDuration > expectedDuration+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, expectedDuration)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}
	if !slices.Contains(leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth) {
		t.Error("certificate lacks server auth usage")
	}
}

func TestGenerateSelfSignedCert_Hosts(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("hooks.example.com", "10.0.0.5", "::1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := parseLeaf(t, cert)

	if leaf.Subject.CommonName != "hooks.example.com" {
		t.Errorf("CN: got %q", leaf.Subject.CommonName)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "hooks.example.com" {
		t.Errorf("DNS SANs: got %v", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 2 {
		t.Errorf("IP SANs: got %v, want 2 entries", leaf.IPAddresses)
	}
	if err := leaf.VerifyHostname("hooks.example.com"); err != nil {
		t.Errorf("VerifyHostname: %v", err)
	}
}

func TestLoadOrGenerateTLS_SelfSigned(t *testing.T) {
	t.Parallel()

	tlsConfig, err := LoadOrGenerateTLS("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", tlsConfig.MinVersion, standardtls.VersionTLS12)
	}
}

func TestLoadOrGenerateTLS_FromFiles(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("files.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ecKey := cert.PrivateKey.(*ecdsa.PrivateKey)
	keyDER, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}

	tlsConfig, err := LoadOrGenerateTLS(certFile, keyFile, "ignored.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := parseLeaf(t, &tlsConfig.Certificates[0])
	if leaf.Subject.CommonName != "files.example.com" {
		t.Errorf("CN: got %q, want certificate from file", leaf.Subject.CommonName)
	}
}

func TestLoadOrGenerateTLS_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadOrGenerateTLS("/nonexistent/cert.pem", "/nonexistent/key.pem")
	if err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
}
