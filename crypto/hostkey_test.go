package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestEnsureHostKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host.pem")

	first, err := EnsureHostKey(path)
	if err != nil {
		t.Fatalf("first EnsureHostKey failed: %v", err)
	}
	second, err := EnsureHostKey(path)
	if err != nil {
		t.Fatalf("second EnsureHostKey failed: %v", err)
	}
	if !bytes.Equal(first.Private, second.Private) {
		t.Fatalf("expected stable private key across runs")
	}

	public, err := LoadPublicKey(path + ".pub")
	if err != nil {
		t.Fatalf("LoadPublicKey failed: %v", err)
	}
	if !bytes.Equal(public, first.Public) {
		t.Fatalf("public key file does not match private key")
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateHostKey()
	if err != nil {
		t.Fatalf("GenerateHostKey failed: %v", err)
	}

	data := []byte("host-a|1700000000000")
	signature, err := key.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(key.Public, data, signature) {
		t.Fatalf("expected signature verification to succeed")
	}
	if Verify(key.Public, []byte("host-a|1700000000001"), signature) {
		t.Fatalf("expected signature verification to fail for tampered data")
	}
	if _, err := (HostKey{}).Sign(data); err == nil {
		t.Fatalf("expected empty key to fail")
	}
}

func TestParsePublicKey(t *testing.T) {
	key, err := GenerateHostKey()
	if err != nil {
		t.Fatalf("GenerateHostKey failed: %v", err)
	}
	parsed, err := ParsePublicKey("\n" + EncodePublicKey(key.Public) + "\n")
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if Fingerprint(parsed) != Fingerprint(key.Public) {
		t.Fatalf("fingerprint mismatch")
	}
	if _, err := ParsePublicKey("not a key"); err == nil {
		t.Fatalf("expected garbage to be rejected")
	}
}
