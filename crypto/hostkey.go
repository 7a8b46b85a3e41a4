// Package crypto holds the host key and password material used to
// authenticate partner hosts.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	privatePEMType = "FILERELAY HOST PRIVATE KEY"
	publicPEMType  = "FILERELAY HOST PUBLIC KEY"
)

// ErrInvalidKey indicates key material of the wrong type or size.
var ErrInvalidKey = errors.New("crypto: invalid host key")

// HostKey is the Ed25519 identity of this host.
type HostKey struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateHostKey creates a fresh host key.
func GenerateHostKey() (HostKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return HostKey{}, fmt.Errorf("generate host key: %w", err)
	}
	return HostKey{Private: private, Public: public}, nil
}

// EnsureHostKey loads the host key at path, generating and saving one on
// first run. The public half is written next to it with a .pub suffix.
func EnsureHostKey(path string) (HostKey, error) {
	key, err := LoadHostKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return HostKey{}, err
	}

	key, err = GenerateHostKey()
	if err != nil {
		return HostKey{}, err
	}
	if err := key.Save(path); err != nil {
		return HostKey{}, err
	}
	return key, nil
}

// LoadHostKey reads a private host key PEM file.
func LoadHostKey(path string) (HostKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HostKey{}, fmt.Errorf("read host key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != privatePEMType || len(block.Bytes) != ed25519.PrivateKeySize {
		return HostKey{}, fmt.Errorf("decode host key %s: %w", path, ErrInvalidKey)
	}
	private := ed25519.PrivateKey(block.Bytes)
	return HostKey{Private: private, Public: private.Public().(ed25519.PublicKey)}, nil
}

// Save writes the private key with 0600 permissions and the public key to path+".pub".
func (k HostKey) Save(path string) error {
	if len(k.Private) != ed25519.PrivateKeySize {
		return fmt.Errorf("save host key: %w", ErrInvalidKey)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	private := pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: k.Private})
	if err := os.WriteFile(path, private, 0o600); err != nil {
		return fmt.Errorf("write host key: %w", err)
	}
	if err := os.WriteFile(path+".pub", []byte(EncodePublicKey(k.Public)), 0o644); err != nil {
		return fmt.Errorf("write host public key: %w", err)
	}
	return nil
}

// Sign signs data with the host key.
func (k HostKey) Sign(data []byte) ([]byte, error) {
	if len(k.Private) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	if len(data) == 0 {
		return nil, errors.New("crypto: nothing to sign")
	}
	return ed25519.Sign(k.Private, data), nil
}

// Verify checks an Ed25519 signature made by publicKey.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// EncodePublicKey renders a public key as PEM text, the form stored for partner hosts.
func EncodePublicKey(key ed25519.PublicKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: key}))
}

// ParsePublicKey parses the PEM text produced by EncodePublicKey.
func ParsePublicKey(text string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(text)))
	if block == nil || block.Type != publicPEMType || len(block.Bytes) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// LoadPublicKey reads a public key file written by Save.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKey(string(raw))
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func Fingerprint(key ed25519.PublicKey) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:16])
}
