package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autobuild/pkg/utils"
)

const (
	PublicKeyFile  = "server.pub"
	PrivateKeyFile = "server.key"
)

// KeyPair is the ed25519 identity used to sign ledger entries.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a new ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Save writes the pair as hex files into dir.
func (k *KeyPair) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte(hex.EncodeToString(k.Public)), 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte(hex.EncodeToString(k.Private)), 0o600)
}

// LoadKeyPair reads a pair previously written by Save.
func LoadKeyPair(dir string) (*KeyPair, error) {
	pub, err := LoadPublicKey(filepath.Join(dir, PublicKeyFile))
	if err != nil {
		return nil, err
	}
	priv, err := LoadPrivateKey(filepath.Join(dir, PrivateKeyFile))
	if err != nil {
		return nil, err
	}
	if !pub.Equal(priv.Public()) {
		return nil, errors.New("public key does not match private key")
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// EnsureKeyPair loads the pair in dir, generating one if none exists.
// created reports whether a new pair was written.
func EnsureKeyPair(dir string) (kp *KeyPair, created bool, err error) {
	_, err = os.Stat(filepath.Join(dir, PrivateKeyFile))
	switch {
	case err == nil:
		kp, err = LoadKeyPair(dir)
		return kp, false, err
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, err
	}
	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := kp.Save(dir); err != nil {
		return nil, false, fmt.Errorf("save key pair: %w", err)
	}
	return kp, true, nil
}

// LoadPrivateKey loads an ed25519 private key from a hex-encoded file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyBytes, err := readHexFile(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return ed25519.PrivateKey(keyBytes), nil
}

// LoadPublicKey loads an ed25519 public key from a hex-encoded file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyBytes, err := readHexFile(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return ed25519.PublicKey(keyBytes), nil
}

func readHexFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(data)))
}

// Sign signs data and returns the hex signature.
func (k *KeyPair) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.Private, data))
}

// PublicHex returns the hex-encoded public key.
func (k *KeyPair) PublicHex() string {
	return hex.EncodeToString(k.Public)
}

// Fingerprint is a short identifier for the public key.
func (k *KeyPair) Fingerprint() string {
	return utils.ShortHash(utils.HashBytes(k.Public), 16)
}

// VerifySignature verifies a hex signature of data.
func VerifySignature(pub ed25519.PublicKey, data []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifySignatureFromHex verifies when the public key is hex encoded as well.
func VerifySignatureFromHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, err
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	return VerifySignature(ed25519.PublicKey(pubBytes), data, sigHex)
}
