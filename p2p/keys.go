package p2p

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/scrypt"
)

// The network key persists the node identity across restarts. It is stored
// encrypted with a scrypt-derived key; the well-known insecure password is
// accepted only when explicitly enabled for tests.

const (
	// InsecurePassword is the test-only password accepted when the caller
	// opts in.
	InsecurePassword = "insecure-network-key-password"

	scryptR = 8
	scryptP = 1
	saltLen = 16
	keyLen  = 32
)

// DefaultScryptN is the production KDF iteration count. Configurable; tests
// use a much smaller value.
const DefaultScryptN = 1 << 15

var ErrKeyDecrypt = errors.New("network key decrypt failed")

func deriveKey(password string, salt []byte, scryptN int) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keyLen)
}

func sealKey(priv crypto.PrivKey, password string, scryptN int) ([]byte, error) {
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := deriveKey(password, salt, scryptN)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := append([]byte(nil), salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, raw, nil), nil
}

func openKey(blob []byte, password string, scryptN int) (crypto.PrivKey, error) {
	if len(blob) < saltLen+12 {
		return nil, ErrKeyDecrypt
	}
	salt := blob[:saltLen]
	key, err := deriveKey(password, salt, scryptN)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceEnd := saltLen + gcm.NonceSize()
	if len(blob) < nonceEnd {
		return nil, ErrKeyDecrypt
	}
	raw, err := gcm.Open(nil, blob[saltLen:nonceEnd], blob[nonceEnd:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDecrypt, err)
	}
	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDecrypt, err)
	}
	return priv, nil
}

// LoadOrCreateNetworkKey reads the encrypted key file, creating and
// persisting a fresh ed25519 identity on first start. The same file yields
// the same peer id across restarts.
func LoadOrCreateNetworkKey(path, password string, scryptN int) (crypto.PrivKey, error) {
	blob, err := os.ReadFile(path)
	switch {
	case err == nil:
		return openKey(blob, password, scryptN)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read network key: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate network key: %w", err)
	}
	sealed, err := sealKey(priv, password, scryptN)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return nil, fmt.Errorf("write network key: %w", err)
	}
	return priv, nil
}
