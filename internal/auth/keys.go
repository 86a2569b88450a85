package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrKeyExists is returned by WriteKeyPair when either file is present.
var ErrKeyExists = errors.New("auth: key file already exists")

// WriteKeyPair generates an Ed25519 signing key pair and writes it as PEM
// files readable by NewJWTManager. Existing files are never overwritten:
// replacing a live key invalidates every issued token.
func WriteKeyPair(privatePath, publicPath string) error {
	for _, p := range []string{privatePath, publicPath} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%w: %s", ErrKeyExists, p)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("auth: stat %s: %w", p, err)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("auth: generate key pair: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("auth: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("auth: marshal public key: %w", err)
	}

	if err := writePEM(privatePath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	return writePEM(publicPath, "PUBLIC KEY", pubDER)
}

func writePEM(path, blockType string, der []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("auth: create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("auth: create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("auth: write %s: %w", path, err)
	}
	return f.Close()
}
