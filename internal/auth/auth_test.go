package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/assay/internal/auth"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyAPIKey("test-key-123", "no-separator")
	assert.Error(t, err)
}

func TestVerifyAPIKey_HonorsEncodedParameters(t *testing.T) {
	hash, err := auth.HashAPIKey("k")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"))

	// Cheaper parameters written by another deployment still verify.
	parts := strings.Split(hash, "$")
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	require.NoError(t, err)
	cheap := argon2.IDKey([]byte("k"), salt, 2, 8*1024, 1, 16)
	encoded := "$argon2id$v=19$m=8192,t=2,p=1$" + parts[4] + "$" + base64.RawStdEncoding.EncodeToString(cheap)
	ok, err := auth.VerifyAPIKey("k", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, bad := range []string{
		"$argon2i$v=19$m=8192,t=2,p=1$" + parts[4] + "$" + parts[5],
		"$argon2id$v=16$m=8192,t=2,p=1$" + parts[4] + "$" + parts[5],
		"$argon2id$v=19$m=0,t=2,p=1$" + parts[4] + "$" + parts[5],
		"$argon2id$v=19$m=8192,t=2,p=1$!!$" + parts[5],
	} {
		_, err := auth.VerifyAPIKey("k", bad)
		assert.Error(t, err, bad)
	}
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 1*time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken(auth.OperatorSubject, auth.ScopeReader)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, auth.OperatorSubject, claims.Subject)
	assert.Equal(t, auth.ScopeReader, claims.Scope)
	assert.False(t, claims.Scope.CanWrite())

	_, _, err = mgr.IssueToken(auth.OperatorSubject, "admin")
	assert.Error(t, err)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	_, _ = newTestJWTManagerWithKey(t)
	dir := t.TempDir()

	_, privA, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubB, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(privA)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(pubB)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func registered(iss, sub string) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    iss,
		Audience:  jwt.ClaimStrings{"assay"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		ID:        uuid.New().String(),
	}
}

func TestValidateToken_Rejections(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	tests := []struct {
		name   string
		claims *auth.Claims
	}{
		{"wrong issuer", &auth.Claims{RegisteredClaims: registered("not-assay", "operator"), Scope: auth.ScopeOperator}},
		{"empty issuer", &auth.Claims{RegisteredClaims: registered("", "operator"), Scope: auth.ScopeOperator}},
		{"missing subject", &auth.Claims{RegisteredClaims: registered("assay", ""), Scope: auth.ScopeOperator}},
		{"unknown scope", &auth.Claims{RegisteredClaims: registered("assay", "operator"), Scope: "root"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(forgeToken(t, privKey, tt.claims))
			assert.Error(t, err)
		})
	}

	ok, err := mgr.ValidateToken(forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: registered("assay", "operator"), Scope: auth.ScopeOperator,
	}))
	require.NoError(t, err)
	assert.True(t, ok.Scope.CanWrite())
}

func TestAuthenticator_Exchange(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	hash, err := auth.HashAPIKey("s3cret")
	require.NoError(t, err)

	a := auth.NewAuthenticator(mgr, hash)
	assert.False(t, a.Open())

	token, _, err := a.Exchange("s3cret", "")
	require.NoError(t, err)
	claims, err := a.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, auth.ScopeOperator, claims.Scope)

	_, _, err = a.Exchange("guess", auth.ScopeReader)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	open := auth.NewAuthenticator(mgr, "")
	assert.True(t, open.Open())
	_, _, err = open.Exchange("anything", "")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Equal(t, auth.ScopeOperator, auth.OpenClaims().Scope)
}

func TestWriteKeyPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	require.NoError(t, auth.WriteKeyPair(privPath, pubPath))

	info, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(auth.OperatorSubject, auth.ScopeOperator)
	require.NoError(t, err)
	_, err = mgr.ValidateToken(token)
	require.NoError(t, err)

	err = auth.WriteKeyPair(privPath, pubPath)
	assert.ErrorIs(t, err, auth.ErrKeyExists)
}
