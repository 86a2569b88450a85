// Package auth issues and validates operator bearer tokens.
//
// Uses Ed25519 (EdDSA) for JWT signing. Keys can be loaded from PEM files
// or auto-generated for development. Tokens are obtained by exchanging the
// operator API key, whose argon2id hash is the only secret stored server side.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "assay"

// Scope limits what a token may do.
type Scope string

const (
	// ScopeOperator may read everything and submit, cancel, give feedback
	// and roll back.
	ScopeOperator Scope = "operator"
	// ScopeReader may only read.
	ScopeReader Scope = "reader"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool { return s == ScopeOperator || s == ScopeReader }

// CanWrite reports whether the scope permits mutations.
func (s Scope) CanWrite() bool { return s == ScopeOperator }

// Claims extends jwt.RegisteredClaims with the token scope.
type Claims struct {
	jwt.RegisteredClaims
	Scope Scope `json:"scope"`
}

// ErrInvalidCredentials is returned when an API key does not match.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	edPriv, err := readPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	edPub, err := readPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}
	// A key pair from two different environments is a deploy mistake.
	if !bytes.Equal(edPriv.Public().(ed25519.PublicKey), edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}
	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	ed, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	return ed, nil
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	ed, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return ed, nil
}

// IssueToken creates a signed JWT for subject with the given scope.
func (m *JWTManager) IssueToken(subject string, scope Scope) (string, time.Time, error) {
	if !scope.Valid() {
		return "", time.Time{}, fmt.Errorf("auth: unknown scope %q", scope)
	}
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Scope: scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: missing subject")
	}
	if !claims.Scope.Valid() {
		return nil, fmt.Errorf("auth: invalid scope: %q", claims.Scope)
	}
	return claims, nil
}

// OperatorSubject is the subject of every token issued for the operator key.
const OperatorSubject = "operator"

// Authenticator exchanges the operator API key for bearer tokens. With an
// empty key hash the deployment is open and every request acts as the
// operator.
type Authenticator struct {
	jwt     *JWTManager
	keyHash string
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(mgr *JWTManager, operatorKeyHash string) *Authenticator {
	return &Authenticator{jwt: mgr, keyHash: operatorKeyHash}
}

// Open reports whether authentication is disabled.
func (a *Authenticator) Open() bool { return a.keyHash == "" }

// Exchange verifies apiKey against the operator key hash and issues a token.
// An empty scope means ScopeOperator.
func (a *Authenticator) Exchange(apiKey string, scope Scope) (string, time.Time, error) {
	if scope == "" {
		scope = ScopeOperator
	}
	if a.Open() {
		DummyVerify()
		return "", time.Time{}, ErrInvalidCredentials
	}
	ok, err := VerifyAPIKey(apiKey, a.keyHash)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: verify operator key: %w", err)
	}
	if !ok {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.jwt.IssueToken(OperatorSubject, scope)
}

// Validate checks a bearer token.
func (a *Authenticator) Validate(token string) (*Claims, error) {
	return a.jwt.ValidateToken(token)
}

// OpenClaims are the claims attached to requests on an open deployment.
func OpenClaims() *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: OperatorSubject, Issuer: issuer},
		Scope:            ScopeOperator,
	}
}
