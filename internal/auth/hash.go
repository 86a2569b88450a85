package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argonParams are the Argon2id cost parameters. They are recorded in every
// hash so that raising them later does not invalidate configured keys.
type argonParams struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
	keyLen  uint32
}

var defaultParams = argonParams{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32}

const saltLen = 16

var b64 = base64.RawStdEncoding

// HashAPIKey hashes an operator key with Argon2id into the PHC string format
// ASSAY_OPERATOR_KEY_HASH expects:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	p := defaultParams
	hash := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads, b64.EncodeToString(salt), b64.EncodeToString(hash)), nil
}

// DummyVerify burns the same work as a real verification, so rejecting a
// request before the key check takes as long as a failed check.
func DummyVerify() {
	p := defaultParams
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), p.time, p.memory, p.threads, p.keyLen)
}

// VerifyAPIKey checks an operator key against a hash from HashAPIKey.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(strings.TrimSpace(encoded))
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return argonParams{}, nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return argonParams{}, nil, nil, fmt.Errorf("auth: unsupported argon2 version %q", parts[2])
	}
	var p argonParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("auth: decode parameters: %w", err)
	}
	if p.time == 0 || p.memory == 0 || p.threads == 0 {
		return argonParams{}, nil, nil, fmt.Errorf("auth: invalid parameters %q", parts[3])
	}
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	hash, err := b64.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return argonParams{}, nil, nil, fmt.Errorf("auth: decode hash")
	}
	p.keyLen = uint32(len(hash)) //nolint:gosec // bounded by the encoded string
	return p, salt, hash, nil
}
