package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"smallbiznis-gatekeeper/pkg/errutil"
)

const credentialScheme = "ApiKey "

// ErrMalformedCredential covers every way a credential header can fail the
// grammar. Strict parsing: no scheme variants, no whitespace tolerance.
var ErrMalformedCredential = errutil.BadRequest("malformed credential")

// Codec parses, issues and verifies API key credentials. The signing key is
// injected at construction, never read from ambient globals.
type Codec struct {
	signingKey []byte
}

func NewCodec(signingKey string) *Codec {
	return &Codec{signingKey: []byte(signingKey)}
}

// Credential is the one-time-displayable result of GenerateCredential. The
// caller must discard Secret after delivering Formatted; the codec does not
// retain it.
type Credential struct {
	KeyID     string
	Secret    []byte
	Formatted string
}

// Parse splits an "ApiKey <keyId>:<base64Secret>" header into its parts.
// Anything not matching exactly this grammar is rejected.
func (c *Codec) Parse(header string) (keyID string, secret []byte, err error) {
	if !strings.HasPrefix(header, credentialScheme) {
		return "", nil, ErrMalformedCredential
	}

	rest := header[len(credentialScheme):]
	sep := strings.IndexByte(rest, ':')
	if sep <= 0 || sep == len(rest)-1 {
		return "", nil, ErrMalformedCredential
	}

	keyID = rest[:sep]
	encoded := rest[sep+1:]
	secret, decErr := base64.StdEncoding.DecodeString(encoded)
	if decErr != nil || len(secret) == 0 {
		return "", nil, ErrMalformedCredential
	}

	return keyID, secret, nil
}

// Hash computes the keyed one-way hash (HMAC-SHA256, hex encoded) stored in
// place of the secret.
func (c *Codec) Hash(secret []byte) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write(secret)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the hash and compares in constant time.
func (c *Codec) Verify(secret []byte, storedHash string) bool {
	stored, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write(secret)
	return hmac.Equal(mac.Sum(nil), stored)
}

// Format renders the one-time-displayable credential string.
func (c *Codec) Format(keyID string, secret []byte) string {
	return fmt.Sprintf("%s%s:%s", credentialScheme, keyID, base64.StdEncoding.EncodeToString(secret))
}

// GenerateCredential mints a fresh keyId (UUIDv4) and a 32-byte random
// secret from a cryptographically secure source.
func (c *Codec) GenerateCredential() (Credential, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return Credential{}, fmt.Errorf("secret gen: %w", err)
	}

	keyID := uuid.NewString()
	return Credential{
		KeyID:     keyID,
		Secret:    secret,
		Formatted: c.Format(keyID, secret),
	}, nil
}
