// Package invitation issues and verifies the time-bound enrollment invitation
// tokens and derives stable session keys from them.
package invitation

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/auth"
)

// DefaultValidity is how long an invitation stays usable after issuance.
const DefaultValidity = 7 * 24 * time.Hour

// maxClockSkew tolerates tokens issued slightly in the future.
const maxClockSkew = 5 * time.Minute

// ErrInvalid is returned for malformed or tampered tokens.
var ErrInvalid = errors.New("invalid invitation token")

// ErrExpired is returned for tokens older than the validity window.
var ErrExpired = errors.New("invitation token expired")

// ErrNoSecret is returned when an issuer is created without a secret.
var ErrNoSecret = errors.New("invitation secret is not configured")

// sessionNamespace scopes session keys derived from tokens.
var sessionNamespace = uuid.MustParse("6f1c7f0e-4a43-5d0b-9a53-2b0c1f0e6a11")

// Token is the content of an invitation.
type Token struct {
	IdentityID string    `json:"sub"`
	Role       string    `json:"role"`
	IssuedAt   time.Time `json:"iat"`
}

// Issuer signs and verifies tokens with a shared secret.
type Issuer struct {
	key      [32]byte
	validity time.Duration
}

// NewIssuer creates an issuer. A non-positive validity uses DefaultValidity.
func NewIssuer(secret string, validity time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Issuer{key: sha256.Sum256([]byte(secret)), validity: validity}, nil
}

// Validity returns the configured validity window.
func (i *Issuer) Validity() time.Duration {
	return i.validity
}

// Issue encodes and signs tok.
func (i *Issuer) Issue(tok Token) (string, error) {
	if tok.IdentityID == "" {
		return "", fmt.Errorf("%w: identity id is required", ErrInvalid)
	}
	payload, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("failed to encode invitation: %w", err)
	}
	mac := auth.Sum(payload, &i.key)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(mac[:]), nil
}

// Parse verifies raw and enforces the validity window relative to now.
func (i *Issuer) Parse(raw string, now time.Time) (Token, error) {
	payloadPart, macPart, ok := strings.Cut(raw, ".")
	if !ok {
		return Token{}, ErrInvalid
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(payloadPart)
	if err != nil {
		return Token{}, ErrInvalid
	}
	mac, err := enc.DecodeString(macPart)
	if err != nil || !auth.Verify(mac, payload, &i.key) {
		return Token{}, ErrInvalid
	}

	var tok Token
	if err := json.Unmarshal(payload, &tok); err != nil || tok.IdentityID == "" || tok.IssuedAt.IsZero() {
		return Token{}, ErrInvalid
	}
	if tok.IssuedAt.After(now.Add(maxClockSkew)) {
		return Token{}, fmt.Errorf("%w: issued in the future", ErrInvalid)
	}
	if now.Sub(tok.IssuedAt) > i.validity {
		return Token{}, ErrExpired
	}
	return tok, nil
}

// ExpiresAt returns when tok stops being valid.
func (i *Issuer) ExpiresAt(tok Token) time.Time {
	return tok.IssuedAt.Add(i.validity)
}

// SessionKey derives the stable, opaque session key for a raw token. The same
// token always yields the same key and the key does not reveal the token.
func SessionKey(raw string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(raw)).String()
}
