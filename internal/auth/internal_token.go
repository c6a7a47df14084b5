package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// APIKeyHeader carries the caller's API key on every authenticated request.
const APIKeyHeader = "x-api-key"

// InternalTokenHeader marks a request as an instance-to-instance forwarded hop.
const InternalTokenHeader = "X-Relay-Internal"

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid internal token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("internal token expired")
)

// APIKey extracts the trimmed API key header from a request.
func APIKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

type internalClaims struct {
	Instance  string `json:"ins"`
	ExpiresAt int64  `json:"exp"`
}

// InternalSigner mints and verifies the HMAC-SHA256 tokens that authenticate
// forwarded hops between relay instances. Every instance shares one secret, so
// a receiving instance can trust the origin instance id without a round trip.
type InternalSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewInternalSigner constructs a signer for the supplied shared secret.
func NewInternalSigner(secret string, ttl time.Duration) (*InternalSigner, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("internal secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &InternalSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock overrides the signer's time source; primarily used in tests.
func (s *InternalSigner) WithClock(clock func() time.Time) *InternalSigner {
	if s != nil && clock != nil {
		s.now = clock
	}
	return s
}

// Sign produces a compact payload.signature token naming the origin instance.
func (s *InternalSigner) Sign(instanceID string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", errors.New("signer not initialised")
	}
	claims := internalClaims{
		Instance:  strings.TrimSpace(instanceID),
		ExpiresAt: s.now().Add(s.ttl).Unix(),
	}
	if claims.Instance == "" {
		return "", errors.New("instance id must not be empty")
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.signature(encoded), nil
}

// Verify parses the token, validating signature and expiry, and returns the origin instance id.
func (s *InternalSigner) Verify(token string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", errors.New("signer not initialised")
	}
	token = strings.TrimSpace(token)
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" {
		return "", ErrInvalidToken
	}
	expected := s.signature(parts[0])
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return "", ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidToken
	}
	var claims internalClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ErrInvalidToken
	}
	if claims.Instance == "" {
		return "", ErrInvalidToken
	}
	if s.now().Unix() > claims.ExpiresAt {
		return "", ErrExpiredToken
	}
	return claims.Instance, nil
}

func (s *InternalSigner) signature(encodedPayload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
