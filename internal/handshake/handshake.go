// Package handshake issues and resolves the single-use tokens callers use to
// hand a credential to the relay without it ever crossing the request path in
// the clear. Each token binds a fresh RSA-2048 keypair and a nonce; the
// private key is stored alongside the record so whichever instance receives
// the follow-up call can decrypt, and the token is atomically consumed before
// the credential is ever used.
package handshake

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"foundryvtt/relay/internal/logging"
	"foundryvtt/relay/internal/store"
)

const keyPrefix = "handshake:"

// Key returns the store key for a handshake token.
func Key(token string) string { return keyPrefix + token }

var (
	// ErrInvalidToken covers unknown, expired, and already-consumed tokens alike.
	ErrInvalidToken = errors.New("invalid or expired handshake token")
	// ErrUnauthorized indicates the API key does not match the token's binding.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCiphertext indicates the payload could not be decrypted or parsed.
	ErrInvalidCiphertext = errors.New("invalid encrypted data")
	// ErrNonceMismatch indicates a decrypted nonce that differs from the stored one.
	ErrNonceMismatch = errors.New("invalid nonce")
)

// Record is the durable handshake state shared through the store.
type Record struct {
	Token         string
	APIKey        string
	FoundryURL    string
	WorldName     string
	Username      string
	PublicKeyPEM  string
	PrivateKeyPEM string
	Nonce         string
	ExpiresAt     int64 // epoch milliseconds
	InstanceID    string
}

// Issued is the public slice of a new handshake returned to the caller.
type Issued struct {
	Token     string `json:"token"`
	PublicKey string `json:"publicKey"`
	Nonce     string `json:"nonce"`
	Expires   int64  `json:"expires"`
}

// Credentials is the decrypted result of a successful resolve.
type Credentials struct {
	Password string
}

// ServiceOptions configures the handshake service.
type ServiceOptions struct {
	Store      store.Store
	InstanceID string
	TTL        time.Duration
	Logger     *logging.Logger
	TimeSource func() time.Time
}

// Service issues and resolves handshake tokens against the shared store.
type Service struct {
	store      store.Store
	instanceID string
	ttl        time.Duration
	logger     *logging.Logger
	now        func() time.Time
}

// NewService constructs a handshake service using the provided options.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		store:      opts.Store,
		instanceID: strings.TrimSpace(opts.InstanceID),
		ttl:        ttl,
		logger:     logger,
		now:        now,
	}
}

// Create generates a fresh keypair and nonce, persists the record with the
// configured TTL, and returns the public half. Keys are never reused across
// handshakes, which bounds the blast radius of any single leaked token.
func (s *Service) Create(ctx context.Context, apiKey, foundryURL, worldName, username string) (Issued, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return Issued{}, fmt.Errorf("generate keypair: %w", err)
	}
	publicPEM, privatePEM, err := encodeKeypair(privateKey)
	if err != nil {
		return Issued{}, err
	}

	token, err := randomHex(32)
	if err != nil {
		return Issued{}, fmt.Errorf("generate token: %w", err)
	}
	nonce, err := randomHex(16)
	if err != nil {
		return Issued{}, fmt.Errorf("generate nonce: %w", err)
	}
	expiresAt := s.now().Add(s.ttl).UnixMilli()

	fields := map[string]string{
		"apiKey":     apiKey,
		"foundryUrl": foundryURL,
		"worldName":  worldName,
		"username":   username,
		"publicKey":  publicPEM,
		"privateKey": privatePEM,
		"nonce":      nonce,
		"expires":    strconv.FormatInt(expiresAt, 10),
		"instanceId": s.instanceID,
	}
	if err := s.store.HSet(ctx, Key(token), fields, s.ttl); err != nil {
		return Issued{}, fmt.Errorf("persist handshake: %w", err)
	}

	s.logger.Info("handshake token issued",
		logging.String("token_prefix", token[:8]),
		logging.String("foundry_url", foundryURL))
	return Issued{Token: token, PublicKey: publicPEM, Nonce: nonce, Expires: expiresAt}, nil
}

// Peek reads a handshake record without consuming it, so callers can decide
// ownership before the single-use claim happens.
func (s *Service) Peek(ctx context.Context, token string) (Record, error) {
	if token == "" {
		return Record{}, ErrInvalidToken
	}
	fields, err := s.store.HGetAll(ctx, Key(token))
	if err != nil {
		return Record{}, fmt.Errorf("read handshake: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrInvalidToken
	}
	return recordFromFields(token, fields), nil
}

// Claim atomically consumes the token: the record is read and then deleted,
// and only the caller whose delete actually removed the key may use the
// record. A concurrent claimer losing the race observes ErrInvalidToken, which
// is what enforces the exactly-once semantics.
func (s *Service) Claim(ctx context.Context, token string) (Record, error) {
	record, err := s.Peek(ctx, token)
	if err != nil {
		return Record{}, err
	}
	removed, err := s.store.Delete(ctx, Key(token))
	if err != nil {
		return Record{}, fmt.Errorf("consume handshake: %w", err)
	}
	if removed != 1 {
		return Record{}, ErrInvalidToken
	}
	return record, nil
}

// Resolve claims the token and validates the caller against it: API key
// binding, expiry, ciphertext, and nonce. The token is consumed before any
// validation result is surfaced, so every failure branch also burns it.
func (s *Service) Resolve(ctx context.Context, token, apiKey, encryptedPayload string) (Credentials, Record, error) {
	record, err := s.Claim(ctx, token)
	if err != nil {
		return Credentials{}, Record{}, err
	}
	if record.APIKey != apiKey {
		return Credentials{}, Record{}, ErrUnauthorized
	}
	if record.ExpiresAt < s.now().UnixMilli() {
		return Credentials{}, Record{}, ErrInvalidToken
	}
	password, nonce, err := decryptPayload(record.PrivateKeyPEM, encryptedPayload)
	if err != nil {
		return Credentials{}, Record{}, err
	}
	if nonce == "" || nonce != record.Nonce {
		return Credentials{}, Record{}, ErrNonceMismatch
	}
	s.logger.Info("handshake resolved", logging.String("token_prefix", token[:min(8, len(token))]))
	return Credentials{Password: password}, record, nil
}

// encryptedEnvelope is the plaintext JSON the client encrypts with the public key.
type encryptedEnvelope struct {
	Password string `json:"password"`
	Nonce    string `json:"nonce"`
}

// decryptPayload reverses the client-side RSA-OAEP encryption. OAEP uses a
// SHA-1 digest explicitly: the counterpart clients encrypt with WebCrypto and
// Node defaults that both settle on SHA-1, and the wire format must match.
func decryptPayload(privateKeyPEM, encryptedPayload string) (password, nonce string, err error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return "", "", fmt.Errorf("%w: bad private key", ErrInvalidCiphertext)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return "", "", fmt.Errorf("%w: bad private key", ErrInvalidCiphertext)
	}
	privateKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return "", "", fmt.Errorf("%w: bad private key", ErrInvalidCiphertext)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedPayload)
	if err != nil {
		return "", "", fmt.Errorf("%w: not base64", ErrInvalidCiphertext)
	}
	plaintext, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, privateKey, ciphertext, nil)
	if err != nil {
		return "", "", fmt.Errorf("%w: decryption failed", ErrInvalidCiphertext)
	}
	var envelope encryptedEnvelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return "", "", fmt.Errorf("%w: not a credential payload", ErrInvalidCiphertext)
	}
	return envelope.Password, envelope.Nonce, nil
}

func encodeKeypair(privateKey *rsa.PrivateKey) (publicPEM, privatePEM string, err error) {
	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("encode public key: %w", err)
	}
	privateDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("encode private key: %w", err)
	}
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}))
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER}))
	return publicPEM, privatePEM, nil
}

func recordFromFields(token string, fields map[string]string) Record {
	expires, _ := strconv.ParseInt(fields["expires"], 10, 64)
	return Record{
		Token:         token,
		APIKey:        fields["apiKey"],
		FoundryURL:    fields["foundryUrl"],
		WorldName:     fields["worldName"],
		Username:      fields["username"],
		PublicKeyPEM:  fields["publicKey"],
		PrivateKeyPEM: fields["privateKey"],
		Nonce:         fields["nonce"],
		ExpiresAt:     expires,
		InstanceID:    fields["instanceId"],
	}
}

func randomHex(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
