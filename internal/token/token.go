// Package token is the Token Service (C2): issuance and verification of
// short-lived signed bearer tokens bound to a (sessionId, projectId) pair.
package token

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wallcrawler/sessioncore/internal/errs"
)

// Claims is the payload a token carries, beyond the registered claims
// jwt.RegisteredClaims already provides.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sessionId"`
	ProjectID string `json:"projectId"`
	Nonce     string `json:"nonce,omitempty"`
}

// secretPayload is the JSON shape stored in the secret manager entry.
type secretPayload struct {
	Algorithm  string `json:"algorithm"`
	SigningKey string `json:"signingKey"`
}

// SecretSource fetches the current raw signing key material. Implemented
// by a Secrets Manager-backed fetcher in production and a static fetcher
// in tests.
type SecretSource interface {
	FetchSigningKey(ctx context.Context) ([]byte, error)
}

// SecretsManagerSource fetches the signing key from AWS Secrets Manager.
type SecretsManagerSource struct {
	client   *secretsmanager.Client
	secretID string
}

// NewSecretsManagerSource builds a SecretSource reading secretID.
func NewSecretsManagerSource(client *secretsmanager.Client, secretID string) *SecretsManagerSource {
	return &SecretsManagerSource{client: client, secretID: secretID}
}

// FetchSigningKey implements SecretSource.
func (s *SecretsManagerSource) FetchSigningKey(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch signing secret: %w", err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", s.secretID)
	}

	var payload secretPayload
	if err := json.Unmarshal([]byte(*out.SecretString), &payload); err != nil {
		return nil, fmt.Errorf("parse signing secret: %w", err)
	}
	if payload.SigningKey == "" {
		return nil, fmt.Errorf("signing secret %s missing signingKey", s.secretID)
	}
	return []byte(payload.SigningKey), nil
}

// StaticSource returns a fixed key, for local development and tests.
type StaticSource struct{ Key []byte }

// FetchSigningKey implements SecretSource.
func (s StaticSource) FetchSigningKey(ctx context.Context) ([]byte, error) { return s.Key, nil }

// Service is the Token Service. It is constructor-injected with its
// SecretSource rather than relying on a package-level singleton, per the
// "replacing shared mutable singletons" design note; the process still
// holds exactly one instance in production.
type Service struct {
	source SecretSource
	ttl    time.Duration

	mu         sync.RWMutex
	key        []byte
	lastFetch  time.Time
}

// New builds a Token Service whose signing key is refreshed from source
// at most once per refreshEvery.
func New(source SecretSource, refreshEvery time.Duration) *Service {
	return &Service{source: source, ttl: refreshEvery}
}

func (s *Service) signingKey(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	if s.key != nil && time.Since(s.lastFetch) < s.ttl {
		key := s.key
		s.mu.RUnlock()
		return key, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// re-check after acquiring the write lock, another goroutine may have refreshed already.
	if s.key != nil && time.Since(s.lastFetch) < s.ttl {
		return s.key, nil
	}

	key, err := s.source.FetchSigningKey(ctx)
	if err != nil {
		return nil, errs.Transient(err)
	}
	s.key = key
	s.lastFetch = time.Now()
	return key, nil
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("nonce_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

// Issue mints a bearer token scoped to (sessionID, projectID) expiring at
// exp.
func (s *Service) Issue(ctx context.Context, sessionID, projectID string, exp time.Time) (string, error) {
	key, err := s.signingKey(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "wallcrawler-sessioncore",
			Subject:   sessionID,
			Audience:  []string{"cdp-access"},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		SessionID: sessionID,
		ProjectID: projectID,
		Nonce:     randomNonce(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(key)
	if err != nil {
		return "", errs.FatalErr("sign token", err)
	}
	return signed, nil
}

// Verify validates tokenString and checks it authorizes access to
// exactly (sessionID, projectID) — a token for session A never verifies
// against session B (R1, B5).
func (s *Service) Verify(ctx context.Context, tokenString, sessionID, projectID string) (*Claims, error) {
	key, err := s.signingKey(ctx)
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		// jwt.ParseWithClaims already enforces exp/nbf, so an expired token
		// surfaces here rather than at the explicit check below.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, authErr("token_expired", "token expired")
		}
		return nil, authErr("token_invalid", "invalid token: "+err.Error())
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, authErr("token_invalid", "invalid token claims")
	}

	now := time.Now()
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(now) {
		return nil, authErr("token_expired", "token expired")
	}
	if claims.NotBefore != nil && claims.NotBefore.After(now) {
		return nil, authErr("token_invalid", "token not yet valid")
	}
	if claims.SessionID != sessionID || claims.ProjectID != projectID {
		return nil, authErr("session_mismatch", "token does not authorize this session")
	}

	return claims, nil
}

// authErr tags an AuthError with a machine-readable reason so callers (the
// CDP Auth Proxy's WebSocket close path, in particular) can pick between
// close code 4401 (invalid/expired) and 4403 (session mismatch) per §6
// without parsing error text.
func authErr(reason, msg string) *errs.Error {
	e := errs.Auth(msg)
	e.Reason = reason
	return e
}
