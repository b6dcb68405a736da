// Package token mints and verifies the signed stage tokens that authorize
// a worker to publish progress for one specific run and stage. Tokens are
// short-lived and scoped; losing one leaks nothing beyond a note channel.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/run"
)

// ErrInvalid is returned for tokens that fail verification or carry
// malformed claims.
var ErrInvalid = errors.New("token: invalid")

// StageClaims is what a verified stage token asserts.
type StageClaims struct {
	RunID uuid.UUID
	Kind  run.StageKind
}

// Minter signs and verifies stage tokens with a shared HMAC key.
type Minter struct {
	key      []byte
	issuer   string
	lifetime time.Duration
}

// NewMinter builds a minter. Lifetime bounds token validity; it should
// cover the longest stage timeout plus slack.
func NewMinter(key []byte, issuer string, lifetime time.Duration) *Minter {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &Minter{key: key, issuer: issuer, lifetime: lifetime}
}

// Mint issues a token scoped to one (run, stage kind).
func (m *Minter) Mint(runID uuid.UUID, kind run.StageKind) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   runID.String(),
		"stage": string(kind),
		"iss":   m.issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(m.lifetime).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(m.key)
}

// Verify checks the signature and expiry and returns the token's scope.
func (m *Minter) Verify(tokenStr string) (*StageClaims, error) {
	parsed, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.key, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}

	sub, _ := mc["sub"].(string)
	runID, err := uuid.Parse(sub)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalid)
	}
	stage, _ := mc["stage"].(string)
	kind := run.StageKind(stage)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: bad stage claim", ErrInvalid)
	}

	return &StageClaims{RunID: runID, Kind: kind}, nil
}
