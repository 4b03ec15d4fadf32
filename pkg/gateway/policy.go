package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"

	"github.com/agentgate/agentgate/pkg/config"
)

// ConfirmationTTL bounds how long a prepared execute token stays valid.
const ConfirmationTTL = 5 * time.Minute

var (
	ErrConfirmationRequired = errors.New("gateway: execute requires confirmation")
	ErrConfirmationInvalid  = errors.New("gateway: confirmation token invalid")
)

// PolicyGate implements the pre-execute confirmation flow. In confirm
// mode a prepared token authorizes any execute by the same principal on
// the same business; strict mode additionally pins the exact input.
type PolicyGate struct {
	mode   config.ExecutePolicy
	secret []byte
	now    func() time.Time
}

func NewPolicyGate(mode config.ExecutePolicy, secret string) *PolicyGate {
	if mode == "" {
		mode = config.PolicyOff
	}
	return &PolicyGate{mode: mode, secret: []byte(secret), now: time.Now}
}

// WithClock fixes the gate clock for tests.
func (g *PolicyGate) WithClock(now func() time.Time) *PolicyGate {
	g.now = now
	return g
}

func (g *PolicyGate) Mode() config.ExecutePolicy { return g.mode }

type confirmationClaims struct {
	BusinessID string `json:"biz"`
	InputHash  string `json:"inputHash,omitempty"`
	jwt.RegisteredClaims
}

// Preparation is the reply to an execute/prepare call.
type Preparation struct {
	ConfirmationRequired bool   `json:"confirmationRequired"`
	Token                string `json:"confirmationToken,omitempty"`
	ExpiresAt            string `json:"expiresAt,omitempty"`
}

// Prepare issues a confirmation token for the pending execute. Off mode
// reports that no confirmation is needed.
func (g *PolicyGate) Prepare(principal, businessID string, input map[string]any) (*Preparation, error) {
	if g.mode == config.PolicyOff {
		return &Preparation{ConfirmationRequired: false}, nil
	}

	now := g.now()
	claims := confirmationClaims{
		BusinessID: businessID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ConfirmationTTL)),
		},
	}
	if g.mode == config.PolicyStrict {
		h, err := inputHash(input)
		if err != nil {
			return nil, err
		}
		claims.InputHash = h
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return nil, fmt.Errorf("gateway: sign confirmation: %w", err)
	}
	return &Preparation{
		ConfirmationRequired: true,
		Token:                token,
		ExpiresAt:            now.Add(ConfirmationTTL).UTC().Format(time.RFC3339),
	}, nil
}

// Check validates the confirmation token presented with an execute.
func (g *PolicyGate) Check(principal, businessID string, input map[string]any, token string) error {
	if g.mode == config.PolicyOff {
		return nil
	}
	if token == "" {
		return ErrConfirmationRequired
	}

	var claims confirmationClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(g.now))
	if err != nil || !parsed.Valid {
		return ErrConfirmationInvalid
	}
	if claims.Subject != principal || claims.BusinessID != businessID {
		return ErrConfirmationInvalid
	}

	if g.mode == config.PolicyStrict {
		h, err := inputHash(input)
		if err != nil {
			return err
		}
		if claims.InputHash != h {
			return fmt.Errorf("%w: input changed since preparation", ErrConfirmationInvalid)
		}
	}
	return nil
}

// inputHash canonicalizes the input so key order and formatting do not
// break strict-mode comparison.
func inputHash(input map[string]any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("gateway: encode input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("gateway: canonicalize input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
