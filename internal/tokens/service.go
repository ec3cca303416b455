// Package tokens issues and validates the signed action tokens embedded in
// approval emails. A token is a compact HS256 JWT: base64url header, payload
// and HMAC signature joined by dots, so it travels in a query string without
// escaping. Validation is a pure recomputation over the payload; whether a
// token has already been consumed is tracked by the repository, not here.
package tokens

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"timesheet-approval-service/internal/models"
)

var (
	ErrMalformed    = errors.New("token is malformed")
	ErrBadSignature = errors.New("token signature does not match")
	ErrExpired      = errors.New("token has expired")
)

// Validation failure reasons as reported to callers
const (
	ReasonMalformed    = "MALFORMED"
	ReasonBadSignature = "BAD_SIGNATURE"
	ReasonExpired      = "EXPIRED"
)

// Default lifetimes
const (
	DefaultActionTTL = 72 * time.Hour
	DefaultViewTTL   = 168 * time.Hour
)

// Payload is the decoded, verified content of a token
type Payload struct {
	ID             uuid.UUID     `json:"id"`
	ApprovalItemID uuid.UUID     `json:"approvalItemId"`
	ApproverID     string        `json:"approverId"`
	Action         models.Action `json:"action"`
	IssuedAt       time.Time     `json:"issuedAt"`
	ExpiresAt      time.Time     `json:"expiresAt"`
}

// claims is the signed wire form. id, issuedAt and expiresAt ride in the
// registered jti, iat and exp claims.
type claims struct {
	ApprovalItemID string        `json:"approvalItemId"`
	ApproverID     string        `json:"approverId"`
	Action         models.Action `json:"action"`
	jwt.RegisteredClaims
}

// Service signs and verifies tokens with a server-held secret
type Service struct {
	secret    []byte
	actionTTL time.Duration
	viewTTL   time.Duration
	clock     func() time.Time
}

// NewService creates a token service. Zero TTLs fall back to the defaults and
// a nil clock uses time.Now.
func NewService(secret []byte, actionTTL, viewTTL time.Duration, clock func() time.Time) *Service {
	if actionTTL <= 0 {
		actionTTL = DefaultActionTTL
	}
	if viewTTL <= 0 {
		viewTTL = DefaultViewTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		secret:    secret,
		actionTTL: actionTTL,
		viewTTL:   viewTTL,
		clock:     clock,
	}
}

// TTLFor returns the configured lifetime for an action
func (s *Service) TTLFor(action models.Action) time.Duration {
	if action == models.ActionView {
		return s.viewTTL
	}
	return s.actionTTL
}

// Issue mints a token for one approver and one action on one item. A ttl of
// zero uses the lifetime configured for the action.
func (s *Service) Issue(itemID uuid.UUID, approverID string, action models.Action, ttl time.Duration) (string, *Payload, error) {
	if itemID == uuid.Nil || approverID == "" {
		return "", nil, fmt.Errorf("issue token: item and approver are required")
	}
	if _, ok := models.ParseAction(string(action)); !ok {
		return "", nil, fmt.Errorf("issue token: unknown action %q", action)
	}
	if ttl <= 0 {
		ttl = s.TTLFor(action)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return "", nil, fmt.Errorf("issue token: generate id: %w", err)
	}

	now := s.clock().UTC().Truncate(time.Second)
	payload := &Payload{
		ID:             id,
		ApprovalItemID: itemID,
		ApproverID:     approverID,
		Action:         action,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
	}

	encoded, err := s.sign(payload)
	if err != nil {
		return "", nil, err
	}
	return encoded, payload, nil
}

// sign is deterministic for a given payload and secret
func (s *Service) sign(p *Payload) (string, error) {
	c := claims{
		ApprovalItemID: p.ApprovalItemID.String(),
		ApproverID:     p.ApproverID,
		Action:         p.Action,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.ID.String(),
			IssuedAt:  jwt.NewNumericDate(p.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
	}
	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return encoded, nil
}

// Validate decodes a token and checks its signature, then its expiry. It fails
// closed: any decode problem or missing field is reported as malformed.
func (s *Service) Validate(encoded string) (*Payload, error) {
	if encoded == "" {
		return nil, ErrMalformed
	}

	c := &claims{}
	_, err := jwt.ParseWithClaims(encoded, c, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	return c.payload()
}

func (c *claims) payload() (*Payload, error) {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad id", ErrMalformed)
	}
	itemID, err := uuid.Parse(c.ApprovalItemID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad approvalItemId", ErrMalformed)
	}
	if c.ApproverID == "" {
		return nil, fmt.Errorf("%w: missing approverId", ErrMalformed)
	}
	action, ok := models.ParseAction(string(c.Action))
	if !ok {
		return nil, fmt.Errorf("%w: bad action", ErrMalformed)
	}
	if c.IssuedAt == nil || c.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing timestamps", ErrMalformed)
	}

	return &Payload{
		ID:             id,
		ApprovalItemID: itemID,
		ApproverID:     c.ApproverID,
		Action:         action,
		IssuedAt:       c.IssuedAt.Time.UTC(),
		ExpiresAt:      c.ExpiresAt.Time.UTC(),
	}, nil
}

// Reason maps a validation error to its wire reason
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrBadSignature):
		return ReasonBadSignature
	default:
		return ReasonMalformed
	}
}

// GenerateSecret returns a random 32-byte secret for local development
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return secret, nil
}
