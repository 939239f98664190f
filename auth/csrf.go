package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CSRFValidator checks a form token for the calling user. Handlers consult it
// before invoking any state-changing operation.
type CSRFValidator interface {
	Validate(userID, token, form string) bool
}

// CSRF issues and validates short-lived signed form tokens bound to a user and
// a form name.
type CSRF struct {
	svc *Service
	ttl time.Duration
}

func NewCSRF(svc *Service, ttl time.Duration) *CSRF {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CSRF{svc: svc, ttl: ttl}
}

// Issue returns a token valid for form until the TTL elapses.
func (c *CSRF) Issue(userID, form string) (string, error) {
	now := c.svc.now()
	return c.svc.sign(jwt.MapClaims{
		"kind":    "csrf",
		"user_id": userID,
		"form":    form,
		"exp":     now.Add(c.ttl).Unix(),
		"iat":     now.Unix(),
	})
}

// Validate reports whether token was issued to userID for form and has not
// expired.
func (c *CSRF) Validate(userID, token, form string) bool {
	if token == "" || userID == "" {
		return false
	}
	claims, err := c.svc.parse(token)
	if err != nil {
		return false
	}
	kind, _ := claims["kind"].(string)
	got, _ := claims["form"].(string)
	owner, _ := claims["user_id"].(string)
	return kind == "csrf" && got == form && owner == userID
}
