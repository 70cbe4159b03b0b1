package hostinfo

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMachineMismatch = errors.New("token issued for another machine")
	ErrTokenInvalid    = errors.New("invalid operator token")
)

// Claims identify an operator and the instance the token is valid on.
type Claims struct {
	Operator string `json:"operator"`
	Machine  string `json:"machine,omitempty"`
	jwt.RegisteredClaims
}

// CreateToken signs an operator token. An empty machine makes it valid on
// any instance sharing the secret.
func CreateToken(secret, operator, machine string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Operator: operator,
		Machine:  machine,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies the signature and expiry and returns claims.
func ParseToken(secret, token string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims, ok := tok.Claims.(*Claims); ok && tok.Valid {
		return claims, nil
	}
	return nil, ErrTokenInvalid
}

// Verifier checks operator tokens for this instance.
type Verifier struct {
	Secret  string
	Machine string
}

// NewVerifier checks tokens against secret and the machine id of info.
func NewVerifier(secret string, info Info) *Verifier {
	return &Verifier{Secret: secret, Machine: info.MachineID}
}

// Validate returns the claims of a token signed with the secret whose
// machine binding, if any, matches this instance.
func (v *Verifier) Validate(token string) (*Claims, error) {
	claims, err := ParseToken(v.Secret, token)
	if err != nil {
		return nil, err
	}
	if claims.Machine != "" && claims.Machine != v.Machine {
		return nil, ErrMachineMismatch
	}
	return claims, nil
}
