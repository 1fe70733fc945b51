package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrInvalidToken is returned for tokens that fail signature, expiry or
// subject checks.
var ErrInvalidToken = errors.New("identity: invalid token")

// Claims carried by an identity token. Subject is the anonymous user id.
type Claims struct {
	AgeCategory string   `json:"age,omitempty"`
	Interests   []string `json:"interests,omitempty"`
	jwt.RegisteredClaims
}

// Identity is what a connection is bound to after the handshake.
type Identity struct {
	UserID  string
	Profile Profile
	// Verified is true when the identity came from a signed token.
	Verified bool
}

// Anonymous returns a fresh unverified identity.
func Anonymous() Identity {
	return Identity{UserID: uuid.New().String()}
}

// Tokens signs and verifies HS256 identity tokens.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokens returns a Tokens using secret. ttl bounds issued tokens.
func NewTokens(secret, issuer string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Issue returns a signed token for userID with the given profile.
func (t *Tokens) Issue(userID string, prof Profile) (string, error) {
	now := time.Now()
	claims := Claims{
		AgeCategory: prof.AgeCategory,
		Interests:   prof.Interests,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", errors.Wrap(err, "identity: sign token")
	}
	return signed, nil
}

// Verify parses raw and returns the identity it carries.
func (t *Tokens) Verify(raw string) (Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if claims.Subject == "" {
		return Identity{}, errors.Wrap(ErrInvalidToken, "missing subject")
	}
	return Identity{
		UserID:   claims.Subject,
		Profile:  Profile{AgeCategory: claims.AgeCategory, Interests: claims.Interests},
		Verified: true,
	}, nil
}
