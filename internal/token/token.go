// Package token issues and verifies the short-lived room access tokens
// participants present when joining a room.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 10 * time.Minute

var (
	ErrMissingCredentials = errors.New("token: api key and secret are required")
	ErrMissingParam       = errors.New("token: missing parameter")
	ErrInvalid            = errors.New("token: invalid")
)

// VideoGrant is the set of room permissions carried by a token.
type VideoGrant struct {
	Room           string `json:"room"`
	RoomJoin       bool   `json:"roomJoin"`
	CanPublish     bool   `json:"canPublish"`
	CanSubscribe   bool   `json:"canSubscribe"`
	CanPublishData bool   `json:"canPublishData"`
}

// Claims is the JWT payload. Subject is the participant identity.
type Claims struct {
	jwt.RegisteredClaims
	Name  string     `json:"name,omitempty"`
	Video VideoGrant `json:"video"`
}

// Identity returns the participant identity.
func (c *Claims) Identity() string { return c.Subject }

// Issuer signs room tokens with an API key/secret pair.
type Issuer struct {
	apiKey string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns ErrMissingCredentials if either credential is empty.
func NewIssuer(apiKey, apiSecret string, ttl time.Duration) (*Issuer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, ErrMissingCredentials
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{apiKey: apiKey, secret: []byte(apiSecret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed HS256 token granting identity full participation in room.
func (i *Issuer) Issue(room, identity string) (string, error) {
	if room == "" {
		return "", fmt.Errorf("%w: roomName", ErrMissingParam)
	}
	if identity == "" {
		return "", fmt.Errorf("%w: participantName", ErrMissingParam)
	}

	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Name: identity,
		Video: VideoGrant{
			Room:           room,
			RoomJoin:       true,
			CanPublish:     true,
			CanSubscribe:   true,
			CanPublishData: true,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks tokens signed by the matching Issuer.
type Verifier struct {
	apiKey string
	secret []byte
}

// NewVerifier returns ErrMissingCredentials if either credential is empty.
func NewVerifier(apiKey, apiSecret string) (*Verifier, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, ErrMissingCredentials
	}
	return &Verifier{apiKey: apiKey, secret: []byte(apiSecret)}, nil
}

// Verify parses raw and returns its claims. The token must be unexpired,
// issued by this key and carry a room join grant.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.apiKey),
		jwt.WithExpirationRequired(),
	)
	if err != nil || tok == nil || !tok.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !claims.Video.RoomJoin || claims.Video.Room == "" {
		return nil, fmt.Errorf("%w: no room join grant", ErrInvalid)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing identity", ErrInvalid)
	}
	return claims, nil
}
