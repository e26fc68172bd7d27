package security

import (
	"time"

	"github.com/cwrk-planet/signaling-service/internal/domain"

	"github.com/golang-jwt/jwt"
)

// JoinSigner issues and verifies short-lived join tokens handed out by
// the REST surface and redeemed at the WS connect. Signer and verifier
// are the same process, so SigningMethodHS256 over a shared secret.
type JoinSigner struct {
	secret    []byte
	issuer    string
	audience  string
	ttl       time.Duration
	clockSkew time.Duration
}

func NewJoinSigner(secret []byte, issuer, audience string, ttl, clockSkew time.Duration) *JoinSigner {
	return &JoinSigner{
		secret:    secret,
		issuer:    issuer,
		audience:  audience,
		ttl:       ttl,
		clockSkew: clockSkew,
	}
}

func (s *JoinSigner) TTL() time.Duration {
	return s.ttl
}

type JoinClaims struct {
	jwt.StandardClaims
	RoomID      string `json:"room"`
	DisplayName string `json:"name"`
	Admin       bool   `json:"admin,omitempty"`
}

// Sign issues a token with sub=participantID and exp=now+ttl.
func (s *JoinSigner) Sign(participantID, roomID, displayName string, admin bool, now time.Time) (string, error) {
	claims := JoinClaims{
		StandardClaims: jwt.StandardClaims{
			Subject:   participantID,
			Issuer:    s.issuer,
			Audience:  s.audience,
			IssuedAt:  now.Unix(),
			NotBefore: now.Add(-s.clockSkew).Unix(),
			ExpiresAt: now.Add(s.ttl).Unix(),
		},
		RoomID:      roomID,
		DisplayName: displayName,
		Admin:       admin,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(s.secret)
}

func (s *JoinSigner) ParseAndValidate(tokenStr string) (*JoinClaims, error) {
	claims := &JoinClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, domain.ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, domain.ErrInvalidToken
	}
	if !token.Valid {
		return nil, domain.ErrInvalidToken
	}

	if !claims.VerifyIssuer(s.issuer, true) {
		return nil, domain.ErrInvalidToken
	}
	if !claims.VerifyAudience(s.audience, true) {
		return nil, domain.ErrInvalidToken
	}

	// временные клеймы с допуском clockSkew
	now := time.Now()
	nbf := time.Unix(claims.NotBefore, 0).Add(-s.clockSkew)
	exp := time.Unix(claims.ExpiresAt, 0).Add(s.clockSkew)
	if now.Before(nbf) || now.After(exp) {
		return nil, domain.ErrTokenExpired
	}

	if claims.Subject == "" || claims.RoomID == "" {
		return nil, domain.ErrInvalidToken
	}

	return claims, nil
}
