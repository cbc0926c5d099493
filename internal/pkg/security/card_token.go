// Package security signs the verification payload printed on membership cards.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid card token")
	ErrCardExpired  = errors.New("card expired")
)

type CardTokenClaims struct {
	MembershipNumber string `json:"num"`
	UserID           string `json:"uid"`
	ValidUntil       int64  `json:"exp"`
}

// CardSigner issues and checks card tokens. Tokens carry no secret data; the
// HMAC only proves the card was issued by this deployment.
type CardSigner struct {
	secret []byte
	now    func() time.Time
}

func NewCardSigner(secret string) (*CardSigner, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("secret is required for card tokens")
	}
	return &CardSigner{secret: []byte(secret), now: time.Now}, nil
}

// Token signs the card's number, owner and validity end.
func (s *CardSigner) Token(number, userID string, validUntil time.Time) (string, error) {
	payload, err := json.Marshal(CardTokenClaims{
		MembershipNumber: number,
		UserID:           userID,
		ValidUntil:       validUntil.Unix(),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s",
		base64.RawURLEncoding.EncodeToString(payload),
		base64.RawURLEncoding.EncodeToString(s.sign(payload)),
	), nil
}

// Verify returns the claims of a well-signed token. An expired card returns
// its claims together with ErrCardExpired.
func (s *CardSigner) Verify(token string) (*CardTokenClaims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(sig, s.sign(payload)) {
		return nil, ErrInvalidToken
	}
	var claims CardTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.ValidUntil > 0 && s.now().Unix() > claims.ValidUntil {
		return &claims, ErrCardExpired
	}
	return &claims, nil
}

func (s *CardSigner) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
