package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/roomchat/roomchat/types"
)

// Claims are the claims of the HS256 tokens accepted by the JWTVerifier. The user id is taken from "user_id", or
// from "sub" if that is empty.
type Claims struct {
	jwt.RegisteredClaims
	UserId string `json:"user_id,omitempty"`
}

type JWTVerifier struct {
	secret []byte
	issuer string
	lookup UserLookup
}

func NewJWTVerifier(secret, issuer string, lookup UserLookup) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, lookup: lookup}
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*types.Principal, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userId := claims.UserId
	if userId == "" {
		userId = claims.Subject
	}
	if userId == "" {
		return nil, fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}
	return v.lookup.Lookup(ctx, userId)
}

// Issue signs a token for the given user. A ttl <= 0 issues a token without expiry.
func (v *JWTVerifier) Issue(userId string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userId,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		UserId: userId,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
