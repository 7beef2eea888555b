package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/roomchat/roomchat/config"
	"github.com/roomchat/roomchat/persistence"
	"github.com/roomchat/roomchat/types"
)

// OIDCVerifier verifies ID tokens of an OpenID Connect provider. The "email" claim is used as the user id, unknown
// users are created on first sight with the "name" claim (or the email) as nick.
type OIDCVerifier struct {
	name     string
	verifier *oidc.IDTokenVerifier
	users    UserStore
}

type oidcClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func NewOIDCVerifier(ctx context.Context, cfg config.OIDCConfig, users UserStore) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, cfg.ProviderUrl)
	if err != nil {
		return nil, fmt.Errorf("oidc provider %s: %w", cfg.Name, err)
	}
	conf := oidc.Config{}
	if cfg.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = cfg.ClientId
	}
	return &OIDCVerifier{name: cfg.Name, verifier: provider.Verifier(&conf), users: users}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, token string) (*types.Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims := oidcClaims{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return v.provision(ctx, claims)
}

func (v *OIDCVerifier) provision(ctx context.Context, claims oidcClaims) (*types.Principal, error) {
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: no email claim", ErrInvalidToken)
	}
	user, err := v.users.GetUser(ctx, claims.Email)
	if err == nil {
		return user.Principal(), nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	nick := claims.Name
	if nick == "" {
		nick = claims.Email
	}
	user = &types.User{Id: claims.Email, Nick: nick}
	if err := v.users.StoreUser(ctx, user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	return user.Principal(), nil
}
