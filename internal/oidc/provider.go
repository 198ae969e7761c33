// Package oidc verifies VPN usernames and passwords against an OpenID
// Connect provider using the resource owner password grant.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/tlsvpnd/internal/config"
)

// ErrInvalidGrant is returned when the provider refuses the credentials
var ErrInvalidGrant = errors.New("provider rejected credentials")

// requestTimeout bounds every request to the provider, including key set
// refreshes that outlive the caller's context.
var requestTimeout = 10 * time.Second

// Provider wraps the OIDC provider and OAuth2 configuration.
// It handles provider discovery, the password grant and ID token verification.
type Provider struct {
	oidcProvider *oidc.Provider
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	client       *http.Client
}

// NewProvider creates a new OIDC provider using the specified configuration.
// It performs OIDC discovery via /.well-known/openid-configuration
// and sets up the OAuth2 configuration and ID token verifier.
func NewProvider(ctx context.Context, cfg *config.OIDCConfig) (*Provider, error) {
	client := &http.Client{Timeout: requestTimeout}
	ctx = oidc.ClientContext(ctx, client)

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       cfg.Scopes,
	}

	// Verifies signature, issuer, audience and expiry
	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
	})

	return &Provider{
		oidcProvider: provider,
		oauth2Config: oauth2Config,
		verifier:     verifier,
		client:       client,
	}, nil
}
