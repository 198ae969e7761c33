package oidc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// TokenData contains the tokens and claims returned from the OIDC provider.
type TokenData struct {
	AccessToken string `json:"-"`

	// IDToken is the raw ID token (JWT); tagged json:"-" because it
	// encodes identity claims in a base64-decodable payload.
	IDToken string `json:"-"`

	// Claims are the parsed claims from the ID token
	Claims map[string]interface{}

	Expiry time.Time
}

// PasswordLogin trades a username and password for tokens. A refusal by
// the provider is reported as ErrInvalidGrant; any other error means the
// provider could not be asked.
func (p *Provider) PasswordLogin(ctx context.Context, username, password string) (*TokenData, error) {
	ctx = oidc.ClientContext(ctx, p.client)
	token, err := p.oauth2Config.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && (re.ErrorCode == "invalid_grant" || (re.Response != nil && re.Response.StatusCode == 401)) {
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("failed to request token: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in token response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}

	// Keycloak puts realm_access and resource_access in the access token,
	// not the ID token.
	mergeAccessTokenClaims(token.AccessToken, claims)

	return &TokenData{
		AccessToken: token.AccessToken,
		IDToken:     rawIDToken,
		Claims:      claims,
		Expiry:      token.Expiry,
	}, nil
}

// mergeAccessTokenClaims decodes a JWT access token's payload and merges
// role-related claims into dst. ID token claims take precedence.
// Not all access tokens are JWTs, so failures are only logged.
func mergeAccessTokenClaims(accessToken string, dst map[string]interface{}) {
	if accessToken == "" {
		return
	}

	atClaims, err := decodeJWTPayload(accessToken)
	if err != nil {
		slog.Debug("could not decode access token as JWT (may be opaque)", "error", err)
		return
	}

	mergeKeys := []string{"resource_access", "realm_access", "groups"}

	for _, key := range mergeKeys {
		if _, exists := dst[key]; !exists {
			if val, ok := atClaims[key]; ok {
				dst[key] = val
				slog.Debug("merged claim from access token", "claim", key)
			}
		}
	}
}

// decodeJWTPayload decodes the payload (second segment) of a JWT without
// checking its signature. It is only applied to an access token received
// directly from the token endpoint.
func decodeJWTPayload(token string) (map[string]interface{}, error) {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("not a valid JWT: expected 3 parts, got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}

	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT payload: %w", err)
	}

	return claims, nil
}
