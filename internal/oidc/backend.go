package oidc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/al-bashkir/tlsvpnd/internal/auth"
	"github.com/al-bashkir/tlsvpnd/internal/config"
	"github.com/al-bashkir/tlsvpnd/internal/logsanitize"
)

// Backend is an auth.Backend that checks passwords with the provider
type Backend struct {
	provider  *Provider
	validator *Validator
}

// NewBackend discovers the provider and builds the backend
func NewBackend(ctx context.Context, cfg *config.OIDCConfig) (*Backend, error) {
	p, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Backend{provider: p, validator: NewValidator(cfg)}, nil
}

// Name implements auth.Backend
func (b *Backend) Name() string {
	return "oidc"
}

// Begin implements auth.Backend. The exchange is a single password round.
func (b *Backend) Begin(ctx context.Context, client auth.Client) (auth.Exchange, string, error) {
	return &exchange{b: b, username: client.Username}, "Password:", nil
}

type exchange struct {
	b        *Backend
	username string
}

func (e *exchange) Submit(ctx context.Context, password string) (auth.Verdict, error) {
	if password == "" {
		return auth.Verdict{Outcome: auth.Reject}, nil
	}

	tokens, err := e.b.provider.PasswordLogin(ctx, e.username, password)
	if errors.Is(err, ErrInvalidGrant) {
		return auth.Verdict{Outcome: auth.Reject}, nil
	}
	if err != nil {
		return auth.Verdict{}, err
	}

	groups, err := e.b.validator.Authorize(tokens.Claims, e.username)
	if err != nil {
		slog.Warn("token validation failed",
			"username", logsanitize.Sanitize(e.username),
			"error", logsanitize.Sanitize(err.Error()),
		)
		return auth.Verdict{Outcome: auth.Reject}, nil
	}

	return auth.Verdict{
		Outcome:  auth.Accept,
		Username: e.username,
		Groups:   groups,
	}, nil
}
