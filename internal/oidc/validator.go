package oidc

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/al-bashkir/tlsvpnd/internal/config"
)

// Claim check failures
var (
	ErrClaimMissing     = errors.New("claim missing")
	ErrClaimType        = errors.New("claim has an unexpected type")
	ErrUsernameMismatch = errors.New("token issued for another user")
	ErrMissingRole      = errors.New("none of the required roles granted")
)

// Validator checks the claims of a verified ID token against the VPN
// login and derives the session groups from them. Signature, issuer,
// audience and expiry are already checked by go-oidc.
type Validator struct {
	usernameClaim string
	roleClaim     string
	required      []string
	groupClaim    string
}

// NewValidator creates a validator for the configured claims
func NewValidator(cfg *config.OIDCConfig) *Validator {
	return &Validator{
		usernameClaim: cfg.UsernameClaim,
		roleClaim:     cfg.RoleClaim,
		required:      cfg.RequiredRoles,
		groupClaim:    cfg.GroupClaim,
	}
}

// Authorize checks that claims belong to username and grant one of the
// required roles, and returns the groups the token asserts.
func (v *Validator) Authorize(claims map[string]any, username string) ([]string, error) {
	name, err := lookupString(claims, v.usernameClaim)
	if err != nil {
		return nil, fmt.Errorf("username claim: %w", err)
	}
	if name != username {
		return nil, fmt.Errorf("%w: login %q, token %q", ErrUsernameMismatch, username, name)
	}

	if len(v.required) > 0 {
		roles, err := lookupStrings(claims, v.roleClaim)
		if err != nil {
			return nil, fmt.Errorf("role claim: %w", err)
		}
		if !slices.ContainsFunc(v.required, func(r string) bool { return slices.Contains(roles, r) }) {
			return nil, fmt.Errorf("%w: want one of %v", ErrMissingRole, v.required)
		}
	}

	return v.groups(claims), nil
}

// groups reads the group claim. A missing claim yields no groups, so the
// session falls back to the default group.
func (v *Validator) groups(claims map[string]any) []string {
	if v.groupClaim == "" {
		return nil
	}
	gs, err := lookupStrings(claims, v.groupClaim)
	if err != nil {
		return nil
	}
	// Keycloak reports group paths ("/staff")
	for i, g := range gs {
		gs[i] = strings.TrimPrefix(g, "/")
	}
	return gs
}

// lookup walks a dotted claim path such as "realm_access.roles"
func lookup(claims map[string]any, path string) (any, error) {
	var cur any = claims
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrClaimMissing, path)
		}
		if cur, ok = m[key]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrClaimMissing, path)
		}
	}
	return cur, nil
}

func lookupString(claims map[string]any, path string) (string, error) {
	v, err := lookup(claims, path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T", ErrClaimType, path, v)
	}
	return s, nil
}

// lookupStrings reads a string or string array claim into a fresh slice.
// Non-string array members are skipped.
func lookupStrings(claims map[string]any, path string) ([]string, error) {
	v, err := lookup(claims, path)
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return slices.Clone(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s is %T", ErrClaimType, path, v)
}
