package config

import (
	"fmt"
	"strings"
)

// AuthTypes is the set of enabled authentication methods.
// PAM and Plain are username/password methods, so enabling either
// always enables Password as well.
type AuthTypes struct {
	Password    bool
	PAM         bool
	Certificate bool
	Plain       bool
}

// ParseAuthTypes builds the method set from configuration names and
// applies the implication rules. An empty set is rejected.
func ParseAuthTypes(names []string) (AuthTypes, error) {
	var t AuthTypes
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "password":
			t.Password = true
		case "pam":
			t.PAM = true
		case "certificate":
			t.Certificate = true
		case "plain":
			t.Plain = true
		default:
			return AuthTypes{}, fmt.Errorf("unknown authentication type %q", name)
		}
	}
	t = t.normalize()
	if t.Empty() {
		return AuthTypes{}, fmt.Errorf("at least one authentication type is required")
	}
	return t, nil
}

func (t AuthTypes) normalize() AuthTypes {
	if t.PAM || t.Plain {
		t.Password = true
	}
	return t
}

// Empty reports whether no method is enabled
func (t AuthTypes) Empty() bool {
	return !t.Password && !t.Certificate
}

// RequiresPassword reports whether clients must submit a password
func (t AuthTypes) RequiresPassword() bool {
	return t.Password
}

// CertificateOnly reports whether the client certificate alone authenticates
func (t AuthTypes) CertificateOnly() bool {
	return t.Certificate && !t.Password
}

// String lists enabled methods, e.g. "password+plain+certificate".
func (t AuthTypes) String() string {
	var parts []string
	if t.Password {
		parts = append(parts, "password")
	}
	if t.PAM {
		parts = append(parts, "pam")
	}
	if t.Plain {
		parts = append(parts, "plain")
	}
	if t.Certificate {
		parts = append(parts, "certificate")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}
