package backend

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Special selectors accepted in place of a subject OID
const (
	SANEmail = "SAN(rfc822name)"
	SANDNS   = "SAN(dnsname)"
)

// ErrNoCertUser is returned when the certificate has no username attribute
var ErrNoCertUser = errors.New("certificate carries no username")

// CertIdentity extracts the username and groups a client certificate
// asserts. Each selector is a dotted subject attribute OID ("2.5.4.3" for
// the common name) or one of the SAN selectors. groupSel may be empty.
type CertIdentity struct {
	user     selector
	group    selector
	hasGroup bool
}

type selector struct {
	oid asn1.ObjectIdentifier
	san string
}

// NewCertIdentity parses the username and group selectors
func NewCertIdentity(userSel, groupSel string) (*CertIdentity, error) {
	ci := &CertIdentity{}
	var err error
	if ci.user, err = parseSelector(userSel); err != nil {
		return nil, fmt.Errorf("user selector: %w", err)
	}
	if groupSel != "" {
		if ci.group, err = parseSelector(groupSel); err != nil {
			return nil, fmt.Errorf("group selector: %w", err)
		}
		ci.hasGroup = true
	}
	return ci, nil
}

func parseSelector(s string) (selector, error) {
	switch strings.TrimSpace(s) {
	case SANEmail, SANDNS:
		return selector{san: strings.TrimSpace(s)}, nil
	case "":
		return selector{}, fmt.Errorf("empty selector")
	}
	oid, err := ParseOID(s)
	if err != nil {
		return selector{}, err
	}
	return selector{oid: oid}, nil
}

// ParseOID parses a dotted object identifier such as "0.9.2342.19200300.100.1.1"
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid OID %q", s)
		}
		oid[i] = n
	}
	return oid, nil
}

// Identify returns the username and groups of cert
func (ci *CertIdentity) Identify(cert *x509.Certificate) (string, []string, error) {
	if cert == nil {
		return "", nil, ErrNoCertUser
	}
	users := ci.user.values(cert)
	if len(users) == 0 || users[0] == "" {
		return "", nil, ErrNoCertUser
	}
	var groups []string
	if ci.hasGroup {
		for _, g := range ci.group.values(cert) {
			if g != "" {
				groups = append(groups, g)
			}
		}
	}
	return users[0], groups, nil
}

func (s selector) values(cert *x509.Certificate) []string {
	switch s.san {
	case SANEmail:
		return cert.EmailAddresses
	case SANDNS:
		return cert.DNSNames
	}
	var out []string
	for _, atv := range cert.Subject.Names {
		if !atv.Type.Equal(s.oid) {
			continue
		}
		if v, ok := atv.Value.(string); ok {
			out = append(out, v)
		}
	}
	return out
}
