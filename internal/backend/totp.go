package backend

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// RFC 6238 parameters used by common authenticator apps
const (
	totpDigits = 6
	totpPeriod = 30 // seconds
	totpSkew   = 1  // accept one period either side for clock drift
)

// ValidateTOTP checks code against the base32 secret at time t
func ValidateTOTP(secret, code string, t time.Time) bool {
	if len(code) != totpDigits {
		return false
	}
	key, err := decodeSecret(secret)
	if err != nil {
		return false
	}

	counter := t.Unix() / totpPeriod
	ok := 0
	for i := int64(-totpSkew); i <= totpSkew; i++ {
		ok |= subtle.ConstantTimeCompare([]byte(hotp(key, counter+i)), []byte(code))
	}
	return ok == 1
}

// TOTPCode returns the code for secret at time t
func TOTPCode(secret string, t time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return hotp(key, t.Unix()/totpPeriod), nil
}

func decodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.TrimRight(secret, "="))
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad TOTP secret: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty TOTP secret")
	}
	return key, nil
}

// hotp is RFC 4226 with dynamic truncation
func hotp(key []byte, counter int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(counter))

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	v := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", totpDigits, v%1000000)
}
