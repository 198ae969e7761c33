// Package backend holds the credential verifiers the controller's
// authentication machines talk to: a plain password file and the client
// certificate identity extractor.
package backend

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/al-bashkir/tlsvpnd/internal/auth"
	"golang.org/x/crypto/bcrypt"
)

const (
	passwordPrompt = "Password:"
	otpPrompt      = "Verification code:"
)

// ErrPasswdFormat is returned for a malformed password file line
var ErrPasswdFormat = errors.New("malformed password file entry")

type plainUser struct {
	hash   string
	groups []string
	otp    string // base32 TOTP secret, empty when not enrolled
}

// Plain verifies passwords against a file of lines
//
//	username:group1,group2:hash[:totp-secret]
//
// Hashes are bcrypt or argon2id. Users with a TOTP secret get a second
// challenge round. The file is re-read when its modification time changes.
type Plain struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	modTime time.Time
	size    int64
	users   map[string]plainUser
}

// NewPlain loads the password file at path
func NewPlain(path string) (*Plain, error) {
	p := &Plain{path: path, now: time.Now}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Name implements auth.Backend
func (p *Plain) Name() string {
	return "plain"
}

// Begin implements auth.Backend
func (p *Plain) Begin(ctx context.Context, client auth.Client) (auth.Exchange, string, error) {
	if err := p.reload(); err != nil {
		return nil, "", err
	}
	return &plainExchange{p: p, username: client.Username}, passwordPrompt, nil
}

func (p *Plain) lookup(username string) (plainUser, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[username]
	return u, ok
}

func (p *Plain) reload() error {
	st, err := os.Stat(p.path)
	if err != nil {
		return fmt.Errorf("failed to stat password file: %w", err)
	}

	p.mu.Lock()
	unchanged := p.users != nil && st.ModTime().Equal(p.modTime) && st.Size() == p.size
	p.mu.Unlock()
	if unchanged {
		return nil
	}

	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("failed to open password file: %w", err)
	}
	defer f.Close()

	users, err := parsePasswd(f)
	if err != nil {
		return fmt.Errorf("%s: %w", p.path, err)
	}

	p.mu.Lock()
	p.users = users
	p.modTime = st.ModTime()
	p.size = st.Size()
	p.mu.Unlock()
	return nil
}

func parsePasswd(r io.Reader) (map[string]plainUser, error) {
	users := make(map[string]plainUser)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, ":")
		if len(fields) < 3 || len(fields) > 4 || fields[0] == "" || fields[2] == "" {
			return nil, fmt.Errorf("line %d: %w", line, ErrPasswdFormat)
		}
		u := plainUser{hash: fields[2]}
		for _, g := range strings.Split(fields[1], ",") {
			if g = strings.TrimSpace(g); g != "" && g != "*" {
				u.groups = append(u.groups, g)
			}
		}
		if len(fields) == 4 {
			u.otp = fields[3]
		}
		users[fields[0]] = u
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

type plainExchange struct {
	p        *Plain
	username string
	user     plainUser
	passed   bool // password verified, waiting for the code
}

func (e *plainExchange) Submit(ctx context.Context, response string) (auth.Verdict, error) {
	if e.passed {
		if !ValidateTOTP(e.user.otp, response, e.p.now()) {
			return auth.Verdict{Outcome: auth.Reject}, nil
		}
		return e.accept(), nil
	}

	u, ok := e.p.lookup(e.username)
	if !ok {
		// Same cost as a real check so unknown users are not observable.
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(response))
		return auth.Verdict{Outcome: auth.Reject}, nil
	}
	match, err := checkPassword(u.hash, response)
	if err != nil {
		return auth.Verdict{}, err
	}
	if !match {
		return auth.Verdict{Outcome: auth.Reject}, nil
	}

	e.user = u
	if u.otp != "" {
		e.passed = true
		return auth.Verdict{Outcome: auth.Continue, Prompt: otpPrompt}, nil
	}
	return e.accept(), nil
}

func (e *plainExchange) accept() auth.Verdict {
	return auth.Verdict{
		Outcome:  auth.Accept,
		Username: e.username,
		Groups:   append([]string(nil), e.user.groups...),
	}
}

var (
	dummyOnce sync.Once
	dummy     []byte
)

func dummyHash() []byte {
	dummyOnce.Do(func() {
		pw := make([]byte, 16)
		_, _ = rand.Read(pw)
		dummy, _ = bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
	})
	return dummy
}

// checkPassword compares password with a stored bcrypt or argon2id hash.
// An error means the stored hash itself is unusable.
func checkPassword(hash, password string) (bool, error) {
	switch {
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("bad bcrypt hash: %w", err)
		}
		return true, nil
	case strings.HasPrefix(hash, "$argon2id$"):
		return checkArgon2(hash, password)
	}
	return false, fmt.Errorf("unsupported password hash format")
}

// HashPassword produces a bcrypt hash suitable for the password file
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}
