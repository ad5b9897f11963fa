// Package credential supplies the bearer credential to the engine and extracts identity from it.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/chatsync/internal/errs"
)

// Accessor supplies a bearer credential or reports errs.ErrNoCredential.
type Accessor interface {
	Token(ctx context.Context) (string, error)
}

// Static is an Accessor backed by a fixed token.
type Static string

// Token returns the fixed token or ErrNoCredential when empty.
func (s Static) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errs.ErrNoCredential
	}
	return string(s), nil
}

// Chain tries each accessor in order and returns the first credential found.
// Only errs.ErrNoCredential moves on to the next accessor.
type Chain []Accessor

// Token implements Accessor.
func (c Chain) Token(ctx context.Context) (string, error) {
	for _, a := range c {
		if a == nil {
			continue
		}
		tok, err := a.Token(ctx)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, errs.ErrNoCredential) {
			return "", err
		}
	}
	return "", errs.ErrNoCredential
}

// ---- file store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// FileStore persists a single token as JSON under Dir.
type FileStore struct {
	Dir string
	now func() time.Time
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore { return &FileStore{Dir: dir, now: time.Now} }

// DefaultDir returns $XDG_CONFIG_HOME/chatsync or ~/.config/chatsync.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "chatsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "chatsync")
}

func (f *FileStore) path() string { return filepath.Join(f.Dir, "token.json") }

func (f *FileStore) clock() time.Time {
	if f.now == nil {
		return time.Now()
	}
	return f.now()
}

// Save writes the token; expiry is taken from the JWT exp claim, 15 minutes if absent.
func (f *FileStore) Save(tok string) error {
	if strings.TrimSpace(tok) == "" {
		return errs.ErrNoCredential
	}
	exp := f.clock().Add(15 * time.Minute)
	if id := ParseIdentity(tok); !id.ExpiresAt.IsZero() {
		exp = id.ExpiresAt
	}
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tokenFile{AccessToken: tok, ExpiresAt: exp}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path(), b, 0o600)
}

// Token loads a non-expired token.
func (f *FileStore) Token(context.Context) (string, error) {
	b, err := os.ReadFile(f.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errs.ErrNoCredential
		}
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || f.clock().After(tf.ExpiresAt) {
		return "", errs.ErrNoCredential
	}
	return tf.AccessToken, nil
}

// Clear removes the stored token.
func (f *FileStore) Clear() error {
	err := os.Remove(f.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ---- identity ----

// DefaultUsername is used when the credential carries no readable name.
const DefaultUsername = "User"

// Identity is what the client learns about itself from the credential's claims.
type Identity struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

var (
	nameClaims = []string{
		"unique_name", "name", "username", "preferred_username",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name",
		"sub",
	}
	idClaims = []string{
		"nameid", "userId", "uid",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier",
		"sub",
	}
)

// ParseIdentity reads claims without verifying the signature; the server verifies.
// It never fails: unreadable tokens yield DefaultUsername.
func ParseIdentity(tok string) Identity {
	id := Identity{Username: DefaultUsername}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return id
	}
	if v := firstString(claims, nameClaims); v != "" {
		id.Username = v
	}
	id.UserID = firstString(claims, idClaims)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id
}

func firstString(claims jwt.MapClaims, keys []string) string {
	for _, k := range keys {
		if s, ok := claims[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
