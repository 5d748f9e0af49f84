package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcdev12/couplet/go/internal/config"
	"github.com/mcdev12/couplet/go/internal/models"
	"github.com/mcdev12/couplet/go/internal/profile"
)

// ErrUnauthenticated is returned for missing, invalid or expired tokens
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator maps a bearer token to a user id
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Directory is the relay's in-memory user directory. It authenticates bearer
// tokens and serves profiles for the profile service.
//
// With a secret configured, tokens are HS256 JWTs whose subject is the user id.
// Without one, the token is the user id itself.
type Directory struct {
	secret []byte

	mu    sync.RWMutex
	users map[string]models.Player
}

var _ profile.ProfileApp = (*Directory)(nil)

// NewDirectory creates a directory seeded with the configured users
func NewDirectory(secret string, users []config.RelayUser) *Directory {
	d := &Directory{
		secret: []byte(secret),
		users:  make(map[string]models.Player, len(users)),
	}
	for _, u := range users {
		d.Put(models.Player{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL})
	}
	return d
}

// Put adds or replaces a profile
func (d *Directory) Put(p models.Player) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[p.ID] = p
}

// Authenticate validates the token and returns the user id it names
func (d *Directory) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	if len(d.secret) == 0 {
		return token, nil
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return d.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// GetProfile returns the stored profile for the user
func (d *Directory) GetProfile(_ context.Context, userID string) (models.Player, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.users[userID]
	if !ok {
		return models.Player{}, fmt.Errorf("%w: %s", profile.ErrNotFound, userID)
	}
	return p, nil
}

// IssueToken signs a token for the user. Used by dev tooling and tests.
func (d *Directory) IssueToken(userID string, ttl time.Duration) (string, error) {
	if len(d.secret) == 0 {
		return userID, nil
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
}
