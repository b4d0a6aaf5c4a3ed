// Package session holds the client's access/refresh credential pair.
//
// A Store is the single owner of the live Credential. It is created at
// application start, seeded from a Persister (file, Postgres or memory),
// written by login and by credential renewal, and cleared on logout or when
// renewal fails. The presence of an access token is the only signal of the
// authenticated state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
)

// ErrNoCredential is returned by Token when no access token is held.
var ErrNoCredential = errors.New("session: no access credential")

// Credential is the access/refresh token pair issued by the backend.
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Authenticated reports whether the credential carries an access token.
func (c Credential) Authenticated() bool { return c.AccessToken != "" }

// Token converts the credential into an oauth2 bearer token.
func (c Credential) Token() *oauth2.Token {
	return &oauth2.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken, TokenType: "Bearer"}
}

// Persister stores the credential across process restarts.
// Load returns a zero Credential and nil error when nothing is stored.
type Persister interface {
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, c Credential) error
	Clear(ctx context.Context) error
}

// Store is the process-wide credential holder. The zero value is not usable; call NewStore.
type Store struct {
	mu      sync.RWMutex
	cred    Credential
	persist Persister
}

// NewStore returns a Store backed by p. A nil p keeps the credential in memory only.
func NewStore(p Persister) *Store {
	return &Store{persist: p}
}

// Init seeds the store from persisted state. A load failure leaves the store unauthenticated.
func (s *Store) Init(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	c, err := s.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("load persisted session: %w", err)
	}
	s.mu.Lock()
	s.cred = c
	s.mu.Unlock()
	slog.Debug("session restored", slog.Bool("authenticated", c.Authenticated()), slog.String("component", "session"))
	return nil
}

// Current returns a copy of the live credential.
func (s *Store) Current() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

// AccessToken returns the access token or "".
func (s *Store) AccessToken() string { return s.Current().AccessToken }

// RefreshToken returns the refresh token or "".
func (s *Store) RefreshToken() string { return s.Current().RefreshToken }

// Authenticated reports whether an access token is held.
func (s *Store) Authenticated() bool { return s.Current().Authenticated() }

// Token implements oauth2.TokenSource.
func (s *Store) Token() (*oauth2.Token, error) {
	c := s.Current()
	if !c.Authenticated() {
		return nil, ErrNoCredential
	}
	return c.Token(), nil
}

// Set replaces the credential after a successful login. The in-memory value is
// updated even when persisting fails; the persistence error is returned.
func (s *Store) Set(ctx context.Context, c Credential) error {
	if c.AccessToken == "" {
		return errors.New("session: credential without access token")
	}
	s.mu.Lock()
	s.cred = c
	s.mu.Unlock()
	return s.save(ctx, c)
}

// SetRenewed stores a renewed access token. An empty refresh keeps the current refresh token.
func (s *Store) SetRenewed(ctx context.Context, access, refresh string) error {
	if access == "" {
		return errors.New("session: renewal without access token")
	}
	s.mu.Lock()
	if refresh == "" {
		refresh = s.cred.RefreshToken
	}
	s.cred = Credential{AccessToken: access, RefreshToken: refresh}
	c := s.cred
	s.mu.Unlock()
	return s.save(ctx, c)
}

// Clear drops both tokens, in memory and in persisted storage.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.cred = Credential{}
	s.mu.Unlock()
	if s.persist == nil {
		return nil
	}
	if err := s.persist.Clear(ctx); err != nil {
		return fmt.Errorf("clear persisted session: %w", err)
	}
	return nil
}

func (s *Store) save(ctx context.Context, c Credential) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.Save(ctx, c); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

var _ oauth2.TokenSource = (*Store)(nil)
