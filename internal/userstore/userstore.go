// Package userstore is a reference implementation of the external user
// store the specification brackets out of the core (§3 User: "created by
// admin flow (out of scope), stored by an external user store"). It exists
// so the HTTP adapter has somewhere to authenticate against; nothing in
// internal/access, internal/jwtauth, or internal/rbac imports it.
package userstore

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/rbac"
)

// User is the specification's User record (§3), plus the password hash an
// external store would carry alongside it.
type User struct {
	ID           string
	Username     string
	Email        string
	Role         rbac.Role
	Active       bool
	PasswordHash string `json:"-"`
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

func (u User) asRBAC() rbac.User {
	return rbac.User{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role, Active: u.Active}
}

// Store is the in-memory reference user store. Passwords are hashed with
// bcrypt: unlike the Agent Registry's opaque token (hashed with SHA-256
// because it is presented on every heartbeat), logins are infrequent and
// benefit from bcrypt's deliberate slowness against offline cracking.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*User
	byName map[string]string // username -> id
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*User),
		byName: make(map[string]string),
	}
}

// Seed creates a user unconditionally (used at bootstrap to provision the
// first admin), bypassing the unique-username check. Callers must ensure
// uniqueness themselves.
func (s *Store) Seed(username, email, password string, role rbac.Role) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		Role:         role,
		Active:       true,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	s.byID[u.ID] = u
	s.byName[username] = u.ID
	return u, nil
}

// Create adds a new user, rejecting duplicate usernames.
func (s *Store) Create(username, email, password string, role rbac.Role) (*User, error) {
	s.mu.Lock()
	if _, exists := s.byName[username]; exists {
		s.mu.Unlock()
		return nil, apperrors.ValidationFailed("username already exists")
	}
	s.mu.Unlock()
	return s.Seed(username, email, password, role)
}

// Get returns a user by id.
func (s *Store) Get(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, apperrors.UserNotFound(id)
	}
	cp := *u
	return &cp, nil
}

// List returns every user, ordered by creation time.
func (s *Store) List() []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.byID))
	for _, u := range s.byID {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetActive flips a user's active flag.
func (s *Store) SetActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return apperrors.UserNotFound(id)
	}
	u.Active = active
	return nil
}

// SetRole updates a user's role.
func (s *Store) SetRole(id string, role rbac.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return apperrors.UserNotFound(id)
	}
	u.Role = role
	return nil
}

// Delete removes a user.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return apperrors.UserNotFound(id)
	}
	delete(s.byID, id)
	delete(s.byName, u.Username)
	return nil
}

// VerifyPassword authenticates username/password and returns the rbac.User
// view the JWT Provider mints claims from.
func (s *Store) VerifyPassword(username, password string) (rbac.User, error) {
	s.mu.RLock()
	id, ok := s.byName[username]
	if !ok {
		s.mu.RUnlock()
		return rbac.User{}, apperrors.Unauthorized("invalid credentials")
	}
	u := s.byID[id]
	s.mu.RUnlock()

	if !u.Active {
		return rbac.User{}, apperrors.UserDisabled(username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return rbac.User{}, apperrors.Unauthorized("invalid credentials")
	}

	s.mu.Lock()
	now := time.Now()
	u.LastLoginAt = &now
	s.mu.Unlock()

	return u.asRBAC(), nil
}

// GetByUsername returns the rbac.User view, used by the refresh-token flow
// to re-derive current role/active for a subject already on a valid token.
func (s *Store) GetByUsername(username string) (rbac.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[username]
	if !ok {
		return rbac.User{}, apperrors.UserNotFound(username)
	}
	u := s.byID[id]
	if !u.Active {
		return rbac.User{}, apperrors.UserDisabled(username)
	}
	return u.asRBAC(), nil
}
