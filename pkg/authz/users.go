// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package authz

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrBadCredentials indicates an unknown user or wrong password. The two
// cases are deliberately indistinguishable.
var ErrBadCredentials = errors.New("bad credentials")

// User is one entry in the user database file.
type User struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_bcrypt"`
	Scopes       []string `yaml:"scopes"`
}

type userFile struct {
	Users []*User `yaml:"users"`
}

// UserStore is the YAML-file-backed authentication database. Password
// changes rewrite the file via temp-and-rename so a crash never leaves a
// half-written user list.
type UserStore struct {
	path string

	mu    sync.Mutex
	users map[string]*User
}

// LoadUsers reads the user database at path.
func LoadUsers(path string) (*UserStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users %s: %w", path, err)
	}
	var f userFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users %s: %w", path, err)
	}
	s := &UserStore{path: path, users: make(map[string]*User, len(f.Users))}
	for _, u := range f.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("users %s: entry with empty username", path)
		}
		s.users[u.Username] = u
	}
	return s, nil
}

// Verify checks a username/password pair and returns the user on success.
func (s *UserStore) Verify(username, password string) (*User, error) {
	s.mu.Lock()
	u, ok := s.users[username]
	s.mu.Unlock()
	if !ok {
		// Burn a comparison anyway so unknown users cost the same as
		// wrong passwords.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}
	return u, nil
}

// ChangePassword verifies the old password and replaces it with a hash of
// the new one, persisting the updated file.
func (s *UserStore) ChangePassword(username, oldPassword, newPassword string) error {
	if _, err := s.Verify(username, oldPassword); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username].PasswordHash = string(hash)
	return s.saveLocked()
}

func (s *UserStore) saveLocked() error {
	var f userFile
	for _, u := range s.users {
		f.Users = append(f.Users, u)
	}
	// Keep the persisted file diff-stable across rewrites.
	sort.Slice(f.Users, func(i, j int) bool { return f.Users[i].Username < f.Users[j].Username })
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write users: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename users: %w", err)
	}
	return nil
}

// HashPassword returns a bcrypt hash for seeding user files.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
