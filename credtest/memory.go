// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package credtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/identity-credential/go-idcred"
)

// MemoryStore implements idcred.Store using non-persistent memory. The zero
// value is ready to use.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]*idcred.PersonalizedCredential
	saves int
}

var _ idcred.Store = (*MemoryStore)(nil)

// Exists implements idcred.Store.
func (s *MemoryStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.creds[name]
	return ok, nil
}

// SaveCredential implements idcred.Store.
func (s *MemoryStore) SaveCredential(_ context.Context, cred *idcred.PersonalizedCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		s.creds = make(map[string]*idcred.PersonalizedCredential)
	}
	if _, ok := s.creds[cred.Name]; ok {
		return fmt.Errorf("credential %q already exists", cred.Name)
	}
	s.creds[cred.Name] = cred
	s.saves++
	return nil
}

// DeleteCredential implements idcred.Store.
func (s *MemoryStore) DeleteCredential(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, name)
	return nil
}

// Credential returns a saved credential or nil.
func (s *MemoryStore) Credential(name string) *idcred.PersonalizedCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[name]
}

// Saves counts successful calls to SaveCredential.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
