// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package idcred

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Provisioner creates credentials for provisioning and deletes provisioned
// ones.
//
// A name is held by at most one Credential of a Provisioner at a time, from
// CreateCredential until the Credential is abandoned or deleted. Names are
// tracked per Provisioner, so a KeyStore must not be shared between
// Provisioners.
type Provisioner struct {
	// Keys holds CredentialKeys. It is required.
	Keys KeyStore

	// Store, if set, receives each credential after personalization and is
	// consulted to reject names which are taken.
	Store Store

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Credential
}

func (p *Provisioner) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// CreateCredential begins provisioning of a credential. It fails with
// ErrAlreadyPersonalized if the Store, or this Provisioner, already has a
// personalized credential with the name, and with ErrCredentialInProgress if
// another Credential for the name has not yet been personalized or
// abandoned.
//
// Any key left behind for the name by an abandoned provisioning attempt is
// destroyed, so the returned Credential never shares its CredentialKey. The
// new key is created by the first call to CertificateChain or Personalize.
func (p *Provisioner) CreateCredential(ctx context.Context, name, docType string) (*Credential, error) {
	if p.Keys == nil {
		return nil, errors.New("provisioner has no key store")
	}
	if name == "" {
		return nil, errors.New("credential name must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if other, ok := p.active[name]; ok {
		if other.Personalized() {
			return nil, fmt.Errorf("%w: %q", ErrAlreadyPersonalized, name)
		}
		return nil, fmt.Errorf("%w: %q", ErrCredentialInProgress, name)
	}
	if p.Store != nil {
		exists, err := p.Store.Exists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		if exists {
			return nil, fmt.Errorf("%w: %q", ErrAlreadyPersonalized, name)
		}
	}

	alias := KeyAlias(name)
	if err := p.Keys.DeleteKey(ctx, alias); err != nil {
		return nil, fmt.Errorf("error deleting stale credential key: %w", err)
	}

	cred := &Credential{
		name:    name,
		docType: docType,
		alias:   alias,
		keys:    p.Keys,
		store:   p.Store,
		log:     p.logger(),
		release: func(c *Credential) { p.release(name, c) },
	}
	if p.active == nil {
		p.active = make(map[string]*Credential)
	}
	p.active[name] = cred
	p.logger().Debug("creating credential", "credential", name, "docType", docType)
	return cred, nil
}

// release frees the name if it is still held by c.
func (p *Provisioner) release(name string, c *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[name] == c {
		delete(p.active, name)
	}
}

// DeleteCredential removes a credential from the Store and destroys its
// CredentialKey. A Credential of this Provisioner still being provisioned
// under the name is abandoned first.
func (p *Provisioner) DeleteCredential(ctx context.Context, name string) error {
	if p.Keys == nil {
		return errors.New("provisioner has no key store")
	}

	p.mu.Lock()
	cred := p.active[name]
	delete(p.active, name)
	p.mu.Unlock()
	if cred != nil {
		// Waits for a call in progress on the credential
		cred.abandon()
	}

	if p.Store != nil {
		if err := p.Store.DeleteCredential(ctx, name); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	if err := p.Keys.DeleteKey(ctx, KeyAlias(name)); err != nil {
		return fmt.Errorf("error deleting credential key: %w", err)
	}
	p.logger().Debug("deleted credential", "credential", name)
	return nil
}
