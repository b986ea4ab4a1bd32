// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package soft implements a software key store for CredentialKeys. Keys are
// ECDSA P-256 keys held in memory and, when a directory is configured,
// persisted as PKCS#8 files.
//
// Software keys can sign anything their holder asks them to, so issuers
// should treat credentials provisioned with them as lower assurance. Their
// attestations never carry the identity credential tag.
package soft

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/identity-credential/go-idcred"
	"github.com/identity-credential/go-idcred/attest"
)

const keyFileExt = ".p8"

// KeyStore is a software idcred.KeyStore. The zero value holds keys in memory
// and cannot attest.
type KeyStore struct {
	// Dir, if set, is where keys are persisted. Keys are reloaded from it by
	// alias.
	Dir string

	// Issuer signs attestation certificates. Its security level and identity
	// credential tag are overridden to describe a software key. When nil,
	// AttestKey fails with idcred.ErrUnsupportedHardware.
	Issuer *attest.Issuer

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
}

var _ idcred.KeyStore = (*KeyStore)(nil)

func (ks *KeyStore) logger() *slog.Logger {
	if ks.Logger == nil {
		return slog.Default()
	}
	return ks.Logger
}

// CreateKey implements idcred.KeyStore.
func (ks *KeyStore) CreateKey(ctx context.Context, alias string) (crypto.Signer, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if key, err := ks.load(alias); err != nil || key != nil {
		return key, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("error generating key: %w", err)
	}
	if err := ks.persist(alias, key); err != nil {
		return nil, err
	}
	ks.keys[alias] = key
	ks.logger().DebugContext(ctx, "created software key", "alias", alias, "persisted", ks.Dir != "")
	return key, nil
}

// AttestKey implements idcred.KeyStore.
func (ks *KeyStore) AttestKey(ctx context.Context, alias string, challenge []byte) ([]*x509.Certificate, error) {
	if ks.Issuer == nil {
		return nil, fmt.Errorf("%w: software key store has no attestation issuer", idcred.ErrUnsupportedHardware)
	}

	ks.mu.Lock()
	key, err := ks.load(alias)
	ks.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("no key for alias %q", alias)
	}

	iss := *ks.Issuer
	iss.SecurityLevel = attest.Software
	iss.IdentityCredentialKey = false
	chain, err := iss.Issue(key.Public(), challenge)
	if err != nil {
		return nil, err
	}
	ks.logger().DebugContext(ctx, "attested software key", "alias", alias)
	return chain, nil
}

// DeleteKey implements idcred.KeyStore.
func (ks *KeyStore) DeleteKey(ctx context.Context, alias string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	delete(ks.keys, alias)
	if ks.Dir == "" {
		return nil
	}
	if err := os.Remove(ks.path(alias)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error removing key file: %w", err)
	}
	ks.logger().DebugContext(ctx, "deleted software key", "alias", alias)
	return nil
}

// HardwareBacked implements idcred.KeyStore. Software keys are never
// hardware-backed.
func (ks *KeyStore) HardwareBacked() bool { return false }

// load returns the key for alias from memory or disk, or nil if it does not
// exist. ks.mu must be held.
func (ks *KeyStore) load(alias string) (*ecdsa.PrivateKey, error) {
	if ks.keys == nil {
		ks.keys = make(map[string]*ecdsa.PrivateKey)
	}
	if key, ok := ks.keys[alias]; ok {
		return key, nil
	}
	if ks.Dir == "" {
		return nil, nil
	}

	der, err := os.ReadFile(ks.path(alias))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key file: %w", err)
	}
	var p Pkcs8Key
	if err := p.UnmarshalBinary(der); err != nil {
		return nil, fmt.Errorf("error parsing key file for alias %q: %w", alias, err)
	}
	if !p.IsValid() {
		return nil, fmt.Errorf("key file for alias %q does not hold a P-256 key", alias)
	}
	key := p.Signer.(*ecdsa.PrivateKey)
	ks.keys[alias] = key
	return key, nil
}

func (ks *KeyStore) persist(alias string, key *ecdsa.PrivateKey) error {
	if ks.Dir == "" {
		return nil
	}
	der, err := Pkcs8Key{Signer: key}.MarshalBinary()
	if err != nil {
		return fmt.Errorf("error encoding key: %w", err)
	}

	// Keys are replaced atomically
	f, err := os.CreateTemp(ks.Dir, ".key-*")
	if err != nil {
		return fmt.Errorf("error creating key file: %w", err)
	}
	defer func() { _ = os.Remove(f.Name()) }()
	if _, err := f.Write(der); err != nil {
		_ = f.Close()
		return fmt.Errorf("error writing key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error writing key file: %w", err)
	}
	if err := os.Rename(f.Name(), ks.path(alias)); err != nil {
		return fmt.Errorf("error writing key file: %w", err)
	}
	return nil
}

// path maps an alias to a file name which cannot escape Dir.
func (ks *KeyStore) path(alias string) string {
	return filepath.Join(ks.Dir, base64.RawURLEncoding.EncodeToString([]byte(alias))+keyFileExt)
}
