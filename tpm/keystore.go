// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/identity-credential/go-idcred"
	"github.com/identity-credential/go-idcred/attest"
)

// DefaultNVBase is the first NV index used for key salts. Each alias maps to
// one of the 64Ki indices starting here.
const DefaultNVBase uint32 = 0x01A10000

const saltSize = 32

// DefaultPCRs seals key salts to the PCRs measuring firmware and boot
// configuration.
var DefaultPCRs = PCRList{crypto.SHA256: []int{0, 1, 2, 3, 4, 5, 6, 7}}

// KeyStore is a hardware-backed idcred.KeyStore.
type KeyStore struct {
	// TPM is required.
	TPM TPM

	// Issuer signs attestation certificates at the trusted environment
	// level, marking keys with the identity credential tag. When nil,
	// AttestKey fails with idcred.ErrUnsupportedHardware.
	Issuer *attest.Issuer

	// PCRs defaults to DefaultPCRs.
	PCRs PCRList

	// NVBase defaults to DefaultNVBase.
	NVBase uint32

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	mu   sync.Mutex
	keys map[string]*Key
}

var _ idcred.KeyStore = (*KeyStore)(nil)

func (ks *KeyStore) logger() *slog.Logger {
	if ks.Logger == nil {
		return slog.Default()
	}
	return ks.Logger
}

func (ks *KeyStore) pcrs() PCRList {
	if len(ks.PCRs) == 0 {
		return DefaultPCRs
	}
	return ks.PCRs
}

// nvIndex maps an alias to an NV index. The salt record also holds the full
// alias hash, so collisions are detected.
func (ks *KeyStore) nvIndex(alias string) (uint32, [sha256.Size]byte) {
	base := ks.NVBase
	if base == 0 {
		base = DefaultNVBase
	}
	sum := sha256.Sum256([]byte(alias))
	return base + uint32(binary.BigEndian.Uint16(sum[:2])), sum
}

// CreateKey implements idcred.KeyStore.
func (ks *KeyStore) CreateKey(ctx context.Context, alias string) (crypto.Signer, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if key, ok := ks.keys[alias]; ok {
		return key, nil
	}
	if ks.TPM == nil {
		return nil, errors.New("TPM must be set before creating a key")
	}

	salt, err := ks.salt(alias, true)
	if err != nil {
		return nil, err
	}
	key, err := loadPrimaryKey(ks.TPM, alias, salt)
	if err != nil {
		return nil, err
	}
	if ks.keys == nil {
		ks.keys = make(map[string]*Key)
	}
	ks.keys[alias] = key
	ks.logger().DebugContext(ctx, "loaded TPM key", "alias", alias, "handle", key.handle.Handle)
	return key, nil
}

// salt reads the salt for alias from NV, creating it if create is set. It
// returns nil if the salt does not exist and create is unset.
func (ks *KeyStore) salt(alias string, create bool) ([]byte, error) {
	index, sum := ks.nvIndex(alias)
	data, err := ReadNV(ks.TPM, index, ks.pcrs())
	if err != nil {
		return nil, fmt.Errorf("error reading key salt: %w", err)
	}
	if data != nil {
		if len(data) != len(sum)+saltSize || !bytes.Equal(data[:len(sum)], sum[:]) {
			return nil, fmt.Errorf("NV index %#x is in use by another alias or application", index)
		}
		return data[len(sum):], nil
	}
	if !create {
		return nil, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("error generating key salt: %w", err)
	}
	if err := WriteNV(ks.TPM, index, append(sum[:], salt...), ks.pcrs()); err != nil {
		return nil, fmt.Errorf("error writing key salt: %w", err)
	}
	return salt, nil
}

// AttestKey implements idcred.KeyStore.
func (ks *KeyStore) AttestKey(ctx context.Context, alias string, challenge []byte) ([]*x509.Certificate, error) {
	if ks.Issuer == nil {
		return nil, fmt.Errorf("%w: TPM key store has no attestation issuer", idcred.ErrUnsupportedHardware)
	}

	ks.mu.Lock()
	key, ok := ks.keys[alias]
	ks.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no key loaded for alias %q", alias)
	}

	iss := *ks.Issuer
	iss.SecurityLevel = attest.TrustedEnvironment
	iss.IdentityCredentialKey = true
	chain, err := iss.Issue(key.Public(), challenge)
	if err != nil {
		return nil, err
	}
	ks.logger().DebugContext(ctx, "attested TPM key", "alias", alias)
	return chain, nil
}

// DeleteKey implements idcred.KeyStore. The key is flushed and its salt is
// removed from NV, so the same key can never be created again.
func (ks *KeyStore) DeleteKey(ctx context.Context, alias string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.TPM == nil {
		return errors.New("TPM must be set before deleting a key")
	}
	if key, ok := ks.keys[alias]; ok {
		delete(ks.keys, alias)
		if err := key.Close(); err != nil {
			return err
		}
	}

	// Check ownership of the index before removing it
	salt, err := ks.salt(alias, false)
	if err != nil {
		return err
	}
	if salt == nil {
		return nil
	}
	index, _ := ks.nvIndex(alias)
	if err := DeleteNV(ks.TPM, index); err != nil {
		return fmt.Errorf("error deleting key salt: %w", err)
	}
	ks.logger().DebugContext(ctx, "deleted TPM key", "alias", alias)
	return nil
}

// HardwareBacked implements idcred.KeyStore.
func (ks *KeyStore) HardwareBacked() bool { return true }

// Close flushes all loaded keys from TPM memory. It does not close the TPM.
func (ks *KeyStore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	var errs []error
	for alias, key := range ks.keys {
		if err := key.Close(); err != nil {
			errs = append(errs, fmt.Errorf("alias %q: %w", alias, err))
		}
		delete(ks.keys, alias)
	}
	return errors.Join(errs...)
}
