// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package idcred

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/identity-credential/go-idcred/cbor"
	"github.com/identity-credential/go-idcred/cose"
)

type credentialState int

const (
	stateNew credentialState = iota
	stateKeyAttested
	statePersonalized
	stateAbandoned
)

func (s credentialState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateKeyAttested:
		return "key attested"
	case statePersonalized:
		return "personalized"
	case stateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Credential is a credential being provisioned. It is created by
// [Provisioner.CreateCredential] and moves from new, optionally through key
// attested, to personalized. Personalized is terminal. An unpersonalized
// Credential can instead be abandoned, which destroys its key and frees its
// name.
//
// Calls on one Credential are serialized. A failed call does not change the
// state, so personalization may be retried on the same Credential.
type Credential struct {
	name    string
	docType string
	alias   string
	keys    KeyStore
	store   Store
	log     *slog.Logger
	release func(*Credential)

	mu    sync.Mutex
	state credentialState
	key   crypto.Signer
	chain []*x509.Certificate

	// testCredential is only set by tests in this package.
	testCredential bool
}

// Name returns the credential name.
func (c *Credential) Name() string { return c.name }

// DocType returns the document type, such as "org.iso.18013.5.1.mDL".
func (c *Credential) DocType() string { return c.docType }

// HardwareBacked reports whether the CredentialKey is held in secure
// hardware.
func (c *Credential) HardwareBacked() bool { return c.keys.HardwareBacked() }

// Personalized reports whether Personalize has succeeded.
func (c *Credential) Personalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == statePersonalized
}

// CertificateChain returns an X.509 certificate chain, leaf first, for the
// CredentialKey, creating the key if needed. The leaf contains a key
// attestation extension with the challenge, which must be non-empty, fresh,
// and provided by the issuing authority.
//
// Calling CertificateChain is optional. If called, it must be called before
// Personalize. Each call issues a new chain for the same key.
func (c *Credential) CertificateChain(ctx context.Context, challenge []byte) ([]*x509.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writable(); err != nil {
		return nil, err
	}
	if len(challenge) == 0 {
		return nil, ErrInvalidChallenge
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := c.credentialKey(ctx)
	if err != nil {
		return nil, err
	}
	chain, err := c.keys.AttestKey(ctx, c.alias, slices.Clone(challenge))
	if err != nil {
		return nil, fmt.Errorf("error attesting credential key: %w", err)
	}
	if len(chain) == 0 {
		return nil, errors.New("key store returned an empty certificate chain")
	}
	if leafKey, ok := chain[0].PublicKey.(interface{ Equal(crypto.PublicKey) bool }); !ok || !leafKey.Equal(key.Public()) {
		return nil, errors.New("attestation certificate does not certify the credential key")
	}

	c.chain = chain
	c.state = stateKeyAttested
	c.log.Debug("credential key attested", "credential", c.name, "chain", len(chain))
	return slices.Clone(chain), nil
}

// Personalize stores data in the credential and returns a COSE_Sign1,
// signed by the CredentialKey, whose payload is the ProofOfProvisioning (see
// [EncodeProofOfProvisioning]). The COSE_Sign1 is untagged and its protected
// header holds only the algorithm.
//
// The credential is saved to the Store, if any, only after signing
// succeeded. Once Personalize returns successfully, every further write
// fails with ErrAlreadyPersonalized.
func (c *Credential) Personalize(ctx context.Context, data *PersonalizationData) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writable(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := encodeProofOfProvisioning(c.docType, data, c.testCredential)
	if err != nil {
		return nil, err
	}

	key, err := c.credentialKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailure, err)
	}
	s1 := cose.Sign1{Payload: payload}
	if err := s1.Sign(key, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailure, err)
	}
	signed, err := cbor.Marshal(s1)
	if err != nil {
		return nil, fmt.Errorf("error encoding COSE_Sign1: %w", err)
	}

	if c.store != nil {
		if err := c.store.SaveCredential(ctx, &PersonalizedCredential{
			Name:                c.name,
			DocType:             c.docType,
			KeyAlias:            c.alias,
			CertificateChain:    slices.Clone(c.chain),
			Data:                data.clone(),
			ProofOfProvisioning: slices.Clone(signed),
		}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}

	c.state = statePersonalized
	c.log.Debug("credential personalized",
		"credential", c.name,
		"docType", c.docType,
		"namespaces", len(data.Namespaces),
		"profiles", len(data.AccessControlProfiles),
	)
	return signed, nil
}

// Abandon ends provisioning without personalizing. The CredentialKey, if
// created, is destroyed and the name may be used by a new Credential. It
// fails with ErrAlreadyPersonalized once Personalize has succeeded. If the key
// cannot be deleted, the Credential is left unchanged.
func (c *Credential) Abandon(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case statePersonalized:
		c.mu.Unlock()
		return ErrAlreadyPersonalized
	case stateAbandoned:
		c.mu.Unlock()
		return nil
	}
	if err := c.keys.DeleteKey(ctx, c.alias); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("error deleting credential key: %w", err)
	}
	c.state, c.key, c.chain = stateAbandoned, nil, nil
	c.mu.Unlock()

	if c.release != nil {
		c.release(c)
	}
	c.log.Debug("credential abandoned", "credential", c.name)
	return nil
}

// abandon marks the credential abandoned unless it is personalized. The key
// is left to the caller.
func (c *Credential) abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != statePersonalized {
		c.state, c.key, c.chain = stateAbandoned, nil, nil
	}
}

// writable reports why the credential cannot be written. c.mu must be held.
func (c *Credential) writable() error {
	switch c.state {
	case statePersonalized:
		return ErrAlreadyPersonalized
	case stateAbandoned:
		return ErrAbandoned
	default:
		return nil
	}
}

func (c *Credential) credentialKey(ctx context.Context) (crypto.Signer, error) {
	if c.key != nil {
		return c.key, nil
	}
	key, err := c.keys.CreateKey(ctx, c.alias)
	if err != nil {
		return nil, fmt.Errorf("error creating credential key: %w", err)
	}
	c.key = key
	c.log.Debug("credential key created", "credential", c.name, "hardware", c.keys.HardwareBacked())
	return key, nil
}
