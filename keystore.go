// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package idcred

import (
	"context"
	"crypto"
	"crypto/x509"
)

// KeyStore creates, attests, and deletes CredentialKeys. Keys are addressed by
// an alias which is stable for the lifetime of a credential.
type KeyStore interface {
	// CreateKey returns the key for the alias, creating it if it does not
	// exist. The key must be an ECDSA P-256 key unless the verifier of the
	// proof of provisioning is known to accept other algorithms.
	CreateKey(ctx context.Context, alias string) (crypto.Signer, error)

	// AttestKey returns a certificate chain, leaf first, for the key of the
	// alias with the challenge embedded in the leaf. Key stores which cannot
	// attest must return an error matching ErrUnsupportedHardware.
	AttestKey(ctx context.Context, alias string, challenge []byte) ([]*x509.Certificate, error)

	// DeleteKey destroys the key for the alias. Deleting a key which does
	// not exist is not an error.
	DeleteKey(ctx context.Context, alias string) error

	// HardwareBacked reports whether keys are held in secure hardware. Only
	// hardware-backed stores attest with the identity credential tag.
	HardwareBacked() bool
}

const keyAliasPrefix = "idcred-credkey-"

// KeyAlias returns the CredentialKey alias for a credential name.
func KeyAlias(name string) string { return keyAliasPrefix + name }
