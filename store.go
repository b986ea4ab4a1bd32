// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package idcred

import (
	"context"
	"crypto/x509"
)

// Store persists personalized credentials. A credential is only saved after
// personalization produced a valid signed proof.
type Store interface {
	// Exists reports whether a credential with the name has been saved.
	Exists(ctx context.Context, name string) (bool, error)

	// SaveCredential persists a personalized credential. It must fail if a
	// credential with the same name already exists.
	SaveCredential(ctx context.Context, cred *PersonalizedCredential) error

	// DeleteCredential removes a credential. Deleting a credential which
	// does not exist is not an error.
	DeleteCredential(ctx context.Context, name string) error
}

// PersonalizedCredential is everything known about a credential after
// personalization.
type PersonalizedCredential struct {
	Name     string
	DocType  string
	KeyAlias string

	// CertificateChain is the last chain returned by
	// Credential.CertificateChain, or nil if it was never called.
	CertificateChain []*x509.Certificate

	Data                *PersonalizationData
	ProofOfProvisioning []byte
}
