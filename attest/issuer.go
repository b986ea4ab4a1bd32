// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package attest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// DefaultValidity is used for leaf certificates when Issuer.Validity is
// zero.
const DefaultValidity = 365 * 24 * time.Hour

// Issuer signs attestation leaf certificates with a batch attestation key.
type Issuer struct {
	// Signer is the attestation key which signs leaves. Its certificate is
	// Chain[0].
	Signer crypto.Signer

	// Chain is the attestation key's certificate followed by its issuers,
	// ending at the root.
	Chain []*x509.Certificate

	// SecurityLevel is reported for both attestation and keymaster.
	SecurityLevel SecurityLevel

	// IdentityCredentialKey adds the identity credential tag to the TEE
	// enforced authorization list. Only hardware-backed issuers should set
	// it.
	IdentityCredentialKey bool

	// ApplicationID is copied into the attestationApplicationId field.
	ApplicationID []byte

	Validity time.Duration
}

// Issue creates an attestation certificate chain, leaf first, for pub with
// the challenge embedded in the leaf.
func (iss *Issuer) Issue(pub crypto.PublicKey, challenge []byte) ([]*x509.Certificate, error) {
	if iss.Signer == nil || len(iss.Chain) == 0 {
		return nil, errors.New("issuer has no attestation key")
	}
	if len(challenge) == 0 {
		return nil, errors.New("challenge must not be empty")
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type for attestation: %T", pub)
	}

	now := time.Now()
	desc := iss.describe(ecPub, challenge, now)
	ext, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("error encoding key description: %w", err)
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, err
	}
	validity := iss.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Issuer:       iss.Chain[0].Subject,
		Subject:      pkix.Name{CommonName: "Identity Credential Key"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{
			{Id: OIDKeyDescription, Value: ext},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, iss.Chain[0], pub, iss.Signer)
	if err != nil {
		return nil, fmt.Errorf("error signing attestation certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("error parsing attestation certificate: %w", err)
	}
	return append([]*x509.Certificate{leaf}, iss.Chain...), nil
}

func (iss *Issuer) describe(pub *ecdsa.PublicKey, challenge []byte, now time.Time) *KeyDescription {
	keyAuths := AuthorizationList{
		Purpose:               []int{PurposeSign},
		Algorithm:             AlgorithmEC,
		KeySize:               pub.Params().BitSize,
		Digest:                []int{DigestSHA256},
		IdentityCredentialKey: iss.IdentityCredentialKey,
	}
	if pub.Curve == elliptic.P256() {
		keyAuths.ECCurve = CurveP256
	}
	softwareAuths := AuthorizationList{
		CreationDateTime:         now,
		AttestationApplicationID: iss.ApplicationID,
	}

	desc := &KeyDescription{
		AttestationVersion:       AttestationVersion,
		AttestationSecurityLevel: iss.SecurityLevel,
		KeymasterVersion:         KeymasterVersion,
		KeymasterSecurityLevel:   iss.SecurityLevel,
		AttestationChallenge:     challenge,
		SoftwareEnforced:         softwareAuths,
	}
	// Key properties are enforced where the key lives
	if iss.SecurityLevel == Software {
		desc.SoftwareEnforced.Purpose = keyAuths.Purpose
		desc.SoftwareEnforced.Algorithm = keyAuths.Algorithm
		desc.SoftwareEnforced.KeySize = keyAuths.KeySize
		desc.SoftwareEnforced.Digest = keyAuths.Digest
		desc.SoftwareEnforced.ECCurve = keyAuths.ECCurve
		// The identity credential tag is only ever TEE enforced
		desc.TeeEnforced.IdentityCredentialKey = keyAuths.IdentityCredentialKey
	} else {
		desc.TeeEnforced = keyAuths
	}
	return desc
}

// NewSelfSignedIssuer creates an issuer backed by a new root and intermediate
// CA. It is meant for development and tests: nothing trusts the root unless
// the verifier is told to.
func NewSelfSignedIssuer(level SecurityLevel, identityCredentialKey bool) (*Issuer, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("error generating root key: %w", err)
	}
	root, err := newCA(pkix.Name{CommonName: "Attestation Root"}, &rootKey.PublicKey, nil, rootKey)
	if err != nil {
		return nil, err
	}

	batchKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("error generating attestation key: %w", err)
	}
	intermediate, err := newCA(pkix.Name{CommonName: "Attestation Batch Key"}, &batchKey.PublicKey, root, rootKey)
	if err != nil {
		return nil, err
	}

	return &Issuer{
		Signer:                batchKey,
		Chain:                 []*x509.Certificate{intermediate, root},
		SecurityLevel:         level,
		IdentityCredentialKey: identityCredentialKey,
	}, nil
}

// newCA issues a CA certificate. When parent is nil the certificate is self
// signed.
func newCA(subject pkix.Name, pub crypto.PublicKey, parent *x509.Certificate, key crypto.Signer) (*x509.Certificate, error) {
	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               subject,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(30 * 360 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if parent == nil {
		parent = template
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, key)
	if err != nil {
		return nil, fmt.Errorf("error creating CA certificate %q: %w", subject.CommonName, err)
	}
	return x509.ParseCertificate(der)
}

func newSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("error generating certificate serial number: %w", err)
	}
	return serialNumber, nil
}

// Verify checks that chain is signed up to one of roots and returns the
// decoded key description of its leaf. A nil roots pool trusts the last
// certificate of the chain, which only proves internal consistency.
func Verify(chain []*x509.Certificate, roots *x509.CertPool) (*KeyDescription, error) {
	if len(chain) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	if roots == nil {
		roots = x509.NewCertPool()
		roots.AddCert(chain[len(chain)-1])
	}
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("error verifying attestation chain: %w", err)
	}
	return ParseKeyDescription(chain[0])
}
