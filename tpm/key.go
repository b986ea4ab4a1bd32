// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/google/go-tpm/tpm2"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Key is a CredentialKey held by the TPM. It implements crypto.Signer and
// produces ASN.1 DER encoded ECDSA signatures.
type Key struct {
	t      TPM
	handle tpm2.NamedHandle
	pub    *ecdsa.PublicKey
}

var _ crypto.Signer = (*Key)(nil)

// keyTemplate is always ECDSA P-256 with SHA-256.
func keyTemplate(x, y []byte) tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgECC,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true, // Key can never be duplicated
			FixedParent:         true, // Key can never be changed to a new parent
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgECC,
			&tpm2.TPMSECCParms{
				Symmetric: tpm2.TPMTSymDefObject{Algorithm: tpm2.TPMAlgNull},
				Scheme: tpm2.TPMTECCScheme{
					Scheme: tpm2.TPMAlgECDSA,
					Details: tpm2.NewTPMUAsymScheme(tpm2.TPMAlgECDSA,
						&tpm2.TPMSSigSchemeECDSA{HashAlg: tpm2.TPMAlgSHA256}),
				},
				CurveID: tpm2.TPMECCNistP256,
				KDF:     tpm2.TPMTKDFScheme{Scheme: tpm2.TPMAlgNull},
			},
		),
		Unique: tpm2.NewTPMUPublicID(tpm2.TPMAlgECC,
			&tpm2.TPMSECCPoint{
				X: tpm2.TPM2BECCParameter{Buffer: x},
				Y: tpm2.TPM2BECCParameter{Buffer: y},
			},
		),
	}
}

// uniqueFor derives the unique field of the key template from the alias and
// its salt.
func uniqueFor(alias string, salt []byte) (x, y []byte) {
	derive := func(label byte) []byte {
		h := sha256.New()
		_, _ = h.Write([]byte{label})
		_, _ = h.Write(salt)
		_, _ = h.Write([]byte(alias))
		return h.Sum(nil)
	}
	return derive('x'), derive('y')
}

// Primary Keys are all derived from the TPM seed, so we don't need to retrieve or persist
// a key unless there is a performance (time-sensitive) requirement. This requires that
// a well-known template is used.
//
// Seed + Template will always generate the same key.
func loadPrimaryKey(t TPM, alias string, salt []byte) (*Key, error) {
	resp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(keyTemplate(uniqueFor(alias, salt))),
	}.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("unable to create primary key: %w", err)
	}
	key := &Key{
		t: t,
		handle: tpm2.NamedHandle{
			Handle: resp.ObjectHandle,
			Name:   resp.Name,
		},
	}

	pub, err := resp.OutPublic.Contents()
	if err != nil {
		_ = key.Close()
		return nil, fmt.Errorf("unmarshaling public area: %w", err)
	}
	point, err := pub.Unique.ECC()
	if err != nil {
		_ = key.Close()
		return nil, fmt.Errorf("ECC pubkey: %w", err)
	}
	key.pub = &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(point.X.Buffer),
		Y:     new(big.Int).SetBytes(point.Y.Buffer),
	}
	if !key.pub.Curve.IsOnCurve(key.pub.X, key.pub.Y) {
		_ = key.Close()
		return nil, errors.New("TPM returned a public key which is not on P-256")
	}
	return key, nil
}

// Public returns the corresponding public key.
func (k *Key) Public() crypto.PublicKey { return k.pub }

// Sign signs a SHA-256 digest with the private key. The rand argument is
// ignored, the TPM provides its own entropy.
func (k *Key) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts != nil && opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("unsupported hash %s: key only signs SHA-256 digests", opts.HashFunc())
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", sha256.Size, len(digest))
	}

	rsp, err := tpm2.Sign{
		KeyHandle: k.handle,
		Digest: tpm2.TPM2BDigest{
			Buffer: digest,
		},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgECDSA,
			Details: tpm2.NewTPMUSigScheme(tpm2.TPMAlgECDSA,
				&tpm2.TPMSSchemeHash{HashAlg: tpm2.TPMAlgSHA256}),
		},
		Validation: tpm2.TPMTTKHashCheck{
			Tag: tpm2.TPMSTHashCheck,
		},
	}.Execute(k.t)
	if err != nil {
		return nil, fmt.Errorf("unable to sign digest: %w", err)
	}
	sig, err := rsp.Signature.Signature.ECDSA()
	if err != nil {
		return nil, fmt.Errorf("unable to extract signature data: %w", err)
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(new(big.Int).SetBytes(sig.SignatureR.Buffer))
		b.AddASN1BigInt(new(big.Int).SetBytes(sig.SignatureS.Buffer))
	})
	return b.Bytes()
}

// Close flushes the key from TPM memory. The key can be loaded again as long
// as its salt exists.
func (k *Key) Close() error {
	if _, err := (tpm2.FlushContext{FlushHandle: k.handle}).Execute(k.t); err != nil {
		return fmt.Errorf("flush key failed: %w", err)
	}
	return nil
}
