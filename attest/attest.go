// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package attest builds and parses key attestation certificates. The leaf
// certificate of an attestation chain carries the KeyDescription extension
// used by Android key attestation, which binds the attested key to the
// verifier's challenge and describes where and how the key is held.
package attest

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"
)

// OIDKeyDescription identifies the key attestation extension.
var OIDKeyDescription = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17}

// SecurityLevel is where the attested key material lives.
//
//	SecurityLevel ::= ENUMERATED {
//	    Software           (0),
//	    TrustedEnvironment (1),
//	    StrongBox          (2),
//	}
type SecurityLevel int

// Security levels
const (
	Software           SecurityLevel = 0
	TrustedEnvironment SecurityLevel = 1
	StrongBox          SecurityLevel = 2
)

func (l SecurityLevel) String() string {
	switch l {
	case Software:
		return "Software"
	case TrustedEnvironment:
		return "TrustedEnvironment"
	case StrongBox:
		return "StrongBox"
	default:
		return fmt.Sprintf("SecurityLevel(%d)", int(l))
	}
}

// Authorization values used for EC signing keys
const (
	PurposeSign   = 2
	PurposeVerify = 3
	AlgorithmEC   = 3
	DigestSHA256  = 4
	CurveP256     = 1
)

// Versions written into issued certificates
const (
	AttestationVersion = 3
	KeymasterVersion   = 4
)

// Authorization list tags
const (
	tagPurpose                  = 1
	tagAlgorithm                = 2
	tagKeySize                  = 3
	tagDigest                   = 5
	tagECCurve                  = 10
	tagCreationDateTime         = 701
	tagAttestationApplicationID = 709
	tagIdentityCredentialKey    = 721
)

// identityCredentialKey is the full encoding of [721] EXPLICIT NULL.
var identityCredentialKey = []byte{0xbf, 0x85, 0x51, 0x02, 0x05, 0x00}

// KeyDescription is the content of the key attestation extension.
//
//	KeyDescription ::= SEQUENCE {
//	    attestationVersion         INTEGER,
//	    attestationSecurityLevel   SecurityLevel,
//	    keymasterVersion           INTEGER,
//	    keymasterSecurityLevel     SecurityLevel,
//	    attestationChallenge       OCTET_STRING,
//	    uniqueId                   OCTET_STRING,
//	    softwareEnforced           AuthorizationList,
//	    teeEnforced                AuthorizationList,
//	}
type KeyDescription struct {
	AttestationVersion       int
	AttestationSecurityLevel SecurityLevel
	KeymasterVersion         int
	KeymasterSecurityLevel   SecurityLevel
	AttestationChallenge     []byte
	UniqueID                 []byte
	SoftwareEnforced         AuthorizationList
	TeeEnforced              AuthorizationList
}

// AuthorizationList is the subset of key authorizations relevant to
// credential keys. Unknown tags are skipped when parsing.
//
//	AuthorizationList ::= SEQUENCE {
//	    purpose                  [1] EXPLICIT SET OF INTEGER OPTIONAL,
//	    algorithm                [2] EXPLICIT INTEGER OPTIONAL,
//	    keySize                  [3] EXPLICIT INTEGER OPTIONAL,
//	    digest                   [5] EXPLICIT SET OF INTEGER OPTIONAL,
//	    ecCurve                  [10] EXPLICIT INTEGER OPTIONAL,
//	    creationDateTime         [701] EXPLICIT INTEGER OPTIONAL,
//	    attestationApplicationId [709] EXPLICIT OCTET_STRING OPTIONAL,
//	    identityCredentialKey    [721] EXPLICIT NULL OPTIONAL,
//	    ...
//	}
type AuthorizationList struct {
	Purpose                  []int
	Algorithm                int
	KeySize                  int
	Digest                   []int
	ECCurve                  int
	CreationDateTime         time.Time
	AttestationApplicationID []byte
	IdentityCredentialKey    bool
}

type keyDescription struct {
	AttestationVersion       int
	AttestationSecurityLevel asn1.Enumerated
	KeymasterVersion         int
	KeymasterSecurityLevel   asn1.Enumerated
	AttestationChallenge     []byte
	UniqueID                 []byte
	SoftwareEnforced         asn1.RawValue
	TeeEnforced              asn1.RawValue
}

type authorizationList struct {
	Purpose                  []int         `asn1:"explicit,tag:1,set,optional"`
	Algorithm                int           `asn1:"explicit,tag:2,optional"`
	KeySize                  int           `asn1:"explicit,tag:3,optional"`
	Digest                   []int         `asn1:"explicit,tag:5,set,optional"`
	ECCurve                  int           `asn1:"explicit,tag:10,optional"`
	CreationDateTime         int64         `asn1:"explicit,tag:701,optional"`
	AttestationApplicationID []byte        `asn1:"explicit,tag:709,optional"`
	IdentityCredentialKey    asn1.RawValue `asn1:"optional"`
}

// Marshal encodes the key description as DER.
func (kd *KeyDescription) Marshal() ([]byte, error) {
	sw, err := kd.SoftwareEnforced.marshal()
	if err != nil {
		return nil, fmt.Errorf("software enforced list: %w", err)
	}
	tee, err := kd.TeeEnforced.marshal()
	if err != nil {
		return nil, fmt.Errorf("tee enforced list: %w", err)
	}
	return asn1.Marshal(keyDescription{
		AttestationVersion:       kd.AttestationVersion,
		AttestationSecurityLevel: asn1.Enumerated(kd.AttestationSecurityLevel),
		KeymasterVersion:         kd.KeymasterVersion,
		KeymasterSecurityLevel:   asn1.Enumerated(kd.KeymasterSecurityLevel),
		AttestationChallenge:     orEmpty(kd.AttestationChallenge),
		UniqueID:                 orEmpty(kd.UniqueID),
		SoftwareEnforced:         asn1.RawValue{FullBytes: sw},
		TeeEnforced:              asn1.RawValue{FullBytes: tee},
	})
}

func (al *AuthorizationList) marshal() ([]byte, error) {
	wire := authorizationList{
		Purpose:                  al.Purpose,
		Algorithm:                al.Algorithm,
		KeySize:                  al.KeySize,
		Digest:                   al.Digest,
		ECCurve:                  al.ECCurve,
		AttestationApplicationID: al.AttestationApplicationID,
	}
	if !al.CreationDateTime.IsZero() {
		wire.CreationDateTime = al.CreationDateTime.UnixMilli()
	}
	if al.IdentityCredentialKey {
		wire.IdentityCredentialKey = asn1.RawValue{FullBytes: identityCredentialKey}
	}
	return asn1.Marshal(wire)
}

// ParseKeyDescription finds and decodes the key attestation extension of a
// certificate.
func ParseKeyDescription(cert *x509.Certificate) (*KeyDescription, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDKeyDescription) {
			return UnmarshalKeyDescription(ext.Value)
		}
	}
	return nil, errors.New("certificate has no key attestation extension")
}

// UnmarshalKeyDescription decodes a DER KeyDescription.
func UnmarshalKeyDescription(der []byte) (*KeyDescription, error) {
	var wire keyDescription
	rest, err := asn1.Unmarshal(der, &wire)
	if err != nil {
		return nil, fmt.Errorf("error decoding key description: %w", err)
	}
	if len(rest) > 0 {
		return nil, errors.New("trailing data after key description")
	}

	kd := &KeyDescription{
		AttestationVersion:       wire.AttestationVersion,
		AttestationSecurityLevel: SecurityLevel(wire.AttestationSecurityLevel),
		KeymasterVersion:         wire.KeymasterVersion,
		KeymasterSecurityLevel:   SecurityLevel(wire.KeymasterSecurityLevel),
		AttestationChallenge:     wire.AttestationChallenge,
		UniqueID:                 wire.UniqueID,
	}
	if err := kd.SoftwareEnforced.unmarshal(wire.SoftwareEnforced); err != nil {
		return nil, fmt.Errorf("software enforced list: %w", err)
	}
	if err := kd.TeeEnforced.unmarshal(wire.TeeEnforced); err != nil {
		return nil, fmt.Errorf("tee enforced list: %w", err)
	}
	return kd, nil
}

// unmarshal walks the tagged elements one at a time, so that authorization
// tags this package does not know about do not stop parsing.
func (al *AuthorizationList) unmarshal(seq asn1.RawValue) error {
	if seq.Class != asn1.ClassUniversal || seq.Tag != asn1.TagSequence || !seq.IsCompound {
		return errors.New("authorization list is not a sequence")
	}
	*al = AuthorizationList{}

	rest := seq.Bytes
	for len(rest) > 0 {
		var elem asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &elem); err != nil {
			return err
		}
		if elem.Class != asn1.ClassContextSpecific {
			return fmt.Errorf("unexpected class %d in authorization list", elem.Class)
		}

		switch elem.Tag {
		case tagPurpose:
			err = unmarshalExact(elem.Bytes, &al.Purpose, "set")
		case tagAlgorithm:
			err = unmarshalExact(elem.Bytes, &al.Algorithm, "")
		case tagKeySize:
			err = unmarshalExact(elem.Bytes, &al.KeySize, "")
		case tagDigest:
			err = unmarshalExact(elem.Bytes, &al.Digest, "set")
		case tagECCurve:
			err = unmarshalExact(elem.Bytes, &al.ECCurve, "")
		case tagCreationDateTime:
			var millis int64
			if err = unmarshalExact(elem.Bytes, &millis, ""); err == nil {
				al.CreationDateTime = time.UnixMilli(millis).UTC()
			}
		case tagAttestationApplicationID:
			err = unmarshalExact(elem.Bytes, &al.AttestationApplicationID, "")
		case tagIdentityCredentialKey:
			if !bytes.Equal(elem.Bytes, asn1.NullBytes) {
				err = errors.New("identity credential key tag must hold NULL")
			}
			al.IdentityCredentialKey = true
		}
		if err != nil {
			return fmt.Errorf("tag %d: %w", elem.Tag, err)
		}
	}
	return nil
}

func unmarshalExact(der []byte, v any, params string) error {
	rest, err := asn1.UnmarshalWithParams(der, v, params)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return errors.New("trailing data")
	}
	return nil
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
