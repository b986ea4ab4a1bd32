// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package soft

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"errors"
	"fmt"
)

// Pkcs8Key encodes a private key to PKCS#8 DER.
type Pkcs8Key struct {
	crypto.Signer
}

// IsValid checks whether the key is valid for use as a CredentialKey.
func (p Pkcs8Key) IsValid() bool {
	key, ok := p.Signer.(*ecdsa.PrivateKey)
	return ok && key.Curve == elliptic.P256()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p Pkcs8Key) MarshalBinary() ([]byte, error) {
	if p.Signer == nil {
		return nil, errors.New("no private key")
	}
	return x509.MarshalPKCS8PrivateKey(p.Signer)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Pkcs8Key) UnmarshalBinary(der []byte) error {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("unsupported private key type %T", key)
	}
	p.Signer = signer
	return nil
}
