// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
)

// SignatureAlgorithm is the ECDSA/RSASSA-PKCS1-v1_5/RSASSA-PSS signature type
// and hash.
type SignatureAlgorithm int64

// HashFunc implements crypto.SignerOpts.
func (alg SignatureAlgorithm) HashFunc() crypto.Hash {
	newHash, ok := sigAlgorithms[alg]
	if !ok {
		panic("signature algorithm not registered")
	}
	return newHash()
}

// Registered reports whether the algorithm has a registered hash.
func (alg SignatureAlgorithm) Registered() bool {
	_, ok := sigAlgorithms[alg]
	return ok
}

func (alg SignatureAlgorithm) String() string {
	switch alg {
	case ES256Alg:
		return "ES256"
	case ES384Alg:
		return "ES384"
	case ES512Alg:
		return "ES512"
	case RS256Alg:
		return "RS256"
	case RS384Alg:
		return "RS384"
	case RS512Alg:
		return "RS512"
	case PS256Alg:
		return "PS256"
	case PS384Alg:
		return "PS384"
	case PS512Alg:
		return "PS512"
	default:
		return fmt.Sprintf("alg(%d)", int64(alg))
	}
}

var sigAlgorithms = make(map[SignatureAlgorithm]func() crypto.Hash)

// RegisterSignatureAlgorithm adds a new signature algorithm for use in this
// library. This function should be called in an init func.
func RegisterSignatureAlgorithm(alg SignatureAlgorithm, f func() crypto.Hash) {
	if _, ok := sigAlgorithms[alg]; ok {
		panic("sig algorithm already registered")
	}
	if f == nil {
		panic("cannot register nil func")
	}
	sigAlgorithms[alg] = f
}

func init() {
	RegisterSignatureAlgorithm(ES256Alg, crypto.SHA256.HashFunc)
	RegisterSignatureAlgorithm(RS256Alg, crypto.SHA256.HashFunc)
	RegisterSignatureAlgorithm(PS256Alg, crypto.SHA256.HashFunc)
	RegisterSignatureAlgorithm(ES384Alg, crypto.SHA384.HashFunc)
	RegisterSignatureAlgorithm(RS384Alg, crypto.SHA384.HashFunc)
	RegisterSignatureAlgorithm(PS384Alg, crypto.SHA384.HashFunc)
	RegisterSignatureAlgorithm(ES512Alg, crypto.SHA512.HashFunc)
	RegisterSignatureAlgorithm(RS512Alg, crypto.SHA512.HashFunc)
	RegisterSignatureAlgorithm(PS512Alg, crypto.SHA512.HashFunc)
}

/*
ECDSA Algorithm Values

	+-------+-------+---------+------------------+
	| Name  | Value | Hash    | Description      |
	+-------+-------+---------+------------------+
	| ES256 | -7    | SHA-256 | ECDSA w/ SHA-256 |
	| ES384 | -35   | SHA-384 | ECDSA w/ SHA-384 |
	| ES512 | -36   | SHA-512 | ECDSA w/ SHA-512 |
	+-------+-------+---------+------------------+
*/
const (
	ES256Alg SignatureAlgorithm = -7
	ES384Alg SignatureAlgorithm = -35
	ES512Alg SignatureAlgorithm = -36
)

/*
RSASSA-PKCS1-v1_5 Algorithm Values

	+-------+-------+---------+------------------------------+
	| Name  | Value | Hash    | Description                  |
	+-------+-------+---------+------------------------------+
	| RS256 | -257  | SHA-256 | RSASSA-PKCS1-v1_5 w/ SHA-256 |
	| RS384 | -258  | SHA-384 | RSASSA-PKCS1-v1_5 w/ SHA-384 |
	| RS512 | -259  | SHA-512 | RSASSA-PKCS1-v1_5 w/ SHA-512 |
	+-------+-------+---------+------------------------------+
*/
const (
	RS256Alg SignatureAlgorithm = -257
	RS384Alg SignatureAlgorithm = -258
	RS512Alg SignatureAlgorithm = -259
)

/*
RSASSA-PSS Algorithm Values from RFC 8230

	+-------+-------+---------+-------------+-----------------------+
	| Name  | Value | Hash    | Salt Length | Description           |
	+-------+-------+---------+-------------+-----------------------+
	| PS256 | -37   | SHA-256 | 32          | RSASSA-PSS w/ SHA-256 |
	| PS384 | -38   | SHA-384 | 48          | RSASSA-PSS w/ SHA-384 |
	| PS512 | -39   | SHA-512 | 64          | RSASSA-PSS w/ SHA-512 |
	+-------+-------+---------+-------------+-----------------------+
*/
const (
	PS256Alg SignatureAlgorithm = -37
	PS384Alg SignatureAlgorithm = -38
	PS512Alg SignatureAlgorithm = -39
)

// SignatureAlgorithmFor chooses the algorithm for a signing key. For ECDSA
// keys the curve determines the algorithm. For RSA keys, PSS is used if opts
// is *rsa.PSSOptions and PKCS1 v1.5 otherwise, with the hash from opts
// (SHA-256 when opts is nil).
func SignatureAlgorithmFor(pub crypto.PublicKey, opts crypto.SignerOpts) (SignatureAlgorithm, error) {
	switch pub := pub.(type) {
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			return ES256Alg, nil
		case elliptic.P384():
			return ES384Alg, nil
		case elliptic.P521():
			return ES512Alg, nil
		default:
			return 0, fmt.Errorf("unsupported curve: %s", pub.Params().Name)
		}

	case *rsa.PublicKey:
		hash := crypto.SHA256
		if opts != nil {
			hash = opts.HashFunc()
		}
		_, pss := opts.(*rsa.PSSOptions)
		switch {
		case hash == crypto.SHA256 && pss:
			return PS256Alg, nil
		case hash == crypto.SHA384 && pss:
			return PS384Alg, nil
		case hash == crypto.SHA512 && pss:
			return PS512Alg, nil
		case hash == crypto.SHA256:
			return RS256Alg, nil
		case hash == crypto.SHA384:
			return RS384Alg, nil
		case hash == crypto.SHA512:
			return RS512Alg, nil
		default:
			return 0, fmt.Errorf("unsupported RSA hash: %s", hash)
		}

	default:
		return 0, fmt.Errorf("unsupported key type: %T", pub)
	}
}
