// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/identity-credential/go-idcred/cbor"
)

const sig1Context = "Signature1"

// Sig_structure for a COSE_Sign1
//
//	Sig_structure = [
//	    context : "Signature1",
//	    body_protected : empty_or_serialized_map,
//	    external_aad : bstr,
//	    payload : bstr
//	]
type signature1 struct {
	_             struct{} `cbor:",toarray"`
	Context       string
	BodyProtected []byte
	ExternalAad   []byte
	Payload       []byte
}

// Sign1 is a COSE_Sign1 signature structure, which is used when only one
// signature is being placed on a message.
//
//	COSE_Sign1 = [
//	    Headers,
//	    payload : bstr / nil,
//	    signature : bstr
//	]
//
// Sign1 encodes untagged. Use [Sign1.Tag] for the tagged form. Decoding
// accepts both.
type Sign1 struct {
	Header
	Payload   []byte // nil when transported independently
	Signature []byte
}

type sign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[Label]cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

var (
	_ cbor.Marshaler   = Sign1{}
	_ cbor.Unmarshaler = (*Sign1)(nil)
)

// MarshalCBOR implements cbor.Marshaler.
func (s1 Sign1) MarshalCBOR() ([]byte, error) {
	protected, err := s1.protectedBytes()
	if err != nil {
		return nil, fmt.Errorf("error serializing protected header: %w", err)
	}
	unprotected := make(map[Label]cbor.RawMessage, len(s1.Unprotected))
	for label, v := range s1.Unprotected {
		data, err := cbor.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("error serializing header value for label %d: %w", label, err)
		}
		unprotected[label] = data
	}
	return cbor.Marshal(sign1{
		Protected:   protected,
		Unprotected: unprotected,
		Payload:     s1.Payload,
		Signature:   s1.Signature,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (s1 *Sign1) UnmarshalCBOR(data []byte) error {
	data, _ = cbor.Untag(data, Sign1TagNum)

	var raw sign1
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Signature) == 0 {
		return errors.New("signature must be a non-empty byte string")
	}

	var hdr Header
	if err := hdr.setProtected(raw.Protected); err != nil {
		return err
	}
	hdr.Unprotected = make(HeaderMap, len(raw.Unprotected))
	for k, v := range raw.Unprotected {
		var val any
		if err := cbor.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("error decoding unprotected value for %d: %w", k, err)
		}
		hdr.Unprotected[k] = val
	}

	*s1 = Sign1{
		Header:    hdr,
		Payload:   raw.Payload,
		Signature: raw.Signature,
	}
	return nil
}

// Tag returns the tagged (CBOR tag 18) encoding of the structure.
func (s1 Sign1) Tag() cbor.Tag {
	return cbor.Tag{Number: Sign1TagNum, Content: s1}
}

// Sign using a single private key. Unless it was transported independently of
// the signature, payload may be nil. The external AAD may be nil.
//
// For ECDSA keys, the signer must produce ASN.1 DER signatures, as
// crypto.Signer implementations do by convention. The signature is
// re-encoded as r|s following RFC8152 8.1.
//
// For RSA keys, opts selects PSS (*rsa.PSSOptions) or PKCS1 v1.5 and the
// hash. It is ignored for ECDSA keys.
func (s1 *Sign1) Sign(key crypto.Signer, payload, externalAAD []byte, opts crypto.SignerOpts) error {
	// Check that some payload was given
	if s1.Payload == nil && payload == nil {
		return errors.New("payload was transported independently but not given as an argument to Sign")
	}
	if payload == nil {
		payload = s1.Payload
	}

	alg, err := SignatureAlgorithmFor(key.Public(), opts)
	if err != nil {
		return err
	}

	// Put algorithm ID in the protected header before signing
	if s1.Protected == nil {
		s1.Protected = make(HeaderMap)
	}
	s1.Protected[AlgLabel] = alg
	s1.rawProtected = nil
	protected, err := s1.protectedBytes()
	if err != nil {
		return fmt.Errorf("error serializing protected header: %w", err)
	}

	// Serialize and hash the signature structure
	data, err := cbor.Marshal(signature1{
		Context:       sig1Context,
		BodyProtected: protected,
		ExternalAad:   orEmpty(externalAAD),
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	h := alg.HashFunc().New()
	_, _ = h.Write(data)
	digest := h.Sum(nil)

	var signOpts crypto.SignerOpts = alg.HashFunc()
	if _, isPSS := opts.(*rsa.PSSOptions); isPSS {
		signOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: alg.HashFunc()}
	}
	sig, err := key.Sign(rand.Reader, digest, signOpts)
	if err != nil {
		return fmt.Errorf("error signing: %w", err)
	}

	if pub, ok := key.Public().(*ecdsa.PublicKey); ok {
		if sig, err = rfc8152Signature(pub, sig); err != nil {
			return err
		}
	}

	s1.Signature = sig
	return nil
}

// Verify using a single public key. Unless it was transported independently of
// the signature, payload may be nil.
func (s1 *Sign1) Verify(key crypto.PublicKey, payload, externalAAD []byte) (bool, error) {
	// Check that some payload was given
	if s1.Payload == nil && payload == nil {
		return false, errors.New("payload was transported independently but not given as an argument to Verify")
	}
	if payload == nil {
		payload = s1.Payload
	}

	alg, ok := s1.Protected.Algorithm()
	if !ok {
		return false, errors.New("protected header does not contain an algorithm")
	}
	if !alg.Registered() {
		return false, fmt.Errorf("unsupported algorithm: %s", alg)
	}

	protected, err := s1.protectedBytes()
	if err != nil {
		return false, err
	}
	data, err := cbor.Marshal(signature1{
		Context:       sig1Context,
		BodyProtected: protected,
		ExternalAad:   orEmpty(externalAAD),
		Payload:       payload,
	})
	if err != nil {
		return false, err
	}
	h := alg.HashFunc().New()
	_, _ = h.Write(data)
	digest := h.Sum(nil)

	switch pub := key.(type) {
	case *ecdsa.PublicKey:
		switch alg {
		case ES256Alg, ES384Alg, ES512Alg:
		default:
			return false, fmt.Errorf("algorithm %s cannot be used with an ECDSA key", alg)
		}
		// Decode signature following RFC8152 8.1.
		n := (pub.Params().N.BitLen() + 7) / 8
		if len(s1.Signature) != 2*n {
			return false, fmt.Errorf("signature length must be %d for curve %s", 2*n, pub.Params().Name)
		}
		r := new(big.Int).SetBytes(s1.Signature[:n])
		s := new(big.Int).SetBytes(s1.Signature[n:])
		return ecdsa.Verify(pub, digest, r, s), nil

	case *rsa.PublicKey:
		switch alg {
		case PS256Alg, PS384Alg, PS512Alg:
			err := rsa.VerifyPSS(pub, alg.HashFunc(), digest, s1.Signature, &rsa.PSSOptions{
				SaltLength: rsa.PSSSaltLengthEqualsHash,
			})
			return err == nil, nil
		case RS256Alg, RS384Alg, RS512Alg:
			return rsa.VerifyPKCS1v15(pub, alg.HashFunc(), digest, s1.Signature) == nil, nil
		default:
			return false, fmt.Errorf("algorithm %s cannot be used with an RSA key", alg)
		}

	default:
		return false, fmt.Errorf("unsupported key type for verifying: %T", key)
	}
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// rfc8152Signature converts an ASN.1 DER ECDSA signature to the fixed size
// r|s encoding.
func rfc8152Signature(pub *ecdsa.PublicKey, der []byte) ([]byte, error) {
	var (
		r, s  big.Int
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(&r) ||
		!inner.ReadASN1Integer(&s) ||
		!inner.Empty() {
		return nil, errors.New("signer returned a malformed ECDSA signature")
	}
	n := (pub.Params().N.BitLen() + 7) / 8
	if r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > 8*n || s.BitLen() > 8*n {
		return nil, errors.New("signer returned an out of range ECDSA signature")
	}
	sig := make([]byte, 2*n)
	r.FillBytes(sig[:n])
	s.FillBytes(sig[n:])
	return sig, nil
}

// ASN1Signature converts a fixed size r|s ECDSA signature to ASN.1 DER, the
// encoding expected by crypto/ecdsa.VerifyASN1.
func ASN1Signature(sig []byte) ([]byte, error) {
	if len(sig) == 0 || len(sig)%2 != 0 {
		return nil, errors.New("signature length must be even and non-zero")
	}
	n := len(sig) / 2
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(new(big.Int).SetBytes(sig[:n]))
		b.AddASN1BigInt(new(big.Int).SetBytes(sig[n:]))
	})
	return b.Bytes()
}
