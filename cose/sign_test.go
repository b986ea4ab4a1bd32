// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cose_test

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"math/big"
	"testing"

	"github.com/identity-credential/go-idcred/cbor"
	"github.com/identity-credential/go-idcred/cose"
)

func TestSignAndVerify(t *testing.T) {
	t.Run("es256", func(t *testing.T) {
		// Test from https://github.com/cose-wg/Examples/blob/b7a0a92bcdcba1e35c2075140e0c7c64e6e13551/sign1-tests/sign-pass-02.json
		x, _ := base64.RawURLEncoding.DecodeString("usWxHK2PmfnHKwXPS54m0kTcGJ90UiglWiGahtagnv8")
		y, _ := base64.RawURLEncoding.DecodeString("IBOL-C3BttVivg-lSreASjpkttcsz-1rb7btKLv8EX4")
		d, _ := base64.RawURLEncoding.DecodeString("V8kgd2ZBRuh2dgyVINBUqpPDr7BOMGcF22CQMIUHtNM")
		key256 := &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{
				Curve: elliptic.P256(),
				X:     new(big.Int).SetBytes(x),
				Y:     new(big.Int).SetBytes(y),
			},
			D: new(big.Int).SetBytes(d),
		}
		data, _ := hex.DecodeString("d28443a10126a10442313154546869732069732074686520636f6e74656e742e584010729cd711cb3813d8d8e944a8da7111e7b258c9bdca6135f7ae1adbee9509891267837e1e33bd36c150326ae62755c6bd8e540c3e8f92d7d225e8db72b8820b")

		s1 := cose.Sign1{
			Header: cose.Header{
				Unprotected: cose.HeaderMap{
					cose.KeyIDLabel: []byte("11"),
				},
			},
			Payload: []byte("This is the content."),
		}

		externalAAD, _ := hex.DecodeString("11aa22bb33cc44dd55006699")

		if err := s1.Sign(key256, nil, externalAAD, nil); err != nil {
			t.Fatalf("error signing: %v", err)
		}
		if len(s1.Signature) != 64 {
			t.Fatalf("signature length correct: expected %d, got %d", 64, len(s1.Signature))
		}
		if passed, err := s1.Verify(key256.Public(), nil, externalAAD); err != nil || !passed {
			t.Fatalf("verification of fresh signature failed: %v", err)
		}

		// ECDSA signatures are randomized, so only the envelope up to the
		// signature can be compared with the test case.
		got, err := cbor.Marshal(s1.Tag())
		if err != nil {
			t.Fatalf("error marshaling: %v", err)
		}
		if prefix := data[:len(data)-64]; !bytes.Equal(got[:len(got)-64], prefix) {
			t.Fatalf("expected envelope % x, got % x", prefix, got[:len(got)-64])
		}

		// Unmarshal from test case
		var s1t cose.Sign1
		if err := cbor.Unmarshal(data, &s1t); err != nil {
			t.Fatalf("error unmarshaling: %v", err)
		}

		passed, err := s1t.Verify(key256.Public(), nil, externalAAD)
		if err != nil {
			t.Fatalf("error verifying: %v", err)
		}
		if !passed {
			t.Fatal("verification failed")
		}

		if passed, _ := s1t.Verify(key256.Public(), nil, nil); passed {
			t.Fatal("verification without external AAD should fail")
		}
	})

	t.Run("es384", func(t *testing.T) {
		key384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			t.Errorf("error generating ec key p384: %v", err)
			return
		}

		s1 := cose.Sign1{
			Payload: []byte("This is the content."),
		}
		if err := s1.Sign(key384, nil, nil, nil); err != nil {
			t.Fatalf("error signing: %v", err)
		}
		if len(s1.Signature) != 96 {
			t.Fatalf("signature length correct: expected %d, got %d", 96, len(s1.Signature))
		}

		// Marshal and Unmarshal
		data, err := cbor.Marshal(s1)
		if err != nil {
			t.Fatalf("error marshaling: %v", err)
		}
		if data[0] != 0x84 {
			t.Fatalf("expected untagged array, got leading byte %#x", data[0])
		}
		var s1a cose.Sign1
		if err := cbor.Unmarshal(data, &s1a); err != nil {
			t.Fatalf("error unmarshaling: %v", err)
		}

		passed, err := s1a.Verify(key384.Public(), nil, nil)
		if err != nil {
			t.Fatalf("error verifying: %v", err)
		}
		if !passed {
			t.Fatal("verification failed")
		}
	})

	t.Run("ps256", func(t *testing.T) {
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatal(err)
		}
		s1 := cose.Sign1{Payload: []byte("This is the content.")}
		if err := s1.Sign(rsaKey, nil, nil, &rsa.PSSOptions{Hash: crypto.SHA256}); err != nil {
			t.Fatalf("error signing: %v", err)
		}
		if alg, _ := s1.Protected.Algorithm(); alg != cose.PS256Alg {
			t.Fatalf("expected PS256, got %s", alg)
		}
		if passed, err := s1.Verify(rsaKey.Public(), nil, nil); err != nil || !passed {
			t.Fatalf("verification failed: %v", err)
		}
	})

	t.Run("detached payload", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		var s1 cose.Sign1
		if err := s1.Sign(key, nil, nil, nil); err == nil {
			t.Fatal("expected error signing without any payload")
		}
		if err := s1.Sign(key, []byte("detached"), nil, nil); err != nil {
			t.Fatal(err)
		}
		if s1.Payload != nil {
			t.Fatal("detached payload should not be embedded")
		}
		if passed, err := s1.Verify(key.Public(), []byte("detached"), nil); err != nil || !passed {
			t.Fatalf("verification failed: %v", err)
		}
		if passed, _ := s1.Verify(key.Public(), []byte("tampered"), nil); passed {
			t.Fatal("verification of tampered payload should fail")
		}
	})
}

func TestVerifyRS256(t *testing.T) {
	data, _ := hex.DecodeString("D28445A101390100A219010050B2D33EFA8E5CEA10EA364043BC381BC319010183010159012630820122300D06092A864886F70D01010105000382010F003082010A0282010100D3E882BC85EBE378B5C043F5F51135F39531C5708FB0A455FB680EFF25070502AD3F333DE6E1BBAAC4C133107F125C8056047D4C77DBDDE178EB92B43432F249F7CA080BE18B04662D03F4D28873B9569094D50B036D4B8B65EEE101EC54B2F834A45E4E297464DC231C74E643EC99FA84B49363D3AA7BB5E73AA96B0C74C886C132F997AEA110B4F5B89451A52BFA651D50FCABFDE7FB570A99F744F849AFDC27732F5BDEE138EA2D2AE0E95BC010EAE36C9EEE7286CC615844D7A84946D4B8C6653563004B528771734F30BFF2AF9C699D9CF23477663C231F936670AA64BBDD4AB4367A62AB34A5DFB44CA03D4ECC74C28E33803B3CA4A04C0271BBE6D1AD02030100015901F98859017186186550ED5C309AC00D13F29B22912649FAC98E806B746573745F64657669636583010159012630820122300D06092A864886F70D01010105000382010F003082010A0282010100D3E882BC85EBE378B5C043F5F51135F39531C5708FB0A455FB680EFF25070502AD3F333DE6E1BBAAC4C133107F125C8056047D4C77DBDDE178EB92B43432F249F7CA080BE18B04662D03F4D28873B9569094D50B036D4B8B65EEE101EC54B2F834A45E4E297464DC231C74E643EC99FA84B49363D3AA7BB5E73AA96B0C74C886C132F997AEA110B4F5B89451A52BFA651D50FCABFDE7FB570A99F744F849AFDC27732F5BDEE138EA2D2AE0E95BC010EAE36C9EEE7286CC615844D7A84946D4B8C6653563004B528771734F30BFF2AF9C699D9CF23477663C231F936670AA64BBDD4AB4367A62AB34A5DFB44CA03D4ECC74C28E33803B3CA4A04C0271BBE6D1AD0203010001822F58209F17599E0A16082ABAF313F448ADD12ACD14C981A3DFA786D240C842113D974000820558206552C303917E65450B187727BB6DF531C819421E7148790C045B52DCC1DFBC9D509B5473C6ED93FD29C5507FAFC0B5824082390100405820829DA9590248B6B8F9B559BB2B5BAC3CE88984963FC0FAE842A5B5F07C3B15E5822F58206EBB2E1467C7162BB953C36092AD805207A8474CCD18B06267198B184C34EAF419FFFF590100881E74D84932C8986341F8423801F43AAB92A813F53EE9902CC5D2EBF48F4EA23CA84FE52F709B1C86B6A17295B605B5D5D1E876069CC0BB7FD9115F16F6E7ACEB43C4997053161CA1117110E24EA83AFB9BF2092DC1E921DAC0ECD533FD33B1E6F6E48A04D085D8A3B9552C6A447F39249509DE11D2A52F09B13736D0FEE2AFE63AF26AC6A56B615ED7F937B6B087A3D1105C0E07326CD76C8974E12F75C6DC91B18EC08CDDED88B9B32B803BECB37757210682C9D975BE507C8364AD4AE99E5A903DB04AB5F94BAA039168D070F641F3685437F32972CB79D4F92FCDC47045D9CDCB9385DE1DCE1421D3CBF09CD73D34775775E4300C7454ADA07C92D38613")

	var s1 cose.Sign1
	if err := cbor.Unmarshal(data, &s1); err != nil {
		t.Fatal(err)
	}

	var pubKey struct {
		_        struct{} `cbor:",toarray"`
		Type     int
		Encoding int
		Body     []byte
	}
	if ok, err := s1.Unprotected.Parse(257, &pubKey); err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected pub key in unprotected header")
	}

	key, err := x509.ParsePKIXPublicKey(pubKey.Body)
	if err != nil {
		t.Fatal(err)
	}
	if alg, _ := s1.Protected.Algorithm(); alg != cose.RS256Alg {
		t.Fatalf("expected RS256, got %s", alg)
	}
	if ok, err := s1.Verify(key, nil, nil); err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("verification failed")
	}
}

func TestVerifyErrors(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s1 := cose.Sign1{Payload: []byte("payload")}
	if err := s1.Sign(key, nil, nil, nil); err != nil {
		t.Fatal(err)
	}

	t.Run("wrong key", func(t *testing.T) {
		other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		if passed, err := s1.Verify(other.Public(), nil, nil); err != nil || passed {
			t.Fatalf("expected failed verification without error, got passed=%t err=%v", passed, err)
		}
	})

	t.Run("wrong key type", func(t *testing.T) {
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s1.Verify(rsaKey.Public(), nil, nil); err == nil {
			t.Fatal("expected error verifying ES256 with an RSA key")
		}
	})

	t.Run("truncated signature", func(t *testing.T) {
		bad := s1
		bad.Signature = s1.Signature[:63]
		if _, err := bad.Verify(key.Public(), nil, nil); err == nil {
			t.Fatal("expected error for short signature")
		}
	})

	t.Run("missing algorithm", func(t *testing.T) {
		bad := cose.Sign1{Payload: s1.Payload, Signature: s1.Signature}
		if _, err := bad.Verify(key.Public(), nil, nil); err == nil {
			t.Fatal("expected error for missing algorithm")
		}
	})
}

func TestUnmarshalRejectsEmptySignature(t *testing.T) {
	// [h'', {}, h'00', h'']
	data := []byte{0x84, 0x40, 0xa0, 0x41, 0x00, 0x40}
	var s1 cose.Sign1
	if err := cbor.Unmarshal(data, &s1); err == nil {
		t.Fatal("expected error")
	}
}

type failingSigner struct{ crypto.Signer }

func (failingSigner) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, errors.New("device unavailable")
}

type rawSigner struct{ *ecdsa.PrivateKey }

// Sign returns r|s rather than ASN.1 DER.
func (s rawSigner) Sign(rand io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	r, ss, err := ecdsa.Sign(rand, s.PrivateKey, digest)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	ss.FillBytes(sig[32:])
	return sig, nil
}

func TestSignerErrors(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	s1 := cose.Sign1{Payload: []byte("payload")}
	if err := s1.Sign(failingSigner{key}, nil, nil, nil); err == nil {
		t.Fatal("expected signer error to be returned")
	}
	if s1.Signature != nil {
		t.Fatal("signature must not be set on failure")
	}

	if err := s1.Sign(rawSigner{key}, nil, nil, nil); err == nil {
		t.Fatal("expected malformed signature error")
	}
}

func TestASN1Signature(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s1 := cose.Sign1{Payload: []byte("payload")}
	if err := s1.Sign(key, nil, nil, nil); err != nil {
		t.Fatal(err)
	}

	der, err := cose.ASN1Signature(s1.Signature)
	if err != nil {
		t.Fatal(err)
	}
	// Recompute the digest of the Sig_structure to check the DER form
	protected, _ := cbor.Marshal(map[cose.Label]any{cose.AlgLabel: cose.ES256Alg})
	tbs, _ := cbor.Marshal([]any{"Signature1", protected, []byte{}, []byte("payload")})
	digest := sha256.Sum256(tbs)
	if !ecdsa.VerifyASN1(&key.PublicKey, digest[:], der) {
		t.Fatal("DER signature did not verify")
	}

	if _, err := cose.ASN1Signature([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for odd length")
	}
}
