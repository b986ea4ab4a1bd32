// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package idcred_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/identity-credential/go-idcred"
	"github.com/identity-credential/go-idcred/attest"
	"github.com/identity-credential/go-idcred/cbor"
	"github.com/identity-credential/go-idcred/credtest"
	"github.com/identity-credential/go-idcred/soft"
)

type failingStore struct {
	*credtest.MemoryStore
	err error
}

func (s *failingStore) SaveCredential(ctx context.Context, cred *idcred.PersonalizedCredential) error {
	if s.err != nil {
		return s.err
	}
	return s.MemoryStore.SaveCredential(ctx, cred)
}

func newProvisioner(t *testing.T, store idcred.Store) (*idcred.Provisioner, *credtest.FaultyKeyStore) {
	t.Helper()
	iss, err := attest.NewSelfSignedIssuer(attest.Software, false)
	if err != nil {
		t.Fatal(err)
	}
	keys := &credtest.FaultyKeyStore{KeyStore: &soft.KeyStore{Issuer: iss, Logger: credtest.TestingLogger(t)}}
	return &idcred.Provisioner{Keys: keys, Store: store, Logger: credtest.TestingLogger(t)}, keys
}

func TestPersonalizeEnvelope(t *testing.T) {
	ctx := context.Background()
	prov, _ := newProvisioner(t, nil)
	cred, err := prov.CreateCredential(ctx, "envelope", credtest.MDLDocType)
	if err != nil {
		t.Fatal(err)
	}
	data := credtest.SampleData(t)
	signed, err := cred.Personalize(ctx, data)
	if err != nil {
		t.Fatal(err)
	}

	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(signed, &parts); err != nil {
		t.Fatalf("expected an untagged array: %v", err)
	}
	if len(parts) != 4 {
		t.Fatalf("expected 4 items, got %d", len(parts))
	}
	// bstr(<< {1: -7} >>)
	if diff := cmp.Diff([]byte{0x43, 0xa1, 0x01, 0x26}, []byte(parts[0])); diff != "" {
		t.Errorf("protected header (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0xa0}, []byte(parts[1])); diff != "" {
		t.Errorf("unprotected header (-want +got):\n%s", diff)
	}
	var payload, sig []byte
	if err := cbor.Unmarshal(parts[2], &payload); err != nil {
		t.Fatal(err)
	}
	if err := cbor.Unmarshal(parts[3], &sig); err != nil {
		t.Fatal(err)
	}
	if len(sig) != 64 {
		t.Errorf("expected a 64 byte r|s signature, got %d bytes", len(sig))
	}
	want, err := idcred.EncodeProofOfProvisioning(credtest.MDLDocType, data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(want, payload) {
		t.Error("payload is not the encoded proof of provisioning")
	}
}

func TestPersonalizeStoresCredential(t *testing.T) {
	ctx := context.Background()
	store := new(credtest.MemoryStore)
	prov, _ := newProvisioner(t, store)
	cred, err := prov.CreateCredential(ctx, "stored", credtest.MDLDocType)
	if err != nil {
		t.Fatal(err)
	}
	chain, err := cred.CertificateChain(ctx, []byte("challenge"))
	if err != nil {
		t.Fatal(err)
	}
	data := credtest.SampleData(t)
	signed, err := cred.Personalize(ctx, data)
	if err != nil {
		t.Fatal(err)
	}

	saved := store.Credential("stored")
	if saved == nil {
		t.Fatal("credential was not saved")
	}
	if saved.DocType != credtest.MDLDocType || saved.KeyAlias != idcred.KeyAlias("stored") {
		t.Errorf("unexpected saved credential: %+v", saved)
	}
	if !bytes.Equal(saved.ProofOfProvisioning, signed) {
		t.Error("saved proof does not match returned proof")
	}
	if len(saved.CertificateChain) != len(chain) || !saved.CertificateChain[0].Equal(chain[0]) {
		t.Error("saved certificate chain does not match the attested chain")
	}
	if diff := credtest.DiffData(data, saved.Data); diff != "" {
		t.Errorf("saved data (-want +got):\n%s", diff)
	}

	// Changing the caller's data afterwards does not affect the saved copy
	data.PutEntryString(credtest.MDLNamespace, "given_name", nil, "Max")
	data.Namespaces[0].Entries[1].Value[1] = 'X'
	for i, want := range [][]byte{
		append([]byte{0x65}, "Erika"...),
		append([]byte{0x6a}, "Mustermann"...),
	} {
		if got := saved.Data.Namespaces[0].Entries[i].Value; !bytes.Equal(want, got) {
			t.Errorf("saved entry %d changed with the caller's data: %x", i, got)
		}
	}

	if _, err := idcred.VerifyProofOfProvisioning(signed, chain[0].PublicKey); err != nil {
		t.Fatalf("proof does not verify with the attested key: %v", err)
	}
}

func TestPersonalizeFailuresAreRetryable(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("CreateKey", func(t *testing.T) {
		store := new(credtest.MemoryStore)
		prov, keys := newProvisioner(t, store)
		cred, err := prov.CreateCredential(ctx, "create", credtest.MDLDocType)
		if err != nil {
			t.Fatal(err)
		}
		keys.FailCreate(boom)
		if _, err := cred.Personalize(ctx, credtest.SampleData(t)); !errors.Is(err, idcred.ErrSigningFailure) || !errors.Is(err, boom) {
			t.Fatalf("expected ErrSigningFailure wrapping the key store error, got %v", err)
		}
		if cred.Personalized() || store.Saves() != 0 {
			t.Fatal("failed personalization must not change state")
		}
		keys.FailCreate(nil)
		if _, err := cred.Personalize(ctx, credtest.SampleData(t)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Sign", func(t *testing.T) {
		store := new(credtest.MemoryStore)
		prov, keys := newProvisioner(t, store)
		cred, err := prov.CreateCredential(ctx, "sign", credtest.MDLDocType)
		if err != nil {
			t.Fatal(err)
		}
		keys.FailSign(boom)
		signed, err := cred.Personalize(ctx, credtest.SampleData(t))
		if !errors.Is(err, idcred.ErrSigningFailure) {
			t.Fatalf("expected ErrSigningFailure, got %v", err)
		}
		if signed != nil || cred.Personalized() || store.Saves() != 0 {
			t.Fatal("failed personalization must not change state")
		}
		keys.FailSign(nil)
		if _, err := cred.Personalize(ctx, credtest.SampleData(t)); err != nil {
			t.Fatal(err)
		}
		if store.Saves() != 1 {
			t.Fatalf("expected one save, got %d", store.Saves())
		}
	})

	t.Run("Store", func(t *testing.T) {
		store := &failingStore{MemoryStore: new(credtest.MemoryStore), err: boom}
		prov, _ := newProvisioner(t, store)
		cred, err := prov.CreateCredential(ctx, "store", credtest.MDLDocType)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := cred.Personalize(ctx, credtest.SampleData(t)); !errors.Is(err, idcred.ErrPersistence) || !errors.Is(err, boom) {
			t.Fatalf("expected ErrPersistence wrapping the store error, got %v", err)
		}
		if cred.Personalized() {
			t.Fatal("credential must not be personalized when saving failed")
		}
		store.err = nil
		if _, err := cred.Personalize(ctx, credtest.SampleData(t)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Attest", func(t *testing.T) {
		prov, keys := newProvisioner(t, nil)
		cred, err := prov.CreateCredential(ctx, "attest", credtest.MDLDocType)
		if err != nil {
			t.Fatal(err)
		}
		keys.FailAttest(boom)
		if _, err := cred.CertificateChain(ctx, []byte("challenge")); !errors.Is(err, boom) {
			t.Fatalf("expected attestation error, got %v", err)
		}
		keys.FailAttest(nil)
		if _, err := cred.CertificateChain(ctx, []byte("challenge")); err != nil {
			t.Fatal(err)
		}
		if _, err := cred.Personalize(ctx, credtest.SampleData(t)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("InvalidData", func(t *testing.T) {
		store := new(credtest.MemoryStore)
		prov, _ := newProvisioner(t, store)
		cred, err := prov.CreateCredential(ctx, "invalid", credtest.MDLDocType)
		if err != nil {
			t.Fatal(err)
		}
		data := credtest.SampleData(t)
		ns := &data.Namespaces[0]
		ns.Entries = append(ns.Entries, ns.Entries[0])
		if _, err := cred.Personalize(ctx, data); !errors.Is(err, idcred.ErrDuplicateEntry) {
			t.Fatalf("expected ErrDuplicateEntry, got %v", err)
		}
		if store.Saves() != 0 {
			t.Fatal("invalid data must not be saved")
		}
		if _, err := cred.Personalize(ctx, credtest.SampleData(t)); err != nil {
			t.Fatal(err)
		}
	})
}

func TestCanceledContext(t *testing.T) {
	prov, _ := newProvisioner(t, nil)
	cred, err := prov.CreateCredential(context.Background(), "canceled", credtest.MDLDocType)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cred.CertificateChain(ctx, []byte("challenge")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := cred.Personalize(ctx, credtest.SampleData(t)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if cred.Personalized() {
		t.Error("canceled personalization must not change state")
	}
}

func TestCreateCredentialErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := (&idcred.Provisioner{}).CreateCredential(ctx, "name", credtest.MDLDocType); err == nil {
		t.Error("expected error without a key store")
	}
	prov, _ := newProvisioner(t, nil)
	if _, err := prov.CreateCredential(ctx, "", credtest.MDLDocType); err == nil {
		t.Error("expected error for an empty name")
	}
}

func TestCredentialAccessors(t *testing.T) {
	prov, _ := newProvisioner(t, nil)
	cred, err := prov.CreateCredential(context.Background(), "accessors", credtest.MDLDocType)
	if err != nil {
		t.Fatal(err)
	}
	if cred.Name() != "accessors" || cred.DocType() != credtest.MDLDocType {
		t.Errorf("unexpected name or doc type: %q %q", cred.Name(), cred.DocType())
	}
	if cred.HardwareBacked() {
		t.Error("software keys are not hardware-backed")
	}
	if cred.Personalized() {
		t.Error("new credential must not be personalized")
	}
}

func TestProvisioning(t *testing.T) {
	iss, err := attest.NewSelfSignedIssuer(attest.Software, false)
	if err != nil {
		t.Fatal(err)
	}
	keys := &credtest.FaultyKeyStore{KeyStore: &soft.KeyStore{Issuer: iss}}
	credtest.RunProvisioningSuite(t, keys, nil)
}

func TestTestCredentialFlag(t *testing.T) {
	ctx := context.Background()
	prov, keys := newProvisioner(t, nil)
	cred, err := prov.CreateCredential(ctx, "test-credential", credtest.MDLDocType)
	if err != nil {
		t.Fatal(err)
	}
	idcred.MarkTestCredential(cred)
	signed, err := cred.Personalize(ctx, credtest.SampleData(t))
	if err != nil {
		t.Fatal(err)
	}
	key, err := keys.CreateKey(ctx, idcred.KeyAlias(cred.Name()))
	if err != nil {
		t.Fatal(err)
	}
	proof, err := idcred.VerifyProofOfProvisioning(signed, key.Public())
	if err != nil {
		t.Fatal(err)
	}
	if !proof.TestCredential {
		t.Error("expected test credential flag to be set")
	}
}
