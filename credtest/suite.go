// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package credtest contains test harnesses for key store and credential store
// implementations.
package credtest

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/identity-credential/go-idcred"
	"github.com/identity-credential/go-idcred/attest"
)

// RunProvisioningSuite is used to test different combinations of key store and
// credential store. If store is nil, a MemoryStore is used.
func RunProvisioningSuite(t *testing.T, keys idcred.KeyStore, store idcred.Store) { //nolint:gocyclo
	if store == nil {
		store = new(MemoryStore)
	}
	prov := &idcred.Provisioner{
		Keys:   keys,
		Store:  store,
		Logger: TestingLogger(t),
	}
	publicKey := func(t *testing.T, name string) crypto.PublicKey {
		key, err := keys.CreateKey(context.TODO(), idcred.KeyAlias(name))
		if err != nil {
			t.Fatalf("error loading credential key: %v", err)
		}
		return key.Public()
	}

	t.Run("CertificateChain", func(t *testing.T) {
		ctx := context.TODO()
		cred, err := prov.CreateCredential(ctx, "suite-chain", MDLDocType)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = prov.DeleteCredential(ctx, cred.Name()) }()

		if _, err := cred.CertificateChain(ctx, nil); !errors.Is(err, idcred.ErrInvalidChallenge) {
			t.Fatalf("expected ErrInvalidChallenge, got %v", err)
		}
		if _, err := cred.CertificateChain(ctx, []byte{}); !errors.Is(err, idcred.ErrInvalidChallenge) {
			t.Fatalf("expected ErrInvalidChallenge, got %v", err)
		}

		_, err = cred.CertificateChain(ctx, []byte("first use"))
		if errors.Is(err, idcred.ErrUnsupportedHardware) {
			t.Skip("key store does not support attestation")
		}
		if err != nil {
			t.Fatal(err)
		}

		for _, challenge := range [][]byte{[]byte("first challenge"), []byte("second challenge")} {
			chain, err := cred.CertificateChain(ctx, challenge)
			if err != nil {
				t.Fatal(err)
			}
			desc, err := attest.Verify(chain, nil)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(desc.AttestationChallenge, challenge) {
				t.Errorf("expected challenge %q, got %q", challenge, desc.AttestationChallenge)
			}
			if got, want := desc.TeeEnforced.IdentityCredentialKey, keys.HardwareBacked(); got != want {
				t.Errorf("identity credential tag present=%t, hardware-backed=%t", got, want)
			}
			if desc.SoftwareEnforced.IdentityCredentialKey {
				t.Error("identity credential tag must not be software enforced")
			}
			if !chain[0].PublicKey.(interface{ Equal(crypto.PublicKey) bool }).Equal(publicKey(t, cred.Name())) {
				t.Error("leaf certificate does not certify the credential key")
			}
		}
	})

	t.Run("Personalize", func(t *testing.T) {
		ctx := context.TODO()
		cred, err := prov.CreateCredential(ctx, "suite-personalize", MDLDocType)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = prov.DeleteCredential(ctx, cred.Name()) }()

		data := SampleData(t)
		signed, err := cred.Personalize(ctx, data)
		if err != nil {
			t.Fatal(err)
		}

		proof, err := idcred.VerifyProofOfProvisioning(signed, publicKey(t, cred.Name()))
		if err != nil {
			t.Fatal(err)
		}
		if proof.DocType != MDLDocType {
			t.Errorf("expected doc type %q, got %q", MDLDocType, proof.DocType)
		}
		if proof.TestCredential {
			t.Error("test credential flag must be false")
		}
		if diff := DiffData(data, &proof.Data); diff != "" {
			t.Errorf("proof of provisioning mismatch (-want +got):\n%s", diff)
		}

		if !cred.Personalized() {
			t.Error("expected credential to be personalized")
		}
		if ok, err := store.Exists(ctx, cred.Name()); err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Error("expected credential to be stored")
		}

		// Personalized is terminal
		if _, err := cred.Personalize(ctx, data); !errors.Is(err, idcred.ErrAlreadyPersonalized) {
			t.Errorf("expected ErrAlreadyPersonalized, got %v", err)
		}
		if _, err := cred.CertificateChain(ctx, []byte("late")); !errors.Is(err, idcred.ErrAlreadyPersonalized) {
			t.Errorf("expected ErrAlreadyPersonalized, got %v", err)
		}
		if _, err := prov.CreateCredential(ctx, cred.Name(), MDLDocType); !errors.Is(err, idcred.ErrAlreadyPersonalized) {
			t.Errorf("expected ErrAlreadyPersonalized, got %v", err)
		}
	})

	t.Run("InvalidReference", func(t *testing.T) {
		ctx := context.TODO()
		cred, err := prov.CreateCredential(ctx, "suite-reference", MDLDocType)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = prov.DeleteCredential(ctx, cred.Name()) }()

		data := SampleData(t)
		data.PutEntryString(MDLNamespace, "issuing_country", []idcred.AccessControlProfileID{7}, "DE")

		signed, err := cred.Personalize(ctx, data)
		var refErr *idcred.AccessControlReferenceError
		if !errors.As(err, &refErr) || !errors.Is(err, idcred.ErrInvalidAccessControlReference) {
			t.Fatalf("expected AccessControlReferenceError, got %v", err)
		}
		if refErr.ProfileID != 7 || refErr.Entry != "issuing_country" || refErr.Namespace != MDLNamespace {
			t.Errorf("unexpected reference error: %+v", refErr)
		}
		if signed != nil {
			t.Error("no signed bytes may be returned on failure")
		}
		if ok, err := store.Exists(ctx, cred.Name()); err != nil {
			t.Fatal(err)
		} else if ok {
			t.Error("credential must not be stored after a failure")
		}

		// Retry on the same instance
		data.AddAccessControlProfile(idcred.AccessControlProfile{ID: 7})
		if _, err := cred.Personalize(ctx, data); err != nil {
			t.Fatalf("expected retry to succeed: %v", err)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		ctx := context.TODO()
		cred, err := prov.CreateCredential(ctx, "suite-concurrent", MDLDocType)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = prov.DeleteCredential(ctx, cred.Name()) }()

		data := SampleData(t)
		const n = 8
		results := make([][]byte, n)
		errs := make([]error, n)
		var g errgroup.Group
		for i := range n {
			g.Go(func() error {
				results[i], errs[i] = cred.Personalize(ctx, data)
				return nil
			})
		}
		_ = g.Wait()

		var successes int
		for i := range n {
			switch {
			case errs[i] == nil:
				successes++
				if _, err := idcred.VerifyProofOfProvisioning(results[i], publicKey(t, cred.Name())); err != nil {
					t.Error(err)
				}
			case errors.Is(errs[i], idcred.ErrAlreadyPersonalized):
			default:
				t.Errorf("unexpected error: %v", errs[i])
			}
		}
		if successes != 1 {
			t.Errorf("expected exactly one successful personalization, got %d", successes)
		}
	})

	t.Run("SameName", func(t *testing.T) {
		ctx := context.TODO()
		const name = "suite-same-name"

		const n = 4
		creds := make([]*idcred.Credential, n)
		errs := make([]error, n)
		var g errgroup.Group
		for i := range n {
			g.Go(func() error {
				creds[i], errs[i] = prov.CreateCredential(ctx, name, MDLDocType)
				return nil
			})
		}
		_ = g.Wait()

		var first *idcred.Credential
		for i := range n {
			switch {
			case errs[i] == nil:
				if first != nil {
					t.Fatal("expected only one credential per name")
				}
				first = creds[i]
			case errors.Is(errs[i], idcred.ErrCredentialInProgress):
			default:
				t.Fatalf("unexpected error: %v", errs[i])
			}
		}
		if first == nil {
			t.Fatal("expected one credential to be created")
		}

		// Create the key of the first instance
		if _, err := first.CertificateChain(ctx, []byte("abandoned")); err != nil && !errors.Is(err, idcred.ErrUnsupportedHardware) {
			t.Fatal(err)
		}
		abandonedKey := publicKey(t, name)
		if err := first.Abandon(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := first.Personalize(ctx, SampleData(t)); !errors.Is(err, idcred.ErrAbandoned) {
			t.Fatalf("expected ErrAbandoned, got %v", err)
		}

		second, err := prov.CreateCredential(ctx, name, MDLDocType)
		if err != nil {
			t.Fatalf("expected name to be free after abandoning: %v", err)
		}
		defer func() { _ = prov.DeleteCredential(ctx, name) }()
		signed, err := second.Personalize(ctx, SampleData(t))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := idcred.VerifyProofOfProvisioning(signed, abandonedKey); err == nil {
			t.Fatal("expected a new credential key after abandoning")
		}
		if _, err := idcred.VerifyProofOfProvisioning(signed, publicKey(t, name)); err != nil {
			t.Fatal(err)
		}
		if err := second.Abandon(ctx); !errors.Is(err, idcred.ErrAlreadyPersonalized) {
			t.Errorf("expected ErrAlreadyPersonalized, got %v", err)
		}
	})

	t.Run("DeleteInProgress", func(t *testing.T) {
		ctx := context.TODO()
		cred, err := prov.CreateCredential(ctx, "suite-delete-in-progress", MDLDocType)
		if err != nil {
			t.Fatal(err)
		}
		if err := prov.DeleteCredential(ctx, cred.Name()); err != nil {
			t.Fatal(err)
		}
		if _, err := cred.Personalize(ctx, SampleData(t)); !errors.Is(err, idcred.ErrAbandoned) {
			t.Fatalf("expected ErrAbandoned, got %v", err)
		}
		if ok, err := store.Exists(ctx, cred.Name()); err != nil {
			t.Fatal(err)
		} else if ok {
			t.Error("abandoned credential must not be stored")
		}
	})

	t.Run("DeleteCredential", func(t *testing.T) {
		ctx := context.TODO()
		cred, err := prov.CreateCredential(ctx, "suite-delete", MDLDocType)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := cred.Personalize(ctx, SampleData(t)); err != nil {
			t.Fatal(err)
		}
		if err := prov.DeleteCredential(ctx, cred.Name()); err != nil {
			t.Fatal(err)
		}
		if ok, err := store.Exists(ctx, cred.Name()); err != nil {
			t.Fatal(err)
		} else if ok {
			t.Error("expected credential to be deleted")
		}
		// Deleting twice is not an error
		if err := prov.DeleteCredential(ctx, cred.Name()); err != nil {
			t.Fatal(err)
		}

		again, err := prov.CreateCredential(ctx, cred.Name(), MDLDocType)
		if err != nil {
			t.Fatalf("expected name to be reusable: %v", err)
		}
		defer func() { _ = prov.DeleteCredential(ctx, again.Name()) }()
		if _, err := again.Personalize(ctx, SampleData(t)); err != nil {
			t.Fatal(err)
		}
	})
}
