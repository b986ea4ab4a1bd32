// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"testing"

	"github.com/identity-credential/go-idcred/credtest"
	"github.com/identity-credential/go-idcred/tpm"
)

func TestKeySign(t *testing.T) {
	sim := openSimulator(t)
	ks := &tpm.KeyStore{TPM: sim, Logger: credtest.TestingLogger(t)}
	defer func() {
		if err := ks.Close(); err != nil {
			t.Error(err)
		}
	}()

	key, err := ks.CreateKey(context.TODO(), "sign")
	if err != nil {
		t.Fatalf("error creating key: %v", err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("unexpected key type: %T", key.Public())
	}

	digest := sha256.Sum256([]byte("Hello World!"))
	sig, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("error signing digest: %v", err)
	}
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		t.Fatal("error verifying ECDSA signature")
	}

	t.Run("WrongHash", func(t *testing.T) {
		digest := sha512.Sum384([]byte("Hello World!"))
		if _, err := key.Sign(rand.Reader, digest[:], crypto.SHA384); err == nil {
			t.Fatal("expected error signing a SHA-384 digest")
		}
	})
}

func TestKeyLifecycle(t *testing.T) {
	sim := openSimulator(t)
	ctx := context.TODO()
	ks := &tpm.KeyStore{TPM: sim, Logger: credtest.TestingLogger(t)}
	defer func() { _ = ks.Close() }()

	first, err := ks.CreateKey(ctx, "lifecycle")
	if err != nil {
		t.Fatal(err)
	}
	other, err := ks.CreateKey(ctx, "other")
	if err != nil {
		t.Fatal(err)
	}
	if first.Public().(*ecdsa.PublicKey).Equal(other.Public()) {
		t.Fatal("expected distinct keys for distinct aliases")
	}

	// Flushing and loading again yields the same key from the stored salt
	if err := ks.Close(); err != nil {
		t.Fatal(err)
	}
	reloaded, err := (&tpm.KeyStore{TPM: sim}).CreateKey(ctx, "lifecycle")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Public().(*ecdsa.PublicKey).Equal(reloaded.Public()) {
		t.Fatal("expected the same key after reloading")
	}
	if err := reloaded.(*tpm.Key).Close(); err != nil {
		t.Fatal(err)
	}

	// Deleting removes the salt so the key is gone for good
	if err := ks.DeleteKey(ctx, "lifecycle"); err != nil {
		t.Fatal(err)
	}
	if err := ks.DeleteKey(ctx, "lifecycle"); err != nil {
		t.Fatalf("expected deleting a missing key to succeed: %v", err)
	}
	recreated, err := ks.CreateKey(ctx, "lifecycle")
	if err != nil {
		t.Fatal(err)
	}
	if first.Public().(*ecdsa.PublicKey).Equal(recreated.Public()) {
		t.Fatal("expected a new key after deletion")
	}
}
