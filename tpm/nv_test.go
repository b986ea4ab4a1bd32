// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm_test

import (
	"bytes"
	"crypto"
	"testing"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/simulator"

	"github.com/identity-credential/go-idcred/tpm"
)

func openSimulator(t *testing.T) transport.TPMCloser {
	t.Helper()
	sim, err := simulator.OpenSimulator()
	if err != nil {
		t.Fatalf("error opening opening TPM simulator: %v", err)
	}
	t.Cleanup(func() {
		if err := sim.Close(); err != nil {
			t.Error(err)
		}
	})
	return sim
}

func TestNV(t *testing.T) {
	pcrs := tpm.PCRList{
		crypto.SHA256: []int{1, 2, 3, 4},
	}
	const index = 0x0180000F

	t.Run("Read missing", func(t *testing.T) {
		sim := openSimulator(t)

		got, err := tpm.ReadNV(sim, index, pcrs)
		if err != nil {
			t.Fatalf("expected no error reading missing index, got %v", err)
		}
		if got != nil {
			t.Fatalf("expected no data, got %x", got)
		}
	})

	t.Run("Write then read", func(t *testing.T) {
		sim := openSimulator(t)

		expect := []byte("Hello world!")
		if err := tpm.WriteNV(sim, index, expect, pcrs); err != nil {
			t.Fatal(err)
		}
		got, err := tpm.ReadNV(sim, index, pcrs)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(expect, got) {
			t.Fatalf("expected %x, got %x", expect, got)
		}
	})

	t.Run("Write then overwrite then read", func(t *testing.T) {
		sim := openSimulator(t)

		expect := []byte("Hello world!")
		if err := tpm.WriteNV(sim, index, expect[:len(expect)-2], pcrs); err != nil {
			t.Fatal(err)
		}
		if err := tpm.WriteNV(sim, index, expect, pcrs); err != nil {
			t.Fatal(err)
		}
		got, err := tpm.ReadNV(sim, index, pcrs)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(expect, got) {
			t.Fatalf("expected %x, got %x", expect, got)
		}
	})

	t.Run("Write then delete", func(t *testing.T) {
		sim := openSimulator(t)

		if err := tpm.WriteNV(sim, index, []byte("salt"), pcrs); err != nil {
			t.Fatal(err)
		}
		if err := tpm.DeleteNV(sim, index); err != nil {
			t.Fatal(err)
		}
		if got, err := tpm.ReadNV(sim, index, pcrs); err != nil || got != nil {
			t.Fatalf("expected deleted index to read as missing, got %x, %v", got, err)
		}
		if err := tpm.DeleteNV(sim, index); err != nil {
			t.Fatalf("expected deleting a missing index to succeed: %v", err)
		}
	})

	t.Run("Write then read with bad policy", func(t *testing.T) {
		sim := openSimulator(t)

		expect := []byte("Hello world!")
		if err := tpm.WriteNV(sim, index, expect, pcrs); err != nil {
			t.Fatal(err)
		}
		if _, err := tpm.ReadNV(sim, index, tpm.PCRList{
			crypto.SHA256: []int{7},
		}); err == nil {
			t.Fatal("expected an error when reading with bad PCR selection")
		} else {
			t.Log(err)
		}
	})
}
