// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package tpm implements a hardware-backed key store for CredentialKeys using
// a TPM 2.0.
//
// Keys are ECDSA P-256 primary keys in the endorsement hierarchy. A primary
// key is fully determined by the hierarchy seed and its template, so keys are
// never exported or stored. Each alias gets a random salt, kept in an NV
// index sealed to a PCR policy, which is mixed into the template. Deleting
// the salt makes the key impossible to recreate.
package tpm

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/go-tpm/tpm2/transport"
)

// TPM is a connection to a TPM 2.0.
type TPM = transport.TPM

// DevNodeKind distinguishes TPM device nodes with and without the kernel
// resource manager.
type DevNodeKind int

// Device node kinds
const (
	DevNodeUnmanaged DevNodeKind = iota
	DevNodeManaged
)

// PathPrefix returns the device path without its number.
func (k DevNodeKind) PathPrefix() string {
	switch k {
	case DevNodeManaged:
		return "/dev/tpmrm"
	default:
		return "/dev/tpm"
	}
}

// IsDevNode reports whether path names a TPM device node of the given kind.
func IsDevNode(path string, kind DevNodeKind) bool {
	num, ok := strings.CutPrefix(path, kind.PathPrefix())
	if !ok || num == "" {
		return false
	}
	_, err := strconv.ParseUint(num, 10, 8)
	return err == nil
}

// Open will open a TPM device at the given path.
//
// Clients should use /dev/tpmrmN because using /dev/tpmN requires more
// extensive resource management that the kernel already handles for us
// when using the kernel resource manager.
func Open(path string) (transport.TPMCloser, error) {
	switch {
	case IsDevNode(path, DevNodeManaged):
		return transport.OpenTPM(path)
	case IsDevNode(path, DevNodeUnmanaged):
		slog.Warn("direct use of the TPM can lead to resource exhaustion, use a TPM resource manager instead")
		return transport.OpenTPM(path)
	default:
		return nil, fmt.Errorf("unsupported TPM device path: %s", path)
	}
}
