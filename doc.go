// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package idcred implements provisioning of identity credentials, such as
// mobile driving licenses, by an issuing authority.
//
// Provisioning happens once per credential. A [Provisioner] creates a
// [Credential] for a name and document type. The issuer may then ask for the
// certificate chain of the credential's CredentialKey using
// [Credential.CertificateChain], passing a fresh challenge. The leaf of the
// chain carries a key attestation extension (see package attest) which tells
// the issuer where the key lives and proves freshness.
//
// Finally [Credential.Personalize] writes the initial data set, grouped into
// namespaces and guarded by access control profiles. It returns a COSE_Sign1
// signed by the CredentialKey whose payload is the ProofOfProvisioning:
//
//	ProofOfProvisioning = [
//	    "ProofOfProvisioning",
//	    tstr,                         ; DocType
//	    [ * AccessControlProfile ],
//	    ProvisionedData,
//	    bool                          ; true if this is a test credential
//	]
//
// The issuer verifies it with [VerifyProofOfProvisioning] using the public
// key of the leaf certificate. After a successful call the credential is
// personalized and can never be written again.
//
// Keys are kept by a [KeyStore]. Two implementations are included in the
// library. [soft.KeyStore] holds software keys in memory or as PKCS#8 files
// and [tpm.KeyStore] uses unexportable keys secured inside a TPM 2.0.
// Personalized credentials are handed to a [Store]. As an example
// implementation, [sqlite.DB] is provided in a separate, optional module.
//
// [soft.KeyStore]: https://pkg.go.dev/github.com/identity-credential/go-idcred/soft#KeyStore
// [tpm.KeyStore]: https://pkg.go.dev/github.com/identity-credential/go-idcred/tpm#KeyStore
// [sqlite.DB]: https://pkg.go.dev/github.com/identity-credential/go-idcred/sqlite#DB
package idcred
