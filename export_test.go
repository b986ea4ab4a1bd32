// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package idcred

// MarkTestCredential makes c produce proofs with the test credential flag set.
func MarkTestCredential(c *Credential) { c.testCredential = true }

// EncodeTestProofOfProvisioning encodes a proof with the test credential flag
// set.
func EncodeTestProofOfProvisioning(docType string, data *PersonalizationData) ([]byte, error) {
	return encodeProofOfProvisioning(docType, data, true)
}
