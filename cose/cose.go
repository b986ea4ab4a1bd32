// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package cose implements the single signer CBOR Object Signing and Encryption
// (COSE) structure, COSE_Sign1, defined in RFC8152.
package cose

/*
COSE Tags

	+-------+---------------+---------------+---------------------------+
	| CBOR  | cose-type     | Data Item     | Semantics                 |
	| Tag   |               |               |                           |
	+-------+---------------+---------------+---------------------------+
	| 18    | cose-sign1    | COSE_Sign1    | COSE Single Signer Data   |
	|       |               |               | Object                    |
	+-------+---------------+---------------+---------------------------+
*/
const Sign1TagNum uint64 = 18
