// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

/*
Package cbor provides the RFC 8949 Concise Binary Object Representation
(CBOR) encoding used by credential provisioning structures.

Encoding uses core deterministic rules: definite lengths and the shortest
integer/length heads. Go maps are encoded with bytewise-sorted keys, but
structures whose key order is part of a signed format must use [Map], which
writes pairs exactly in the order given:

	m := cbor.Map{
		{Key: "name", Val: "family_name"},
		{Key: "value", Val: cbor.RawMessage{0x63, 0x44, 0x6f, 0x65}},
	}
	b, _ := cbor.Marshal(m) // a2 64 6e616d65 ... always in this order

Values which are already encoded, such as opaque data element values, are
embedded with [RawMessage] and are never re-encoded.

Decoding rejects indefinite length items and duplicate map keys when
decoding into Go maps. Decoding into a [Map] keeps every pair, in order, as
raw messages, so that a decoded structure can be compared against the
structure that produced it.
*/
package cbor
