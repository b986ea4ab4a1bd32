// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cose

import (
	"fmt"

	"github.com/identity-credential/go-idcred/cbor"
)

// Header is a type for embedding protected and unprotected headers into
// COSE structures.
type Header struct {
	Protected   HeaderMap
	Unprotected HeaderMap

	// rawProtected holds the protected header bytes exactly as received, so
	// that verification does not depend on re-encoding.
	rawProtected []byte
}

// protectedBytes returns the serialized protected header: a byte string of
// the encoded map, or an empty byte string when there are no protected
// headers.
func (hdr Header) protectedBytes() ([]byte, error) {
	if hdr.rawProtected != nil {
		return hdr.rawProtected, nil
	}
	if len(hdr.Protected) == 0 {
		return []byte{}, nil
	}
	return cbor.Marshal(map[Label]any(hdr.Protected))
}

func (hdr *Header) setProtected(data []byte) error {
	hdr.Protected = make(HeaderMap)
	hdr.rawProtected = data
	if len(data) == 0 {
		return nil
	}
	var m map[Label]cbor.RawMessage
	if err := cbor.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("error decoding protected header: %w", err)
	}
	for k, raw := range m {
		var v any
		if err := cbor.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("error decoding protected value for %d: %w", k, err)
		}
		hdr.Protected[k] = v
	}
	return nil
}

// HeaderMap is used for protected and unprotected headers. Only integer
// labels are supported.
type HeaderMap map[Label]any

// Parse is a helper to get values from the header map as the expected type.
// Because a HeaderMap unmarshals values to an any interface, their type
// follows the rules of the CBOR unmarshaler. Parse marshals a value back to
// CBOR and then unmarshals it into the provided pointer type v.
func (hm HeaderMap) Parse(l Label, v any) (bool, error) {
	if hm == nil || hm[l] == nil {
		return false, nil
	}
	data, err := cbor.Marshal(hm[l])
	if err != nil {
		return true, err
	}
	return true, cbor.Unmarshal(data, v)
}

// Algorithm returns the signature algorithm set in the header map, if any.
func (hm HeaderMap) Algorithm() (SignatureAlgorithm, bool) {
	var alg SignatureAlgorithm
	if ok, err := hm.Parse(AlgLabel, &alg); !ok || err != nil {
		return 0, false
	}
	return alg, true
}

/*
Common labels

	+-----------+-------+----------------+-------------+----------------+
	| Name      | Label | Value Type     | Value       | Description    |
	|           |       |                | Registry    |                |
	+-----------+-------+----------------+-------------+----------------+
	| alg       | 1     | int / tstr     | COSE        | Cryptographic  |
	|           |       |                | Algorithms  | algorithm to   |
	|           |       |                | registry    | use            |
	| --------- | ----- | -------------- | ----------- | -------------- |
	| content   | 3     | tstr / uint    | CoAP        | Content type   |
	| type      |       |                | Content-    | of the payload |
	|           |       |                | Formats or  |                |
	|           |       |                | Media Types |                |
	|           |       |                | registries  |                |
	| --------- | ----- | -------------- | ----------- | -------------- |
	| kid       | 4     | bstr           |             | Key identifier |
	| --------- | ----- | -------------- | ----------- | -------------- |
	| x5chain   | 33    | bstr / [+bstr] |             | X.509 chain    |
	+-----------+-------+----------------+-------------+----------------+
*/
const (
	AlgLabel         Label = 1
	ContentTypeLabel Label = 3
	KeyIDLabel       Label = 4
	X5ChainLabel     Label = 33
)

// Label is a COSE header label.
type Label int64
