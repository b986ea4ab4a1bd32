// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cbor

import (
	"fmt"
)

// Pair is a single key/value pair of a Map.
type Pair struct {
	Key any
	Val any
}

// Map is a CBOR map which is encoded with its pairs in slice order. Unlike Go
// maps, no key sorting is applied, so the caller fully controls the bytes
// that are produced.
//
// When decoding, every Key and Val is set to a RawMessage, in the order the
// pairs appear in the data.
type Map []Pair

var (
	_ Marshaler   = Map(nil)
	_ Unmarshaler = (*Map)(nil)
)

// MarshalCBOR implements Marshaler.
func (m Map) MarshalCBOR() ([]byte, error) {
	b := appendHead(nil, mapMajorType, uint64(len(m)))
	for i, pair := range m {
		key, err := Marshal(pair.Key)
		if err != nil {
			return nil, fmt.Errorf("error marshaling key of pair %d: %w", i, err)
		}
		val, err := Marshal(pair.Val)
		if err != nil {
			return nil, fmt.Errorf("error marshaling value for key %v: %w", pair.Key, err)
		}
		b = append(b, key...)
		b = append(b, val...)
	}
	return b, nil
}

// UnmarshalCBOR implements Unmarshaler.
func (m *Map) UnmarshalCBOR(data []byte) error {
	majorType, length, rest, err := readHead(data)
	if err != nil {
		return err
	}
	if majorType != mapMajorType {
		return fmt.Errorf("expected map, got major type %d", majorType)
	}
	// Each pair requires at least two bytes
	if length > uint64(len(rest))/2 {
		return fmt.Errorf("map length %d exceeds available data", length)
	}

	pairs := make(Map, 0, int(length))
	for i := uint64(0); i < length; i++ {
		var key, val RawMessage
		if rest, err = UnmarshalFirst(rest, &key); err != nil {
			return fmt.Errorf("error decoding key of pair %d: %w", i, err)
		}
		if rest, err = UnmarshalFirst(rest, &val); err != nil {
			return fmt.Errorf("error decoding value of pair %d: %w", i, err)
		}
		pairs = append(pairs, Pair{Key: key, Val: val})
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected %d trailing bytes after map", len(rest))
	}
	*m = pairs
	return nil
}

// TextKeys returns the keys of a decoded map as strings, preserving order. It
// fails if any key is not a text string or a key is repeated.
func (m Map) TextKeys() ([]string, error) {
	keys := make([]string, len(m))
	seen := make(map[string]struct{}, len(m))
	for i, pair := range m {
		if err := decodeInto(pair.Key, &keys[i]); err != nil {
			return nil, fmt.Errorf("map key %d is not a text string: %w", i, err)
		}
		if _, dup := seen[keys[i]]; dup {
			return nil, fmt.Errorf("duplicate map key %q", keys[i])
		}
		seen[keys[i]] = struct{}{}
	}
	return keys, nil
}

// decodeInto decodes a value which is either a RawMessage (from decoding) or
// a Go value (from construction) into v.
func decodeInto(from any, v any) error {
	raw, ok := from.(RawMessage)
	if !ok {
		var err error
		if raw, err = Marshal(from); err != nil {
			return err
		}
	}
	return Unmarshal(raw, v)
}

// Decode decodes the value at index i into v.
func (m Map) Decode(i int, v any) error {
	if i < 0 || i >= len(m) {
		return fmt.Errorf("pair index %d out of range [0, %d)", i, len(m))
	}
	return decodeInto(m[i].Val, v)
}
