// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cbor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// Major types
const (
	mapMajorType byte = 0x05
	tagMajorType byte = 0x06
)

// Additional info
const (
	oneByteAdditional    byte = 0x18
	twoBytesAdditional   byte = 0x19
	fourBytesAdditional  byte = 0x1a
	eightBytesAdditional byte = 0x1b
	indefiniteAdditional byte = 0x1f
)

const lowFiveBitsMask byte = 0x1f

// DateTimeTag is the standard date/time string tag (RFC 8949 3.4.1).
const DateTimeTag uint64 = 0

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: smallest integer heads, no indefinite
	// length items. Maps whose order matters are encoded with Map, which
	// writes pairs in insertion order and is never re-sorted.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cbor: encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		MaxNestedLevels:   64,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("cbor: decoder initialization failed: " + err.Error())
	}
}

// Marshaler is the interface implemented by types that can marshal themselves
// into valid CBOR.
type Marshaler = cbor.Marshaler

// Unmarshaler is the interface implemented by types that can unmarshal a CBOR
// description of themselves.
type Unmarshaler = cbor.Unmarshaler

// RawMessage is a raw encoded CBOR data item. It is written verbatim when
// encoding and captured without transformation when decoding.
type RawMessage = cbor.RawMessage

// RawTag is a tagged data item whose content is left encoded.
type RawTag = cbor.RawTag

// Tag is a tagged data item with a decoded content.
type Tag = cbor.Tag

// Encoder writes CBOR data items to a stream.
type Encoder = cbor.Encoder

// Decoder reads CBOR data items from a stream.
type Decoder = cbor.Decoder

// Marshal encodes v using core deterministic encoding.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes a single CBOR data item into v. Trailing bytes are an
// error.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// UnmarshalFirst decodes the first CBOR data item into v and returns the
// remaining bytes.
func UnmarshalFirst(data []byte, v any) (rest []byte, err error) {
	return decMode.UnmarshalFirst(data, v)
}

// NewEncoder returns an Encoder writing deterministic CBOR to w.
func NewEncoder(w io.Writer) *Encoder { return encMode.NewEncoder(w) }

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder { return decMode.NewDecoder(r) }

// Wellformed returns an error unless data is exactly one well-formed CBOR
// data item.
func Wellformed(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty data item")
	}
	return decMode.Wellformed(data)
}

// Diagnose returns the diagnostic notation (RFC 8949 section 8) of data.
func Diagnose(data []byte) (string, error) { return cbor.Diagnose(data) }

// appendHead appends the initial byte and argument of a data item using the
// shortest form.
func appendHead(b []byte, majorType byte, arg uint64) []byte {
	initial := majorType << 5
	switch {
	case arg < uint64(oneByteAdditional):
		return append(b, initial|byte(arg))
	case arg <= math.MaxUint8:
		return append(b, initial|oneByteAdditional, byte(arg))
	case arg <= math.MaxUint16:
		return binary.BigEndian.AppendUint16(append(b, initial|twoBytesAdditional), uint16(arg))
	case arg <= math.MaxUint32:
		return binary.BigEndian.AppendUint32(append(b, initial|fourBytesAdditional), uint32(arg))
	default:
		return binary.BigEndian.AppendUint64(append(b, initial|eightBytesAdditional), arg)
	}
}

// readHead parses the initial byte and argument of a data item. Indefinite
// lengths are not supported.
func readHead(data []byte) (majorType byte, arg uint64, rest []byte, err error) {
	if len(data) == 0 {
		return 0, 0, nil, io.ErrUnexpectedEOF
	}
	majorType, info := data[0]>>5, data[0]&lowFiveBitsMask
	data = data[1:]

	var n int
	switch {
	case info < oneByteAdditional:
		return majorType, uint64(info), data, nil
	case info == oneByteAdditional:
		n = 1
	case info == twoBytesAdditional:
		n = 2
	case info == fourBytesAdditional:
		n = 4
	case info == eightBytesAdditional:
		n = 8
	case info == indefiniteAdditional:
		return 0, 0, nil, fmt.Errorf("indefinite length items are not supported")
	default:
		return 0, 0, nil, fmt.Errorf("reserved additional info value %d", info)
	}
	if len(data) < n {
		return 0, 0, nil, io.ErrUnexpectedEOF
	}
	var padded [8]byte
	copy(padded[8-n:], data[:n])
	return majorType, binary.BigEndian.Uint64(padded[:]), data[n:], nil
}

// Untag strips a leading tag with the given number. If data does not start
// with that tag, it is returned unchanged along with false.
func Untag(data []byte, num uint64) ([]byte, bool) {
	majorType, arg, rest, err := readHead(data)
	if err != nil || majorType != tagMajorType || arg != num {
		return data, false
	}
	return rest, true
}
