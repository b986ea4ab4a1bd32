// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package idcred

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/identity-credential/go-idcred/cbor"
)

// AccessControlProfileID identifies an access control profile within one set
// of personalization data.
type AccessControlProfileID uint

// AccessControlProfile describes the conditions under which the entries
// referencing it may be presented.
//
//	AccessControlProfile = {
//	    "id": uint,
//	    ? "readerCertificate" : bstr,
//	    ? (
//	        "userAuthenticationRequired" : bool,
//	        "timeoutMillis" : uint,
//	    )
//	}
//
// The user authentication pair is only encoded when
// UserAuthenticationRequired is true. A timeout of zero means the user must
// authenticate for every presentation. The timeout must be a whole number of
// milliseconds and must be zero when user authentication is not required.
type AccessControlProfile struct {
	ID AccessControlProfileID

	// ReaderCertificate, if set, restricts presentation to readers
	// authenticating with a key certified by it.
	ReaderCertificate *x509.Certificate

	UserAuthenticationRequired bool
	UserAuthenticationTimeout  time.Duration
}

// Profile map keys, in encoding order
const (
	profileIDKey         = "id"
	profileReaderCertKey = "readerCertificate"
	profileUserAuthKey   = "userAuthenticationRequired"
	profileTimeoutKey    = "timeoutMillis"
)

func (p *AccessControlProfile) validate() error {
	if p.ReaderCertificate != nil && len(p.ReaderCertificate.Raw) == 0 {
		return fmt.Errorf("%w: reader certificate of profile %d has no DER encoding",
			ErrInvalidPersonalizationData, p.ID)
	}
	if p.UserAuthenticationTimeout < 0 {
		return fmt.Errorf("%w: negative user authentication timeout in profile %d",
			ErrInvalidPersonalizationData, p.ID)
	}
	if p.UserAuthenticationTimeout%time.Millisecond != 0 {
		return fmt.Errorf("%w: user authentication timeout of profile %d is not a whole number of milliseconds",
			ErrInvalidPersonalizationData, p.ID)
	}
	if !p.UserAuthenticationRequired && p.UserAuthenticationTimeout != 0 {
		return fmt.Errorf("%w: profile %d has a user authentication timeout but does not require user authentication",
			ErrInvalidPersonalizationData, p.ID)
	}
	return nil
}

// cborMap returns the profile as a map with keys in their defined order.
func (p *AccessControlProfile) cborMap() cbor.Map {
	m := cbor.Map{{Key: profileIDKey, Val: uint64(p.ID)}}
	if p.ReaderCertificate != nil {
		m = append(m, cbor.Pair{Key: profileReaderCertKey, Val: p.ReaderCertificate.Raw})
	}
	if p.UserAuthenticationRequired {
		m = append(m,
			cbor.Pair{Key: profileUserAuthKey, Val: true},
			cbor.Pair{Key: profileTimeoutKey, Val: uint64(p.UserAuthenticationTimeout.Milliseconds())},
		)
	}
	return m
}

func parseAccessControlProfile(m cbor.Map) (*AccessControlProfile, error) {
	keys, err := m.TextKeys()
	if err != nil {
		return nil, err
	}

	var (
		p          AccessControlProfile
		hasID      bool
		hasTimeout bool
	)
	for i, key := range keys {
		switch key {
		case profileIDKey:
			var id uint64
			if err := m.Decode(i, &id); err != nil {
				return nil, fmt.Errorf("profile id: %w", err)
			}
			p.ID, hasID = AccessControlProfileID(id), true

		case profileReaderCertKey:
			var der []byte
			if err := m.Decode(i, &der); err != nil {
				return nil, fmt.Errorf("reader certificate: %w", err)
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("reader certificate: %w", err)
			}
			p.ReaderCertificate = cert

		case profileUserAuthKey:
			if err := m.Decode(i, &p.UserAuthenticationRequired); err != nil {
				return nil, fmt.Errorf("user authentication required: %w", err)
			}

		case profileTimeoutKey:
			var millis uint64
			if err := m.Decode(i, &millis); err != nil {
				return nil, fmt.Errorf("timeout: %w", err)
			}
			p.UserAuthenticationTimeout = time.Duration(millis) * time.Millisecond
			hasTimeout = true

		default:
			return nil, fmt.Errorf("unknown access control profile key %q", key)
		}
	}
	if !hasID {
		return nil, fmt.Errorf("access control profile is missing %q", profileIDKey)
	}
	if p.UserAuthenticationRequired != hasTimeout {
		return nil, fmt.Errorf("%q and %q must appear together", profileUserAuthKey, profileTimeoutKey)
	}
	return &p, nil
}
