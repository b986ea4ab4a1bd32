// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package idcred

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidChallenge is returned when an attestation challenge is empty.
	ErrInvalidChallenge = errors.New("invalid attestation challenge")

	// ErrUnsupportedHardware is returned when the key store cannot produce
	// an attestation for its keys.
	ErrUnsupportedHardware = errors.New("key attestation not supported")

	// ErrInvalidAccessControlReference is matched by an
	// *AccessControlReferenceError.
	ErrInvalidAccessControlReference = errors.New("invalid access control profile reference")

	// ErrAlreadyPersonalized is returned for any write to a credential which
	// has already been personalized, including creating a credential whose
	// name is taken.
	ErrAlreadyPersonalized = errors.New("credential already personalized")

	// ErrCredentialInProgress is returned when creating a credential whose
	// name is held by another instance which is still being provisioned.
	ErrCredentialInProgress = errors.New("credential provisioning in progress")

	// ErrAbandoned is returned for any call on a credential after it was
	// abandoned or deleted before personalization.
	ErrAbandoned = errors.New("credential provisioning abandoned")

	// ErrSigningFailure is returned when the CredentialKey could not be
	// created or could not sign.
	ErrSigningFailure = errors.New("credential key signing failed")

	// ErrInvalidPersonalizationData is returned for structurally invalid
	// personalization data.
	ErrInvalidPersonalizationData = errors.New("invalid personalization data")

	// ErrDuplicateEntry is returned when a namespace holds two entries with
	// the same name. It also matches ErrInvalidPersonalizationData.
	ErrDuplicateEntry = fmt.Errorf("%w: duplicate entry name", ErrInvalidPersonalizationData)

	// ErrPersistence wraps errors from the Store.
	ErrPersistence = errors.New("credential store error")

	// ErrNotFound is returned by stores when a credential does not exist.
	ErrNotFound = errors.New("not found")
)

// AccessControlReferenceError is returned when an entry references an access
// control profile ID which is not part of the personalization data.
type AccessControlReferenceError struct {
	Namespace string
	Entry     string
	ProfileID AccessControlProfileID
}

// Error implements the standard error interface.
func (e *AccessControlReferenceError) Error() string {
	return fmt.Sprintf("entry %q in namespace %q references unknown access control profile %d",
		e.Entry, e.Namespace, e.ProfileID)
}

// Unwrap allows matching ErrInvalidAccessControlReference with errors.Is.
func (e *AccessControlReferenceError) Unwrap() error { return ErrInvalidAccessControlReference }
