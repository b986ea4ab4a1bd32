// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package idcred

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/identity-credential/go-idcred/cbor"
	"github.com/identity-credential/go-idcred/cose"
)

const proofOfProvisioningLabel = "ProofOfProvisioning"

// Entry map keys, in encoding order
const (
	entryNameKey     = "name"
	entryValueKey    = "value"
	entryProfilesKey = "accessControlProfiles"
)

// ProofOfProvisioning is the decoded payload of a personalization result.
//
//	ProofOfProvisioning = [
//	    "ProofOfProvisioning",
//	    tstr,                         ; DocType
//	    [ * AccessControlProfile ],
//	    ProvisionedData,
//	    bool                          ; true if this is a test credential
//	]
//
//	ProvisionedData = {
//	    * Namespace => [ + Entry ]
//	}
//
//	Namespace = tstr
//
//	Entry = {
//	    "name" : tstr,
//	    "value" : any,
//	    "accessControlProfiles" : [ * uint ],
//	}
type ProofOfProvisioning struct {
	DocType string
	Data    PersonalizationData

	// TestCredential is false for every credential personalized through
	// this package.
	TestCredential bool
}

// EncodeProofOfProvisioning validates data and serializes it as a
// ProofOfProvisioning.
//
// Encoding is deterministic: all items have definite lengths, integers use
// their shortest form, and maps are written in the order of the input.
// Profile maps use the key order id, readerCertificate,
// userAuthenticationRequired, timeoutMillis. Entry maps use name, value,
// accessControlProfiles. Namespaces and entries keep the caller's order and
// values are embedded verbatim.
func EncodeProofOfProvisioning(docType string, data *PersonalizationData) ([]byte, error) {
	return encodeProofOfProvisioning(docType, data, false)
}

func encodeProofOfProvisioning(docType string, data *PersonalizationData, testCredential bool) ([]byte, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}

	profiles := make([]cbor.Map, 0, len(data.AccessControlProfiles))
	for i := range data.AccessControlProfiles {
		profiles = append(profiles, data.AccessControlProfiles[i].cborMap())
	}

	provisioned := make(cbor.Map, 0, len(data.Namespaces))
	for _, ns := range data.Namespaces {
		entries := make([]cbor.Map, 0, len(ns.Entries))
		for _, e := range ns.Entries {
			ids := make([]uint64, 0, len(e.AccessControlProfileIDs))
			for _, id := range e.AccessControlProfileIDs {
				ids = append(ids, uint64(id))
			}
			entries = append(entries, cbor.Map{
				{Key: entryNameKey, Val: e.Name},
				{Key: entryValueKey, Val: e.Value},
				{Key: entryProfilesKey, Val: ids},
			})
		}
		provisioned = append(provisioned, cbor.Pair{Key: ns.Name, Val: entries})
	}

	payload, err := cbor.Marshal([]any{
		proofOfProvisioningLabel,
		docType,
		profiles,
		provisioned,
		testCredential,
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding proof of provisioning: %w", err)
	}
	return payload, nil
}

type proofOfProvisioning struct {
	_              struct{} `cbor:",toarray"`
	Label          string
	DocType        string
	Profiles       []cbor.Map
	Provisioned    cbor.Map
	TestCredential bool
}

// ParseProofOfProvisioning decodes a ProofOfProvisioning. The order of
// profiles, namespaces, entries, and map keys is preserved, so encoding the
// result again yields the same bytes.
func ParseProofOfProvisioning(payload []byte) (*ProofOfProvisioning, error) {
	var wire proofOfProvisioning
	if err := cbor.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("error decoding proof of provisioning: %w", err)
	}
	if wire.Label != proofOfProvisioningLabel {
		return nil, fmt.Errorf("unexpected label %q", wire.Label)
	}

	proof := &ProofOfProvisioning{
		DocType:        wire.DocType,
		TestCredential: wire.TestCredential,
	}
	for i, m := range wire.Profiles {
		p, err := parseAccessControlProfile(m)
		if err != nil {
			return nil, fmt.Errorf("access control profile %d: %w", i, err)
		}
		proof.Data.AccessControlProfiles = append(proof.Data.AccessControlProfiles, *p)
	}

	names, err := wire.Provisioned.TextKeys()
	if err != nil {
		return nil, fmt.Errorf("provisioned data: %w", err)
	}
	for i, name := range names {
		var entryMaps []cbor.Map
		if err := wire.Provisioned.Decode(i, &entryMaps); err != nil {
			return nil, fmt.Errorf("namespace %q: %w", name, err)
		}
		ns := Namespace{Name: name}
		for j, m := range entryMaps {
			e, err := parseEntry(m)
			if err != nil {
				return nil, fmt.Errorf("namespace %q entry %d: %w", name, j, err)
			}
			ns.Entries = append(ns.Entries, *e)
		}
		proof.Data.Namespaces = append(proof.Data.Namespaces, ns)
	}

	if err := proof.Data.Validate(); err != nil {
		return nil, err
	}
	return proof, nil
}

func parseEntry(m cbor.Map) (*Entry, error) {
	keys, err := m.TextKeys()
	if err != nil {
		return nil, err
	}
	if len(keys) != 3 || keys[0] != entryNameKey || keys[1] != entryValueKey || keys[2] != entryProfilesKey {
		return nil, fmt.Errorf("entry keys must be %q, %q, %q: got %q",
			entryNameKey, entryValueKey, entryProfilesKey, keys)
	}

	var e Entry
	if err := m.Decode(0, &e.Name); err != nil {
		return nil, fmt.Errorf("name: %w", err)
	}
	if err := m.Decode(1, &e.Value); err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	var ids []uint64
	if err := m.Decode(2, &ids); err != nil {
		return nil, fmt.Errorf("access control profiles: %w", err)
	}
	e.AccessControlProfileIDs = make([]AccessControlProfileID, 0, len(ids))
	for _, id := range ids {
		e.AccessControlProfileIDs = append(e.AccessControlProfileIDs, AccessControlProfileID(id))
	}
	return &e, nil
}

// VerifyProofOfProvisioning checks the COSE_Sign1 returned by
// [Credential.Personalize] against the CredentialKey public key, taken from
// the leaf of the credential's certificate chain, and decodes its payload.
func VerifyProofOfProvisioning(signed []byte, pub crypto.PublicKey) (*ProofOfProvisioning, error) {
	var s1 cose.Sign1
	if err := cbor.Unmarshal(signed, &s1); err != nil {
		return nil, fmt.Errorf("error decoding COSE_Sign1: %w", err)
	}
	if s1.Payload == nil {
		return nil, errors.New("COSE_Sign1 has no payload")
	}
	ok, err := s1.Verify(pub, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error verifying proof of provisioning: %w", err)
	}
	if !ok {
		return nil, errors.New("proof of provisioning signature is invalid")
	}
	return ParseProofOfProvisioning(s1.Payload)
}
