// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package idcred

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/identity-credential/go-idcred/cbor"
)

// PersonalizationData is the full initial data set of a credential. Profiles,
// namespaces, and the entries of each namespace are encoded in slice order.
type PersonalizationData struct {
	AccessControlProfiles []AccessControlProfile
	Namespaces            []Namespace
}

// Namespace groups entries under a name, such as "org.iso.18013.5.1".
type Namespace struct {
	Name    string
	Entries []Entry
}

// Entry is a single named data element.
type Entry struct {
	Name string

	// Value is a single encoded CBOR data item. It is embedded in the
	// ProofOfProvisioning without re-encoding.
	Value cbor.RawMessage

	// AccessControlProfileIDs reference profiles of the same
	// PersonalizationData. An empty list means the entry can never be
	// presented.
	AccessControlProfileIDs []AccessControlProfileID
}

// AddAccessControlProfile appends a profile. Uniqueness of IDs is checked by
// Validate.
func (d *PersonalizationData) AddAccessControlProfile(p AccessControlProfile) {
	d.AccessControlProfiles = append(d.AccessControlProfiles, p)
}

// PutEntry sets an entry value. Namespaces are created in the order they are
// first used. Putting an entry name which already exists in the namespace
// replaces its value and profiles but keeps its position.
func (d *PersonalizationData) PutEntry(namespace, name string, ids []AccessControlProfileID, value cbor.RawMessage) {
	entry := Entry{
		Name:                    name,
		Value:                   slices.Clone(value),
		AccessControlProfileIDs: slices.Clone(ids),
	}

	i := slices.IndexFunc(d.Namespaces, func(ns Namespace) bool { return ns.Name == namespace })
	if i < 0 {
		d.Namespaces = append(d.Namespaces, Namespace{Name: namespace})
		i = len(d.Namespaces) - 1
	}
	ns := &d.Namespaces[i]
	if j := slices.IndexFunc(ns.Entries, func(e Entry) bool { return e.Name == name }); j >= 0 {
		ns.Entries[j] = entry
		return
	}
	ns.Entries = append(ns.Entries, entry)
}

// PutEntryString sets an entry to a text string.
func (d *PersonalizationData) PutEntryString(namespace, name string, ids []AccessControlProfileID, value string) {
	d.PutEntry(namespace, name, ids, mustMarshal(value))
}

// PutEntryBytes sets an entry to a byte string.
func (d *PersonalizationData) PutEntryBytes(namespace, name string, ids []AccessControlProfileID, value []byte) {
	if value == nil {
		value = []byte{}
	}
	d.PutEntry(namespace, name, ids, mustMarshal(value))
}

// PutEntryInt sets an entry to an integer.
func (d *PersonalizationData) PutEntryInt(namespace, name string, ids []AccessControlProfileID, value int64) {
	d.PutEntry(namespace, name, ids, mustMarshal(value))
}

// PutEntryBool sets an entry to a boolean.
func (d *PersonalizationData) PutEntryBool(namespace, name string, ids []AccessControlProfileID, value bool) {
	d.PutEntry(namespace, name, ids, mustMarshal(value))
}

// PutEntryCalendar sets an entry to a tagged date/time string (tag 0). The
// fractional seconds are written with millisecond precision only when
// non-zero, and the time zone offset of value is kept.
func (d *PersonalizationData) PutEntryCalendar(namespace, name string, ids []AccessControlProfileID, value time.Time) {
	layout := time.RFC3339
	if value.Nanosecond()/int(time.Millisecond) != 0 {
		layout = "2006-01-02T15:04:05.000Z07:00"
	}
	d.PutEntry(namespace, name, ids, mustMarshal(cbor.Tag{
		Number:  cbor.DateTimeTag,
		Content: value.Format(layout),
	}))
}

func mustMarshal(v any) cbor.RawMessage {
	data, err := cbor.Marshal(v)
	if err != nil {
		panic("error marshaling primitive entry value: " + err.Error())
	}
	return data
}

// Validate checks the data for structural problems: every profile ID is
// unique, every namespace has a unique non-empty name and at least one entry,
// entry names are unique within their namespace, every value is a single
// well-formed CBOR data item, and every referenced profile exists.
//
// Unknown profile references produce an *AccessControlReferenceError. All
// other problems match ErrInvalidPersonalizationData.
func (d *PersonalizationData) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil", ErrInvalidPersonalizationData)
	}

	profiles := make(map[AccessControlProfileID]struct{}, len(d.AccessControlProfiles))
	for i := range d.AccessControlProfiles {
		p := &d.AccessControlProfiles[i]
		if _, dup := profiles[p.ID]; dup {
			return fmt.Errorf("%w: duplicate access control profile id %d", ErrInvalidPersonalizationData, p.ID)
		}
		if err := p.validate(); err != nil {
			return err
		}
		profiles[p.ID] = struct{}{}
	}

	namespaces := make(map[string]struct{}, len(d.Namespaces))
	for _, ns := range d.Namespaces {
		if ns.Name == "" {
			return fmt.Errorf("%w: empty namespace name", ErrInvalidPersonalizationData)
		}
		if _, dup := namespaces[ns.Name]; dup {
			return fmt.Errorf("%w: duplicate namespace %q", ErrInvalidPersonalizationData, ns.Name)
		}
		namespaces[ns.Name] = struct{}{}
		if len(ns.Entries) == 0 {
			return fmt.Errorf("%w: namespace %q has no entries", ErrInvalidPersonalizationData, ns.Name)
		}

		entries := make(map[string]struct{}, len(ns.Entries))
		for _, e := range ns.Entries {
			if e.Name == "" {
				return fmt.Errorf("%w: empty entry name in namespace %q", ErrInvalidPersonalizationData, ns.Name)
			}
			if _, dup := entries[e.Name]; dup {
				return fmt.Errorf("%w: %q in namespace %q", ErrDuplicateEntry, e.Name, ns.Name)
			}
			entries[e.Name] = struct{}{}
			if err := cbor.Wellformed(e.Value); err != nil {
				return fmt.Errorf("%w: value of entry %q in namespace %q: %w",
					ErrInvalidPersonalizationData, e.Name, ns.Name, err)
			}
			for _, id := range e.AccessControlProfileIDs {
				if _, ok := profiles[id]; !ok {
					return &AccessControlReferenceError{Namespace: ns.Name, Entry: e.Name, ProfileID: id}
				}
			}
		}
	}
	return nil
}

// clone returns a deep copy. Reader certificates are shared.
func (d *PersonalizationData) clone() *PersonalizationData {
	out := &PersonalizationData{
		AccessControlProfiles: slices.Clone(d.AccessControlProfiles),
		Namespaces:            make([]Namespace, len(d.Namespaces)),
	}
	for i, ns := range d.Namespaces {
		entries := make([]Entry, len(ns.Entries))
		for j, e := range ns.Entries {
			entries[j] = Entry{
				Name:                    e.Name,
				Value:                   slices.Clone(e.Value),
				AccessControlProfileIDs: slices.Clone(e.AccessControlProfileIDs),
			}
		}
		out.Namespaces[i] = Namespace{Name: ns.Name, Entries: entries}
	}
	return out
}

// Profile looks up an access control profile by ID.
func (d *PersonalizationData) Profile(id AccessControlProfileID) (*AccessControlProfile, error) {
	for i := range d.AccessControlProfiles {
		if d.AccessControlProfiles[i].ID == id {
			return &d.AccessControlProfiles[i], nil
		}
	}
	return nil, errors.New("access control profile not found")
}
