// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package credtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/identity-credential/go-idcred"
)

// Document type and namespace used by SampleData
const (
	MDLDocType     = "org.iso.18013.5.1.mDL"
	MDLNamespace   = "org.iso.18013.5.1"
	AAMVANamespace = "org.aamva.18013.5.1"
)

// SampleData returns personalization data shaped like a driving license: a
// profile bound to a reader certificate, a profile requiring user
// authentication, and two namespaces whose entries are deliberately not in
// sorted order.
func SampleData(t *testing.T) *idcred.PersonalizationData {
	t.Helper()

	var data idcred.PersonalizationData
	data.AddAccessControlProfile(idcred.AccessControlProfile{
		ID:                idcred.AccessControlProfileID(1),
		ReaderCertificate: NewReaderCertificate(t),
	})
	data.AddAccessControlProfile(idcred.AccessControlProfile{
		ID:                         idcred.AccessControlProfileID(0),
		UserAuthenticationRequired: true,
		UserAuthenticationTimeout:  30 * time.Second,
	})

	both := []idcred.AccessControlProfileID{0, 1}
	data.PutEntryString(MDLNamespace, "given_name", both, "Erika")
	data.PutEntryString(MDLNamespace, "family_name", both, "Mustermann")
	data.PutEntryCalendar(MDLNamespace, "birth_date", both, time.Date(1971, 9, 1, 0, 0, 0, 0, time.UTC))
	data.PutEntryBytes(MDLNamespace, "portrait", []idcred.AccessControlProfileID{1}, []byte{0xff, 0xd8, 0xff, 0xe0})
	data.PutEntryBool(MDLNamespace, "age_over_18", []idcred.AccessControlProfileID{0}, true)
	data.PutEntryInt(AAMVANamespace, "weight_range", both, 3)
	data.PutEntryInt(AAMVANamespace, "DHS_compliance", nil, -1)
	return &data
}

// NewReaderCertificate creates a self-signed reader authentication
// certificate.
func NewReaderCertificate(t *testing.T) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: "Reader"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(30 * 360 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

// DiffData compares personalization data, treating nil and empty slices as
// equal and certificates by their DER encoding.
func DiffData(want, got *idcred.PersonalizationData) string {
	return cmp.Diff(want, got,
		cmpopts.EquateEmpty(),
		cmp.Comparer(func(a, b *x509.Certificate) bool {
			if a == nil || b == nil {
				return a == b
			}
			return a.Equal(b)
		}),
	)
}
