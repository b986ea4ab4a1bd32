// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package credtest

import (
	"context"
	"crypto"
	"crypto/x509"
	"io"
	"sync/atomic"

	"github.com/identity-credential/go-idcred"
)

// FaultyKeyStore wraps a key store and fails operations on demand.
type FaultyKeyStore struct {
	idcred.KeyStore

	createErr atomic.Pointer[error]
	attestErr atomic.Pointer[error]
	signErr   atomic.Pointer[error]
}

// FailCreate makes CreateKey fail with err. A nil err clears the fault.
func (f *FaultyKeyStore) FailCreate(err error) { setFault(&f.createErr, err) }

// FailAttest makes AttestKey fail with err. A nil err clears the fault.
func (f *FaultyKeyStore) FailAttest(err error) { setFault(&f.attestErr, err) }

// FailSign makes signers returned by CreateKey fail with err. A nil err clears
// the fault, including for signers which were already returned.
func (f *FaultyKeyStore) FailSign(err error) { setFault(&f.signErr, err) }

func setFault(p *atomic.Pointer[error], err error) {
	if err == nil {
		p.Store(nil)
		return
	}
	p.Store(&err)
}

func fault(p *atomic.Pointer[error]) error {
	if err := p.Load(); err != nil {
		return *err
	}
	return nil
}

// CreateKey implements idcred.KeyStore.
func (f *FaultyKeyStore) CreateKey(ctx context.Context, alias string) (crypto.Signer, error) {
	if err := fault(&f.createErr); err != nil {
		return nil, err
	}
	key, err := f.KeyStore.CreateKey(ctx, alias)
	if err != nil {
		return nil, err
	}
	return faultySigner{Signer: key, err: &f.signErr}, nil
}

// AttestKey implements idcred.KeyStore.
func (f *FaultyKeyStore) AttestKey(ctx context.Context, alias string, challenge []byte) ([]*x509.Certificate, error) {
	if err := fault(&f.attestErr); err != nil {
		return nil, err
	}
	return f.KeyStore.AttestKey(ctx, alias, challenge)
}

type faultySigner struct {
	crypto.Signer
	err *atomic.Pointer[error]
}

func (s faultySigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if err := fault(s.err); err != nil {
		return nil, err
	}
	return s.Signer.Sign(rand, digest, opts)
}
