// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package sqlite implements persistence of personalized credentials with a
// SQLite database.
package sqlite

import (
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/identity-credential/go-idcred"
	"github.com/identity-credential/go-idcred/cbor"
)

// DB implements idcred.Store.
type DB struct {
	// Log all SQL queries to this optional writer.
	DebugLog io.Writer

	db *sql.DB
}

// New creates a DB. The expected tables must be created and FOREIGN_KEYS must
// be enabled before the database is used for credential storage.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Init ensures all tables are created and pragma are set. It does not
// recognize if tables have been created with invalid schemas.
//
// In most cases, Open should be used, which implicitly calls Init. However,
// Init can be useful for alternative SQLite connections that do not use a
// local file, such as Cloudflare D1.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials
			( name TEXT PRIMARY KEY
			, doc_type TEXT NOT NULL
			, key_alias TEXT NOT NULL
			, x509_chain BLOB
			, proof BLOB NOT NULL
			, created INTEGER NOT NULL
			)`,
		`CREATE TABLE IF NOT EXISTS access_control_profiles
			( credential TEXT NOT NULL
			, position INTEGER NOT NULL
			, id INTEGER NOT NULL
			, reader_cert BLOB
			, user_auth INTEGER NOT NULL
			, timeout_millis INTEGER NOT NULL
			, PRIMARY KEY(credential, id)
			, FOREIGN KEY(credential) REFERENCES credentials(name) ON DELETE CASCADE
			)`,
		`CREATE TABLE IF NOT EXISTS entries
			( credential TEXT NOT NULL
			, namespace TEXT NOT NULL
			, ns_position INTEGER NOT NULL
			, name TEXT NOT NULL
			, position INTEGER NOT NULL
			, value BLOB NOT NULL
			, profiles BLOB NOT NULL
			, PRIMARY KEY(credential, namespace, name)
			, FOREIGN KEY(credential) REFERENCES credentials(name) ON DELETE CASCADE
			)`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, sql := range stmts {
		if _, err := db.Exec(sql); err != nil {
			_ = db.Close()
			if strings.Contains(err.Error(), "file is not a database") {
				return fmt.Errorf("file is not a database: likely due to incorrect or missing database password")
			}
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
//
// If the database connection is associated with unfinalized prepared
// statements, open blob handles, and/or unfinished backup objects, Close will
// leave the database connection open and return [sqlite3.BUSY].
func (db *DB) Close() error { return db.db.Close() }

// DB returns the underlying database/sql DB.
func (db *DB) DB() *sql.DB { return db.db }

type debugLogKey struct{}

func (db *DB) debugCtx(parent context.Context) context.Context {
	return context.WithValue(parent, debugLogKey{}, db.DebugLog)
}

func debug(ctx context.Context, format string, a ...any) {
	w, ok := ctx.Value(debugLogKey{}).(io.Writer)
	if !ok || w == nil {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, a...))
	_, _ = fmt.Fprintln(w, msg)
}

var _ idcred.Store = (*DB)(nil)

// Exists implements idcred.Store.
func (db *DB) Exists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := query(db.debugCtx(ctx), db.db, "credentials", []string{"COUNT(*)"}, map[string]any{
		"name": name,
	}, &n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveCredential implements idcred.Store. The credential, its access control
// profiles, and its entries are written in one transaction.
func (db *DB) SaveCredential(ctx context.Context, cred *idcred.PersonalizedCredential) error {
	ctx = db.debugCtx(ctx)
	if cred.Data == nil {
		return errors.New("credential has no personalization data")
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insert(ctx, tx, "credentials", map[string]any{
		"name":       cred.Name,
		"doc_type":   cred.DocType,
		"key_alias":  cred.KeyAlias,
		"x509_chain": derEncode(cred.CertificateChain),
		"proof":      cred.ProofOfProvisioning,
		"created":    time.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("error inserting credential %q: %w", cred.Name, err)
	}

	for i, p := range cred.Data.AccessControlProfiles {
		var readerCert []byte
		if p.ReaderCertificate != nil {
			readerCert = p.ReaderCertificate.Raw
		}
		if err := insert(ctx, tx, "access_control_profiles", map[string]any{
			"credential":     cred.Name,
			"position":       i,
			"id":             int64(p.ID),
			"reader_cert":    readerCert,
			"user_auth":      p.UserAuthenticationRequired,
			"timeout_millis": p.UserAuthenticationTimeout.Milliseconds(),
		}); err != nil {
			return fmt.Errorf("error inserting access control profile %d: %w", p.ID, err)
		}
	}

	for i, ns := range cred.Data.Namespaces {
		for j, e := range ns.Entries {
			profiles, err := cbor.Marshal(profileIDs(e.AccessControlProfileIDs))
			if err != nil {
				return fmt.Errorf("error encoding access control profile IDs: %w", err)
			}
			if err := insert(ctx, tx, "entries", map[string]any{
				"credential":  cred.Name,
				"namespace":   ns.Name,
				"ns_position": i,
				"name":        e.Name,
				"position":    j,
				"value":       []byte(e.Value),
				"profiles":    profiles,
			}); err != nil {
				return fmt.Errorf("error inserting entry %q in namespace %q: %w", e.Name, ns.Name, err)
			}
		}
	}

	return tx.Commit()
}

func profileIDs(ids []idcred.AccessControlProfileID) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out
}

// DeleteCredential implements idcred.Store. Profiles and entries are removed
// by cascade.
func (db *DB) DeleteCredential(ctx context.Context, name string) error {
	err := remove(db.debugCtx(ctx), db.db, "credentials", map[string]any{"name": name})
	if errors.Is(err, idcred.ErrNotFound) {
		return nil
	}
	return err
}

// Credential loads a personalized credential. If it does not exist,
// idcred.ErrNotFound is returned.
func (db *DB) Credential(ctx context.Context, name string) (*idcred.PersonalizedCredential, error) {
	ctx = db.debugCtx(ctx)

	cred := &idcred.PersonalizedCredential{Name: name, Data: new(idcred.PersonalizationData)}
	var chain []byte
	if err := query(ctx, db.db, "credentials",
		[]string{"doc_type", "key_alias", "x509_chain", "proof"},
		map[string]any{"name": name},
		&cred.DocType, &cred.KeyAlias, &chain, &cred.ProofOfProvisioning,
	); err != nil {
		return nil, err
	}
	if len(chain) > 0 {
		certs, err := x509.ParseCertificates(chain)
		if err != nil {
			return nil, fmt.Errorf("error parsing certificate chain: %w", err)
		}
		cred.CertificateChain = certs
	}

	profiles, err := db.profiles(ctx, name)
	if err != nil {
		return nil, err
	}
	cred.Data.AccessControlProfiles = profiles

	namespaces, err := db.namespaces(ctx, name)
	if err != nil {
		return nil, err
	}
	cred.Data.Namespaces = namespaces

	return cred, nil
}

func (db *DB) profiles(ctx context.Context, credential string) ([]idcred.AccessControlProfile, error) {
	const query = `SELECT id, reader_cert, user_auth, timeout_millis
		FROM access_control_profiles WHERE credential = ? ORDER BY position ASC`
	debug(ctx, "sqlite: %s\n%s", query, credential)

	rows, err := db.db.QueryContext(ctx, query, credential)
	if err != nil {
		return nil, fmt.Errorf("error querying access control profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var profiles []idcred.AccessControlProfile
	for rows.Next() {
		var (
			id         int64
			readerCert []byte
			userAuth   bool
			millis     int64
		)
		if err := rows.Scan(&id, &readerCert, &userAuth, &millis); err != nil {
			return nil, fmt.Errorf("error scanning access control profile: %w", err)
		}
		p := idcred.AccessControlProfile{
			ID:                         idcred.AccessControlProfileID(id),
			UserAuthenticationRequired: userAuth,
			UserAuthenticationTimeout:  time.Duration(millis) * time.Millisecond,
		}
		if readerCert != nil {
			if p.ReaderCertificate, err = x509.ParseCertificate(readerCert); err != nil {
				return nil, fmt.Errorf("error parsing reader certificate of profile %d: %w", id, err)
			}
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (db *DB) namespaces(ctx context.Context, credential string) ([]idcred.Namespace, error) {
	const query = `SELECT namespace, name, value, profiles
		FROM entries WHERE credential = ? ORDER BY ns_position ASC, position ASC`
	debug(ctx, "sqlite: %s\n%s", query, credential)

	rows, err := db.db.QueryContext(ctx, query, credential)
	if err != nil {
		return nil, fmt.Errorf("error querying entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var namespaces []idcred.Namespace
	for rows.Next() {
		var (
			namespace, name string
			value, ids      []byte
		)
		if err := rows.Scan(&namespace, &name, &value, &ids); err != nil {
			return nil, fmt.Errorf("error scanning entry: %w", err)
		}
		var profiles []uint64
		if err := cbor.Unmarshal(ids, &profiles); err != nil {
			return nil, fmt.Errorf("error decoding profiles of entry %q: %w", name, err)
		}
		entry := idcred.Entry{
			Name:                    name,
			Value:                   cbor.RawMessage(value),
			AccessControlProfileIDs: make([]idcred.AccessControlProfileID, len(profiles)),
		}
		for i, id := range profiles {
			entry.AccessControlProfileIDs[i] = idcred.AccessControlProfileID(id)
		}

		if n := len(namespaces); n == 0 || namespaces[n-1].Name != namespace {
			namespaces = append(namespaces, idcred.Namespace{Name: namespace})
		}
		ns := &namespaces[len(namespaces)-1]
		ns.Entries = append(ns.Entries, entry)
	}
	return namespaces, rows.Err()
}

// Credentials lists the names of all stored credentials.
func (db *DB) Credentials(ctx context.Context) ([]string, error) {
	ctx = db.debugCtx(ctx)
	const query = `SELECT name FROM credentials ORDER BY created ASC, name ASC`
	debug(ctx, "sqlite: %s", query)

	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("error scanning credential name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func derEncode(certs []*x509.Certificate) (der []byte) {
	for _, cert := range certs {
		der = append(der, cert.Raw...)
	}
	return der
}

// Allows using *sql.DB or *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Allows using *sql.DB or *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insert(ctx context.Context, db execer, table string, kvs map[string]any) error {
	columns := slices.Sorted(maps.Keys(kvs))
	args := make([]any, len(columns))
	for i, name := range columns {
		args[i] = kvs[name]
	}
	markers := slices.Repeat([]string{"?"}, len(columns))

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		"`"+strings.Join(columns, "`, `")+"`",
		strings.Join(markers, ", "),
	)
	debug(ctx, "sqlite: %s\n%+v", query, args)
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

func query(ctx context.Context, db querier, table string, columns []string, where map[string]any, into ...any) error {
	if len(columns) != len(into) {
		panic("programming error - query must have the same number of columns and values")
	}

	whereKeys := slices.Sorted(maps.Keys(where))
	clauses := make([]string, len(whereKeys))
	for i, key := range whereKeys {
		clauses[i] = "`" + key + "` = ?"
	}
	whereVals := make([]any, len(whereKeys))
	for i, key := range whereKeys {
		whereVals[i] = where[key]
	}

	selected := make([]string, len(columns))
	for i, col := range columns {
		// Aggregates are passed through unquoted
		if strings.ContainsRune(col, '(') {
			selected[i] = col
			continue
		}
		selected[i] = "`" + col + "`"
	}

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s`,
		strings.Join(selected, ", "),
		table,
		strings.Join(clauses, " AND "),
	)
	debug(ctx, "sqlite: %s\n%+v", query, where)

	row := db.QueryRowContext(ctx, query, whereVals...)
	if err := row.Scan(into...); errors.Is(err, sql.ErrNoRows) {
		return idcred.ErrNotFound
	} else if err != nil {
		return fmt.Errorf("error querying DB: %w", err)
	}
	return nil
}

func remove(ctx context.Context, db execer, table string, where map[string]any) error {
	whereKeys := slices.Sorted(maps.Keys(where))
	clauses := make([]string, len(whereKeys))
	for i, key := range whereKeys {
		clauses[i] = "`" + key + "` = ?"
	}
	whereVals := make([]any, len(whereKeys))
	for i, key := range whereKeys {
		whereVals[i] = where[key]
	}

	query := fmt.Sprintf(
		`DELETE FROM %s WHERE %s`,
		table,
		strings.Join(clauses, " AND "),
	)
	debug(ctx, "sqlite: %s\n%+v", query, whereVals)

	result, err := db.ExecContext(ctx, query, whereVals...)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n < 1 {
		return idcred.ErrNotFound
	}
	return nil
}
