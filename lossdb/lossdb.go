// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lossdb stores training losses in sqlite.
package lossdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pointlander/khm/admm"

	_ "modernc.org/sqlite"
)

// ErrSchema is returned when an existing loss table does not have the requested columns
var ErrSchema = errors.New("lossdb: schema mismatch")

// Columns are the columns of the loss table, rica is last and only present with RICA
var Columns = []string{
	"run TEXT",
	"epoch INTEGER",
	"iter INTEGER",
	"admm INTEGER",
	"loss0 FLOAT",
	"loss1 FLOAT",
	"loss2 FLOAT",
	"loss3 FLOAT",
	"kdist FLOAT",
	"augLoss FLOAT",
	"clusLoss FLOAT",
	"rica FLOAT",
}

// DB is a loss record sink
type DB struct {
	db     *sql.DB
	rica   bool
	insert string
	// Run identifies the training run
	Run uuid.UUID
}

// Open opens or creates the database at path and registers a run with its configuration
func Open(ctx context.Context, path string, rica bool, configuration string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("lossdb: %w", err)
	}
	columns := Columns
	if !rica {
		columns = columns[:len(columns)-1]
	}
	schema := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS lossTable (%s)", strings.Join(columns, ",")),
		"CREATE TABLE IF NOT EXISTS runTable (id TEXT PRIMARY KEY, started TEXT, config TEXT)",
	}
	for _, statement := range schema {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			db.Close()
			return nil, fmt.Errorf("lossdb: %s: %w", path, err)
		}
	}
	if err := check(ctx, db, columns); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d := &DB{
		db:     db,
		rica:   rica,
		insert: fmt.Sprintf("INSERT INTO lossTable VALUES(%s)", strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")),
		Run:    uuid.New(),
	}
	_, err = db.ExecContext(ctx, "INSERT INTO runTable(id, started, config) VALUES(?,?,?)",
		d.Run.String(), time.Now().UTC().Format(time.RFC3339), configuration)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("lossdb: %s: %w", path, err)
	}
	return d, nil
}

// check compares the columns of the loss table with columns
func check(ctx context.Context, db *sql.DB, columns []string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info(lossTable)")
	if err != nil {
		return fmt.Errorf("lossdb: %w", err)
	}
	defer rows.Close()
	var found []string
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, kind       string
			value            sql.NullString
		)
		if err := rows.Scan(&cid, &name, &kind, &notnull, &value, &pk); err != nil {
			return fmt.Errorf("lossdb: %w", err)
		}
		found = append(found, name+" "+strings.ToUpper(kind))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lossdb: %w", err)
	}
	if strings.Join(found, ",") != strings.Join(columns, ",") {
		return fmt.Errorf("%w: lossTable has (%s), want (%s)", ErrSchema,
			strings.Join(found, ", "), strings.Join(columns, ", "))
	}
	return nil
}

// Write inserts the records of the run in one transaction
func (d *DB) Write(ctx context.Context, records []admm.Record) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lossdb: %w", err)
	}
	defer tx.Rollback()
	statement, err := tx.PrepareContext(ctx, d.insert)
	if err != nil {
		return fmt.Errorf("lossdb: %w", err)
	}
	defer statement.Close()
	for _, r := range records {
		values := []any{d.Run.String(), r.Epoch, r.Minibatch, r.ADMM, r.Loss0, r.Loss1, r.Loss2, r.Loss3,
			r.KDist, r.Augmentation, r.Similarity}
		if d.rica {
			values = append(values, r.RICA)
		}
		if _, err := statement.ExecContext(ctx, values...); err != nil {
			return fmt.Errorf("lossdb: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lossdb: %w", err)
	}
	return nil
}

// Records reads back the records of an epoch of the run in insertion order
func (d *DB) Records(ctx context.Context, epoch int) ([]admm.Record, error) {
	columns := "epoch, iter, admm, loss0, loss1, loss2, loss3, kdist, augLoss, clusLoss"
	if d.rica {
		columns += ", rica"
	}
	rows, err := d.db.QueryContext(ctx, "SELECT "+columns+" FROM lossTable WHERE run = ? AND epoch = ? ORDER BY rowid",
		d.Run.String(), epoch)
	if err != nil {
		return nil, fmt.Errorf("lossdb: %w", err)
	}
	defer rows.Close()
	var records []admm.Record
	for rows.Next() {
		var r admm.Record
		dest := []any{&r.Epoch, &r.Minibatch, &r.ADMM, &r.Loss0, &r.Loss1, &r.Loss2, &r.Loss3,
			&r.KDist, &r.Augmentation, &r.Similarity}
		if d.rica {
			dest = append(dest, &r.RICA)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("lossdb: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lossdb: %w", err)
	}
	return records, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Discard is a sink that drops the records
type Discard struct{}

// Write drops the records
func (Discard) Write(ctx context.Context, records []admm.Record) error {
	return nil
}
