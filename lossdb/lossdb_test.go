// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lossdb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/pointlander/khm/admm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func records(epoch, n int) []admm.Record {
	rs := make([]admm.Record, n)
	for i := range rs {
		rs[i] = admm.Record{
			Epoch:        epoch,
			Minibatch:    3,
			ADMM:         i,
			Loss0:        1.5,
			Loss1:        -.25,
			Loss2:        .125,
			Loss3:        2,
			KDist:        1e-9,
			Augmentation: .25,
			Similarity:   .75,
			RICA:         .5,
		}
	}
	return rs
}

func columns(t *testing.T, path string) []string {
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.Query("SELECT * FROM lossTable LIMIT 1")
	require.NoError(t, err)
	defer rows.Close()
	names, err := rows.Columns()
	require.NoError(t, err)
	return names
}

func TestRICAColumn(t *testing.T) {
	ctx := context.Background()
	for _, rica := range []bool{true, false} {
		path := filepath.Join(t.TempDir(), "loss.db")
		d, err := Open(ctx, path, rica, "epochs: 1\n")
		require.NoError(t, err)
		require.NoError(t, d.Write(ctx, records(0, 10)))

		got, err := d.Records(ctx, 0)
		require.NoError(t, err)
		want := records(0, 10)
		if !rica {
			for i := range want {
				want[i].RICA = 0
			}
		}
		assert.Equal(t, want, got)
		require.NoError(t, d.Close())

		names := columns(t, path)
		assert.Equal(t, rica, names[len(names)-1] == "rica")
		assert.Equal(t, "run", names[0])
		if rica {
			assert.Len(t, names, 12)
		} else {
			assert.Len(t, names, 11)
		}
	}
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loss.db")
	a, err := Open(ctx, path, true, "a")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	b, err := Open(ctx, path, true, "b")
	require.NoError(t, err)
	defer b.Close()
	assert.NotEqual(t, a.Run, b.Run)

	var config string
	require.NoError(t, b.db.QueryRow("SELECT config FROM runTable WHERE id = ?", b.Run.String()).Scan(&config))
	assert.Equal(t, "b", config)
}

func TestRunsShareDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loss.db")
	first, err := Open(ctx, path, true, "")
	require.NoError(t, err)
	require.NoError(t, first.Write(ctx, records(0, 3)))
	require.NoError(t, first.Close())

	second, err := Open(ctx, path, true, "")
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Write(ctx, records(0, 3)))
	got, err := second.Records(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	var count int
	require.NoError(t, second.db.QueryRow("SELECT COUNT(*) FROM lossTable WHERE run = ?", first.Run.String()).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loss.db")
	d, err := Open(ctx, path, true, "")
	require.NoError(t, err)
	require.NoError(t, d.Write(ctx, records(0, 2)))
	require.NoError(t, d.Close())

	_, err = Open(ctx, path, false, "")
	assert.True(t, errors.Is(err, ErrSchema))
	assert.Len(t, columns(t, path), 12)

	legacy := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", legacy)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE lossTable (epoch INTEGER, iter INTEGER, admm INTEGER, loss0 FLOAT, loss1 FLOAT, " +
		"loss2 FLOAT, loss3 FLOAT, kdist FLOAT, augLoss FLOAT, clusLoss FLOAT)")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	_, err = Open(ctx, legacy, false, "")
	assert.True(t, errors.Is(err, ErrSchema))
}

func TestWriteAfterClose(t *testing.T) {
	ctx := context.Background()
	d, err := Open(ctx, filepath.Join(t.TempDir(), "loss.db"), false, "")
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.Error(t, d.Write(ctx, records(0, 1)))
}

func TestDiscard(t *testing.T) {
	var sink admm.Sink = Discard{}
	assert.NoError(t, sink.Write(context.Background(), records(0, 3)))
	var _ admm.Sink = (*DB)(nil)
}
