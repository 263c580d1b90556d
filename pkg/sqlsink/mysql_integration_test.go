//go:build integration

package sqlsink_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/helpers/emulators"
	"github.com/illmade-knight/go-mq2db/pkg/schema"
	"github.com/illmade-knight/go-mq2db/pkg/sqlsink"
	"github.com/illmade-knight/go-mq2db/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Integration_MySQL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	conn := emulators.SetupMySQLContainer(t, ctx, emulators.GetDefaultMySQLConfig("mq2db"))

	table := schema.TableSpec{
		Name:         "readings",
		Columns:      []schema.Column{{Name: "device", Type: "VARCHAR(64)"}, {Name: "rssi", Type: "INT"}},
		AutoDatetime: true,
		Indexes:      []schema.Constraint{{Name: "idx_readings_device", Columns: []string{"device"}}},
		InsertPrefix: "IGNORE",
	}
	w, err := sqlsink.NewWriter(sqlsink.WriterConfig{URL: conn.EmulatorAddress, Table: table}, zerolog.Nop())
	require.NoError(t, err)

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, w.Flush(ctx, t0, []types.Record{
		{"device": "d-1", "rssi": int64(-40), types.ColumnDatetime: t0},
	}))
	// the index already exists on the second flush; MySQL reports 1061, which is tolerated
	require.NoError(t, w.Flush(ctx, t0, []types.Record{
		{"device": "d-2", "rssi": nil, types.ColumnDatetime: t0.Add(time.Second)},
		// INSERT IGNORE skips the duplicate key instead of failing the batch
		{"device": "d-3", "rssi": int64(-50), types.ColumnDatetime: t0},
	}))
}

func TestWriter_Integration_MySQLFailedBatchLeavesNoRows(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	conn := emulators.SetupMySQLContainer(t, ctx, emulators.GetDefaultMySQLConfig("mq2db"))
	table := schema.TableSpec{
		Name:         "batches",
		Columns:      []schema.Column{{Name: "device", Type: "VARCHAR(64)"}, {Name: "seq", Type: "INT"}},
		AutoDatetime: true,
		Indexes:      []schema.Constraint{{Name: "idx_batches_device", Columns: []string{"device"}}},
	}
	w, err := sqlsink.NewWriter(sqlsink.WriterConfig{URL: conn.EmulatorAddress, Table: table}, zerolog.Nop())
	require.NoError(t, err)

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, w.Flush(ctx, t0, []types.Record{
		{"device": "d-0", "seq": int64(0), types.ColumnDatetime: t0},
	}))

	// large enough to need more than one INSERT statement; the last row
	// repeats the existing primary key
	var rows []types.Record
	for i := 1; i <= 12000; i++ {
		rows = append(rows, types.Record{
			"device":             fmt.Sprintf("d-%d", i%7),
			"seq":                int64(i),
			types.ColumnDatetime: t0.Add(time.Duration(i) * time.Second),
		})
	}
	rows = append(rows, types.Record{"device": "dup", "seq": int64(-1), types.ColumnDatetime: t0})

	// Act
	err = w.Flush(ctx, t0, rows)

	// Assert
	require.Error(t, err)

	db, err := sql.Open("mysql", conn.DSN)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batches").Scan(&n))
	assert.Equal(t, 1, n, "a failed flush must not leave any of its rows behind")

	// the same batch without the duplicate commits in full
	require.NoError(t, w.Flush(ctx, t0, rows[:len(rows)-1]))
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batches").Scan(&n))
	assert.Equal(t, 12001, n)
}
