package sqlsink_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/schema"
	"github.com/illmade-knight/go-mq2db/pkg/sqlsink"
	"github.com/illmade-knight/go-mq2db/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func sensorTable() schema.TableSpec {
	return schema.TableSpec{
		Name:          "sensor",
		Columns:       []schema.Column{{Name: "rssi", Type: "REAL"}, {Name: "payload", Type: "TEXT"}},
		AutoDatetime:  true,
		AutoTimestamp: true,
		Indexes:       []schema.Constraint{{Name: "idx_payload", Columns: []string{"payload"}}},
	}
}

func newSQLiteWriter(t *testing.T, url string, table schema.TableSpec) *sqlsink.Writer {
	t.Helper()
	w, err := sqlsink.NewWriter(sqlsink.WriterConfig{
		URL:   url,
		Table: table,
		Init:  []string{"PRAGMA journal_mode=WAL"},
	}, zerolog.Nop())
	require.NoError(t, err)
	return w
}

func row(rssi any, payload any, at time.Time) types.Record {
	return types.Record{
		"rssi":                rssi,
		"payload":             payload,
		types.ColumnTimestamp: at.Unix(),
		types.ColumnDatetime:  at,
	}
}

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query).Scan(&n))
	return n
}

func TestWriter_FlushEmptyIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "never.db")
	w := newSQLiteWriter(t, "sqlite:///"+path, sensorTable())

	require.NoError(t, w.Flush(context.Background(), time.Now(), nil))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "no database should be created for an empty flush")
}

func TestWriter_FlushIsIdempotentOnSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "sensor.db")
	w := newSQLiteWriter(t, "sqlite:///"+path, sensorTable())

	t0 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, w.Flush(ctx, t0, []types.Record{row(-70.5, "a", t0)}))
	require.NoError(t, w.Flush(ctx, t0, []types.Record{row(-71.0, "b", t0.Add(time.Second))}))

	db := openSQLite(t, path)
	assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(*) FROM sensor"))
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='sensor'"))
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_payload'"))
}

func TestWriter_FlushPreservesOrderAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sensor.db")
	table := sensorTable()
	table.PrimaryKey, table.PrimaryKeySet = []string{}, true
	w := newSQLiteWriter(t, "sqlite:///"+path, table)

	t0 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []types.Record{
		row(int64(-60), "first", t0),
		row(nil, "second", t0),
		row(int64(-62), map[string]any{"nested": true}, t0),
	}
	require.NoError(t, w.Flush(context.Background(), t0, rows))

	db := openSQLite(t, path)
	res, err := db.Query("SELECT rssi, payload, _timestamp_, CAST(_datetime_ AS TEXT) FROM sensor ORDER BY rowid")
	require.NoError(t, err)
	defer res.Close()

	var payloads []string
	var rssis []sql.NullFloat64
	for res.Next() {
		var rssi sql.NullFloat64
		var payload, datetime string
		var ts int64
		require.NoError(t, res.Scan(&rssi, &payload, &ts, &datetime))
		payloads = append(payloads, payload)
		rssis = append(rssis, rssi)
		assert.Equal(t, t0.Unix(), ts)
		assert.Equal(t, "2024-01-02T03:04:05.000000000Z", datetime)
	}
	require.NoError(t, res.Err())

	require.Len(t, payloads, 3)
	assert.Equal(t, "first", payloads[0])
	assert.Equal(t, "second", payloads[1])
	assert.JSONEq(t, `{"nested":true}`, payloads[2])
	assert.False(t, rssis[1].Valid, "missing column must be stored as NULL")
}

func TestWriter_FlushIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sensor.db")
	table := sensorTable()
	table.PrimaryKey, table.PrimaryKeySet = []string{"payload"}, true
	w := newSQLiteWriter(t, "sqlite:///"+path, table)

	t0 := time.Now().UTC()
	ctx := context.Background()
	require.NoError(t, w.Flush(ctx, t0, []types.Record{row(1.0, "a", t0)}))

	batch := []types.Record{row(2.0, "b", t0), row(3.0, "a", t0)}
	err := w.Flush(ctx, t0, batch)
	require.Error(t, err)

	db := openSQLite(t, path)
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM sensor"), "failed batch must leave no rows behind")
	assert.Len(t, batch, 2, "caller rows are untouched")
}

func TestWriter_LargeBatchSpansStatementsAtomically(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "sensor.db")
	table := sensorTable()
	table.PrimaryKey, table.PrimaryKeySet = []string{"payload"}, true
	w := newSQLiteWriter(t, "sqlite:///"+path, table)
	ctx := context.Background()
	t0 := time.Now().UTC()
	require.NoError(t, w.Flush(ctx, t0, []types.Record{row(-1.0, "seed", t0)}))

	// four columns bind 8191 rows per statement
	var batch []types.Record
	for i := 0; i < 20000; i++ {
		batch = append(batch, row(float64(i), fmt.Sprintf("p-%d", i), t0))
	}
	duplicate := append(append([]types.Record{}, batch...), row(0.0, "p-0", t0))

	// Act
	err := w.Flush(ctx, t0, duplicate)

	// Assert
	require.Error(t, err)
	db := openSQLite(t, path)
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM sensor"))

	require.NoError(t, w.Flush(ctx, t0, batch))
	assert.Equal(t, 20001, countRows(t, db, "SELECT COUNT(*) FROM sensor"))

	var last float64
	require.NoError(t, db.QueryRow("SELECT rssi FROM sensor WHERE payload = 'p-19999'").Scan(&last))
	assert.Equal(t, 19999.0, last)
}

func TestWriter_UnreachableSinkRecovers(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	path := filepath.Join(blocker, "sensor.db")
	w := newSQLiteWriter(t, "sqlite:///"+path, sensorTable())

	t0 := time.Now().UTC()
	rows := []types.Record{row(1.0, "a", t0), row(2.0, "b", t0.Add(time.Millisecond))}
	require.Error(t, w.Flush(context.Background(), t0, rows))

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, w.Flush(context.Background(), t0, rows))

	db := openSQLite(t, path)
	assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(*) FROM sensor"))
}

func TestWriter_TemplatedDestination(t *testing.T) {
	dir := t.TempDir()
	w := newSQLiteWriter(t, "sqlite:///"+filepath.Join(dir, "sensor-%Y%m%d.db"), sensorTable())

	day1 := time.Date(2024, 5, 1, 23, 59, 59, 0, time.UTC)
	day2 := day1.Add(time.Second)
	ctx := context.Background()
	require.NoError(t, w.Flush(ctx, day1, []types.Record{row(1.0, "a", day1)}))
	require.NoError(t, w.Flush(ctx, day2, []types.Record{row(2.0, "b", day2)}))

	assert.FileExists(t, filepath.Join(dir, "sensor-20240501.db"))
	assert.FileExists(t, filepath.Join(dir, "sensor-20240502.db"))
}

func TestWriter_RawColumn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw.db")
	w := newSQLiteWriter(t, "sqlite:///"+path, schema.TableSpec{
		Name:    "frames",
		Columns: []schema.Column{{Name: "text", Type: "TEXT"}},
		AutoRaw: true,
	})
	assert.Equal(t, []string{"text", types.ColumnRaw}, w.Columns())

	rec := types.Record{"text": "hello", types.ColumnRaw: []byte("hello")}
	require.NoError(t, w.Flush(context.Background(), time.Now(), []types.Record{rec}))

	db := openSQLite(t, path)
	var raw []byte
	require.NoError(t, db.QueryRow("SELECT _raw_ FROM frames").Scan(&raw))
	assert.Equal(t, []byte("hello"), raw)
}

func TestNewWriter_ConfigurationErrors(t *testing.T) {
	_, err := sqlsink.NewWriter(sqlsink.WriterConfig{URL: "oracle://db/x", Table: sensorTable()}, zerolog.Nop())
	assert.ErrorIs(t, err, sqlsink.ErrUnsupportedDialect)

	bad := sensorTable()
	bad.Indexes = []schema.Constraint{{Name: "idx", Columns: []string{"nope"}}}
	_, err = sqlsink.NewWriter(sqlsink.WriterConfig{URL: "sqlite:///x.db", Table: bad}, zerolog.Nop())
	assert.ErrorIs(t, err, schema.ErrInvalidSchema)
}
