// Package sqlsink persists buffered records into SQL databases. Every flush
// opens the resolved destination, applies the schema and inserts the whole
// batch inside one transaction.
package sqlsink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/schema"
	"github.com/illmade-knight/go-mq2db/pkg/types"
	"github.com/rs/zerolog"
)

// maxBindParams bounds the parameters of one INSERT. It is SQLite's default
// limit and below those of PostgreSQL and MySQL.
const maxBindParams = 32766

// WriterConfig describes the destination and table of one target.
type WriterConfig struct {
	// URL is the database URL template, see Destination.
	URL   string
	Table schema.TableSpec
	// Init statements run on the connection before the transaction begins.
	Init []string
}

// Writer flushes record batches for one table.
type Writer struct {
	destination *Destination
	dialect     Dialect
	statements  *schema.Statements
	init        []string
	logger      zerolog.Logger
}

// NewWriter validates cfg and precomputes the table's statements.
func NewWriter(cfg WriterConfig, logger zerolog.Logger) (*Writer, error) {
	destination, err := NewDestination(cfg.URL)
	if err != nil {
		return nil, err
	}
	dialect, err := DialectFor(destination.Scheme())
	if err != nil {
		return nil, err
	}
	statements, err := schema.Build(cfg.Table, dialect)
	if err != nil {
		return nil, err
	}
	return &Writer{
		destination: destination,
		dialect:     dialect,
		statements:  statements,
		init:        cfg.Init,
		logger: logger.With().
			Str("component", "SQLWriter").
			Str("table", cfg.Table.Name).
			Str("dialect", dialect.Name()).
			Logger(),
	}, nil
}

// Statements returns the precomputed SQL of the writer's table.
func (w *Writer) Statements() *schema.Statements {
	return w.statements
}

// Columns returns the insert columns in bind order.
func (w *Writer) Columns() []string {
	return w.statements.InsertColumns
}

// Destination returns the URL template.
func (w *Writer) Destination() *Destination {
	return w.destination
}

// Flush writes rows to the destination resolved for now. Either every row is
// committed or none is; on error the caller keeps its rows for a later retry.
func (w *Writer) Flush(ctx context.Context, now time.Time, rows []types.Record) (err error) {
	if len(rows) == 0 {
		return nil
	}
	location := w.destination.Resolve(now)

	db, err := w.dialect.Open(ctx, location)
	if err != nil {
		return fmt.Errorf("flush of %d rows: %w", len(rows), err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			w.logger.Warn().Err(closeErr).Msg("Error closing database")
		}
	}()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	for _, stmt := range w.init {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init statement %q: %w", stmt, err)
		}
	}
	if !w.dialect.TransactionalDDL() {
		if err := w.applySchema(ctx, conn); err != nil {
			return err
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				w.logger.Warn().Err(rbErr).Msg("Rollback failed")
			}
		}
	}()

	if w.dialect.TransactionalDDL() {
		if err = w.applySchema(ctx, tx); err != nil {
			return err
		}
	}
	if err = w.insert(ctx, tx, rows); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing %d rows: %w", len(rows), err)
	}
	w.logger.Debug().Int("rows", len(rows)).Str("destination", location).Msg("Flushed rows")
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (w *Writer) applySchema(ctx context.Context, db execer) error {
	if _, err := db.ExecContext(ctx, w.statements.Table); err != nil {
		return fmt.Errorf("creating table: %w", err)
	}
	for _, stmt := range w.statements.Indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil && !w.dialect.IgnorableIndexError(err) {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}

// insert writes rows as multi-row INSERT statements, as few as the bind
// parameter limit allows.
func (w *Writer) insert(ctx context.Context, tx *sql.Tx, rows []types.Record) error {
	columns := w.statements.InsertColumns
	perStatement := max(1, maxBindParams/len(columns))

	for start := 0; start < len(rows); start += perStatement {
		end := min(start+perStatement, len(rows))
		args := make([]any, 0, (end-start)*len(columns))
		for i := start; i < end; i++ {
			for j, value := range rows[i].Values(columns) {
				arg, err := w.dialect.Bind(value)
				if err != nil {
					return fmt.Errorf("row %d column %s: %w", i, columns[j], err)
				}
				args = append(args, arg)
			}
		}
		if _, err := tx.ExecContext(ctx, w.statements.InsertRows(end-start), args...); err != nil {
			return fmt.Errorf("inserting rows %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}
